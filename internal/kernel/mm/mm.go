// Package mm implements spec.md §4.C: per-PD host, guest, DMA, PIO and MSR
// memory/port/register spaces, the delegate operation that copies a range of
// rights between them with shareability/cacheability attributes, and the
// TLB/IOMMU shootdown protocol that follows a permission-reducing update.
//
// Page tables are modeled as the spec's §9 Design Notes prescribe: a thin
// newtype around a machine word classified as Hole, Leaf, or Branch, with
// per-architecture attribute packing left to constructors. Updates below
// the space's root use atomic compare-and-swap on individual page-table
// entries with retry on loss (spec.md §5), matching a real concurrent
// radix-trie walk rather than a single coarse lock.
package mm

import "fmt"

// Permission is the per-leaf access-rights bitmask spec.md §4.C lists:
// {R, W, X-user, X-super, U, G, K}.
type Permission uint16

const (
	PermR Permission = 1 << iota
	PermW
	PermExecUser
	PermExecSuper
	PermUser   // leaf is accessible from unprivileged (EL0/ring3) code
	PermGlobal // leaf is not tagged by ASID/VMID (shared across address spaces)
	PermKernel // leaf is accessible only from privileged code
)

// Has reports whether p contains every bit in req.
func (p Permission) Has(req Permission) bool { return p&req == req }

// Shareability is the memory-type shareability domain of a leaf mapping.
type Shareability uint8

const (
	ShareNone Shareability = iota
	ShareInner
	ShareOuter
)

// Cacheability is the memory-type cacheability attribute of a leaf mapping.
type Cacheability uint8

const (
	CacheNonCacheable Cacheability = iota
	CacheWriteBack
	CacheWriteThrough
	CacheDevice
)

// MemoryType packs the shareability/cacheability pair spec.md §4.C
// attaches to every leaf mapping.
type MemoryType struct {
	Shareability Shareability
	Cacheability Cacheability
}

// Kind identifies which of the six address-space flavors a Space is.
// OBJ (the capability table itself) lives in package obj as CapTable; the
// other five are implemented here.
type Kind uint8

const (
	KindHost Kind = iota
	KindGuest
	KindDMA
	KindPIO
	KindMSR
)

func (k Kind) String() string {
	switch k {
	case KindHost:
		return "HST"
	case KindGuest:
		return "GST"
	case KindDMA:
		return "DMA"
	case KindPIO:
		return "PIO"
	case KindMSR:
		return "MSR"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}
