package mm

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/go-nova/novakernel/internal/kernel/kstatus"
)

// Notifier delivers the RKE ("remote kick") inter-processor request spec.md
// §4.H defines, used here to drive TLB/IOMMU shootdown (§4.C). SendRKE
// returns once cpu has observed the kick and advanced its completion
// counter, matching "the local CPU waits for the target's completion
// counter to advance."
type Notifier interface {
	SendRKE(ctx context.Context, cpu int) error
}

// Space is one of the five address-space flavors of spec.md §4.C: host,
// guest, DMA, PIO, or MSR. Host/guest/DMA share the same radix-trie paged
// layout; PIO and MSR use a flatter layout sized to their much smaller
// address ranges, but are otherwise the same type.
type Space struct {
	kind   Kind
	layout layout
	root   *node
	sdid   uint32

	mu         sync.Mutex
	cpus       map[int]struct{}
	generation atomicbitops.Uint64
}

func newSpace(kind Kind, l layout, sdid uint32) *Space {
	return &Space{
		kind:   kind,
		layout: l,
		root:   newNode(),
		sdid:   sdid,
		cpus:   make(map[int]struct{}),
	}
}

// hostLayout covers a 48-bit address space in 4KiB pages, four 9-bit trie
// levels (12 + 4*9 = 48), the layout host/guest/DMA spaces share.
var hostLayout = layout{pageBits: 12, bitsPerLevel: bitsPerLevel, levels: 4}

// portLayout covers the 16-bit x86 I/O port space at byte granularity.
var portLayout = layout{pageBits: 0, bitsPerLevel: bitsPerLevel, levels: 2}

// msrLayout covers the 32-bit x86 MSR index space at register granularity.
var msrLayout = layout{pageBits: 0, bitsPerLevel: bitsPerLevel, levels: 4}

// NewHostSpace creates an HST space: intermediate-physical-to-physical
// translation for a PD's native address space. sdid tags the space for
// TLB/IOMMU invalidation.
func NewHostSpace(sdid uint32) *Space { return newSpace(KindHost, hostLayout, sdid) }

// NewGuestSpace creates a GST space: guest-physical translation for a
// vCPU EC's two-stage paging.
func NewGuestSpace(sdid uint32) *Space { return newSpace(KindGuest, hostLayout, sdid) }

// NewDMASpace creates a DMA space. Its page tables are structurally
// identical to a host space's; sdid is quoted into IOMMU invalidation
// commands (spec.md §4.C).
func NewDMASpace(sdid uint32) *Space { return newSpace(KindDMA, hostLayout, sdid) }

// NewPIOSpace creates an x86 PIO permission map.
func NewPIOSpace() *Space { return newSpace(KindPIO, portLayout, 0) }

// NewMSRSpace creates an x86 MSR permission map.
func NewMSRSpace() *Space { return newSpace(KindMSR, msrLayout, 0) }

// Kind reports which address-space flavor this is.
func (s *Space) Kind() Kind { return s.kind }

// SDID returns the space's device/domain identifier, quoted into IOMMU
// invalidation commands by package iommu.
func (s *Space) SDID() uint32 { return s.sdid }

// Generation returns the space's current shootdown generation counter.
// spec.md §3 invariant: "A host memory space's TLB is considered stale on
// CPU C iff ... the space's generation counter differs from C's last
// observation."
func (s *Space) Generation() uint64 { return s.generation.Load() }

// MarkCurrent records that cpu has loaded this space as its active table,
// making it a shootdown target for future permission-reducing updates.
func (s *Space) MarkCurrent(cpu int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cpus[cpu] = struct{}{}
}

// ClearCurrent records that cpu no longer has this space loaded.
func (s *Space) ClearCurrent(cpu int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cpus, cpu)
}

// Lookup walks the trie for va and returns the largest leaf containing it,
// per spec.md §4.C: "lookup(va) -> (pa, order, ma, perm)".
func (s *Space) Lookup(va uint64) (pa uint64, orderBits uint, mt MemoryType, perm Permission, ok bool) {
	lf, level, found := walkLookup(s.root, va, s.layout)
	if !found {
		return 0, 0, MemoryType{}, 0, false
	}
	order := s.layout.pageBits + uint(level-1)*s.layout.bitsPerLevel
	span := uint64(1) << order
	base := va &^ (span - 1)
	off := va - base
	return lf.phys + off, order, lf.mtype, lf.perm, true
}

// Map installs (or updates) [va, va+size) to translate to pa with perm and
// mt, tiling the range at the largest leaf granularity that evenly covers
// it, falling back to the space's smallest page size otherwise. If the
// update reduces any existing leaf's permission or remaps its physical
// target, Map triggers shootdown (spec.md §4.C) via notifier once the
// update is visible; a nil notifier skips shootdown (used for spaces with
// no CPU ever current, e.g. freshly created ones).
func (s *Space) Map(ctx context.Context, va, pa, size uint64, perm Permission, mt MemoryType, notifier Notifier) error {
	if size == 0 {
		return kstatus.New(kstatus.BadParameter, "zero-size mapping")
	}
	level := s.bestLevel(va, pa, size)
	span := levelSpan(level, s.layout)
	count := size / span
	if count*span != size {
		return kstatus.New(kstatus.BadParameter, "size not aligned to page granularity")
	}

	reduceOrRemap := false
	for i := uint64(0); i < count; i++ {
		cva := va + i*span
		cpa := pa + i*span
		if prev, _, found := walkLookup(s.root, cva, s.layout); found {
			if prev.phys != cpa || prev.perm&perm != prev.perm {
				reduceOrRemap = true
			}
		}
		walkInstall(s.root, cva, level, leaf{phys: cpa, perm: perm, mtype: mt}, s.layout)
	}

	if reduceOrRemap {
		s.generation.Add(1)
		return s.shootdown(ctx, notifier)
	}
	return nil
}

// Unmap clears [va, va+size) and always shoots down, since removing a
// mapping is never a strict permission grant.
func (s *Space) Unmap(ctx context.Context, va, size uint64, notifier Notifier) error {
	if size == 0 {
		return kstatus.New(kstatus.BadParameter, "zero-size unmap")
	}
	level := s.bestLevel(va, va, size) // pa alignment doesn't matter for removal
	span := levelSpan(level, s.layout)
	count := size / span
	if count*span != size {
		return kstatus.New(kstatus.BadParameter, "size not aligned to page granularity")
	}
	for i := uint64(0); i < count; i++ {
		walkRemove(s.root, va+i*span, level, s.layout)
	}
	s.generation.Add(1)
	return s.shootdown(ctx, notifier)
}

// bestLevel picks the largest trie level whose span divides size and to
// which va and pa are both aligned, falling back to level 1.
func (s *Space) bestLevel(va, pa, size uint64) int {
	for lvl := s.layout.levels; lvl >= 1; lvl-- {
		span := levelSpan(lvl, s.layout)
		if size%span == 0 && va%span == 0 && pa%span == 0 {
			return lvl
		}
	}
	return 1
}

func (s *Space) shootdown(ctx context.Context, notifier Notifier) error {
	if notifier == nil {
		return nil
	}
	s.mu.Lock()
	targets := make([]int, 0, len(s.cpus))
	for cpu := range s.cpus {
		targets = append(targets, cpu)
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, cpu := range targets {
		cpu := cpu
		g.Go(func() error {
			return notifier.SendRKE(gctx, cpu)
		})
	}
	return g.Wait()
}
