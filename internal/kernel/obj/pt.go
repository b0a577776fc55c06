package obj

import (
	"context"

	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/go-nova/novakernel/internal/kernel/kstatus"
)

// PT is a portal: a gate that synchronously invokes a server EC (spec.md
// §3). The target EC and entry instruction pointer are immutable after
// creation; only the badge and MTD may change, via ctrl_pt, and both are
// atomic so a concurrent ipc_call always observes a consistent value.
type PT struct {
	Kobject

	target *EC
	ip     uint64

	mtd   atomicbitops.Uint32
	badge atomicbitops.Uint64
}

// NewPT constructs a portal bound to target, entering at ip, with the
// given initial MTD and badge.
func NewPT(domain *Domain, target *EC, ip uint64, mtd uint32, badge uint64) *PT {
	pt := &PT{Kobject: newKobject(KindPT, domain), target: target, ip: ip}
	pt.mtd.Store(mtd)
	pt.badge.Store(badge)
	return pt
}

// CreatePT implements spec.md §4.B's create_pt. target must be a local EC
// on the creator's CPU (spec.md §3: "PTs live in the target EC's home
// CPU"); this is enforced by the caller (the create_pt syscall handler),
// which alone knows which CPU is issuing the syscall.
func CreatePT(ctx context.Context, authority Capability, holder *PD, destSel Selector, target *EC, ip uint64, mtd uint32) (*PT, error) {
	if !authority.Validate(KindPD, PermCreatePT) {
		return nil, kstatus.New(kstatus.BadCapability, "create_pt: missing PermCreatePT")
	}
	if target.Kind() != ECLocal {
		return nil, kstatus.New(kstatus.BadParameter, "create_pt: target is not a local EC")
	}
	if !holder.ObjSpace.Lookup(destSel).IsNull() {
		return nil, kstatus.New(kstatus.BadCapability, "create_pt: destination selector occupied")
	}
	if err := holder.acquireSlab(ctx); err != nil {
		return nil, err
	}
	defer holder.releaseSlab()

	pt := NewPT(holder.domain, target, ip, mtd, 0)
	if !holder.ObjSpace.Insert(destSel, NewCapability(pt, PermCall|PermEvent|PermCtrlPT)) {
		return nil, kstatus.New(kstatus.BadCapability, "create_pt: lost race for destination selector")
	}
	return pt, nil
}

// Target returns the EC this portal invokes.
func (pt *PT) Target() *EC { return pt.target }

// IP returns the portal's entry instruction pointer.
func (pt *PT) IP() uint64 { return pt.ip }

// MTD returns the portal's current message-transfer descriptor.
func (pt *PT) MTD() uint32 { return pt.mtd.Load() }

// Badge returns the portal's current badge.
func (pt *PT) Badge() uint64 { return pt.badge.Load() }

// SetMTD updates the portal's MTD (ctrl_pt).
func (pt *PT) SetMTD(mtd uint32) { pt.mtd.Store(mtd) }

// SetBadge updates the portal's badge (ctrl_pt).
func (pt *PT) SetBadge(badge uint64) { pt.badge.Store(badge) }

// Destroy releases pt's last reference.
func (pt *PT) Destroy() { pt.Put(nil) }
