package obj

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/go-nova/novakernel/internal/kernel/kstatus"
	"github.com/go-nova/novakernel/internal/kernel/mm"
)

// maxSlabAdmission bounds how many factory calls a single PD can have
// in flight at once (spec.md SPEC_FULL Domain Stack: "root-PD slab admission
// control" via golang.org/x/sync/semaphore), independent of the SM object's
// own exact-order FIFO wait queue.
const maxSlabAdmission = 256

// PD is a protection domain: the top-level container of capability spaces
// described in spec.md §3. A PD always owns an object space and a host
// memory space; the guest, DMA, PIO and MSR spaces are optional and nil
// until a syscall creates them via ctrl_pd's create-space sub-operations.
type PD struct {
	Kobject

	ObjSpace *CapTable
	Host     *mm.Space
	Guest    *mm.Space
	DMA      *mm.Space
	PIO      *mm.Space
	MSR      *mm.Space

	// deviceID tags TLB/IOMMU entries on behalf of this PD's spaces, per
	// spec.md §3 ("maintains a small device-identifier").
	deviceID uint32

	slab *semaphore.Weighted

	fpuCache chan *FPUArea
}

// FPUArea is an EC's lazily-allocated FPU save area, drawn from its owning
// PD's FPU cache on first use (spec.md §3).
type FPUArea struct {
	Data [512]byte
}

// NewRootPD creates the initial PD with every permission over itself,
// the bootstrap capability the root task starts with. deviceID is the
// platform-assigned tag used for its host space's TLB/IOMMU entries.
func NewRootPD(domain *Domain, deviceID uint32) *PD {
	pd := newPD(domain, deviceID)
	pd.ObjSpace.store(0, NewCapability(pd, PermAll))
	return pd
}

func newPD(domain *Domain, deviceID uint32) *PD {
	return &PD{
		Kobject:  newKobject(KindPD, domain),
		ObjSpace: NewCapTable(),
		Host:     mm.NewHostSpace(deviceID),
		deviceID: deviceID,
		slab:     semaphore.NewWeighted(maxSlabAdmission),
		fpuCache: make(chan *FPUArea, 64),
	}
}

// DeviceID returns the PD's TLB/IOMMU tag.
func (pd *PD) DeviceID() uint32 { return pd.deviceID }

// acquireSlab admits one factory call, bounding concurrent provisioning
// against this PD per the Domain Stack rationale above. ctx.Background()
// admission never blocks in practice since the weight is generous; it
// exists so the discipline matches what the spec calls "a PD's slab"
// rather than an unbounded allocator.
func (pd *PD) acquireSlab(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := pd.slab.Acquire(ctx, 1); err != nil {
		return kstatus.New(kstatus.MemoryObject, "slab admission failed")
	}
	return nil
}

func (pd *PD) releaseSlab() { pd.slab.Release(1) }

// AllocFPU draws an FPU save area from this PD's cache, allocating a fresh
// one if the cache is empty (spec.md §3: "an FPU save area (lazy, allocated
// from the PD's FPU cache on first use)").
func (pd *PD) AllocFPU() *FPUArea {
	select {
	case a := <-pd.fpuCache:
		*a = FPUArea{}
		return a
	default:
		return &FPUArea{}
	}
}

// FreeFPU returns an FPU area to this PD's cache for reuse, best-effort:
// a full cache simply drops it for the garbage collector.
func (pd *PD) FreeFPU(a *FPUArea) {
	if a == nil {
		return
	}
	select {
	case pd.fpuCache <- a:
	default:
	}
}

// destroy is the last-reference teardown for a PD: release its memory
// spaces and slab. Objects still named by capabilities in ObjSpace are not
// recursively torn down here — each such object holds its own reference
// and is destroyed independently when its own refcount reaches zero.
func (pd *PD) destroy() {
	pd.Host = nil
	pd.Guest = nil
	pd.DMA = nil
	pd.PIO = nil
	pd.MSR = nil
}

// CreatePD implements spec.md §4.B's create_pd: authority must carry a PD
// capability with PermCreatePD; the new PD's capability is published into
// holder's object space at destSel. holder and the PD named by authority
// are often the same PD but need not be, matching §4.B's "a destination
// selector, a source PD whose object space receives the new capability."
func CreatePD(ctx context.Context, authority Capability, holder *PD, destSel Selector, deviceID uint32) (*PD, error) {
	if !authority.Validate(KindPD, PermCreatePD) {
		return nil, kstatus.New(kstatus.BadCapability, "create_pd: missing PermCreatePD")
	}
	if !holder.ObjSpace.Lookup(destSel).IsNull() {
		return nil, kstatus.New(kstatus.BadCapability, "create_pd: destination selector occupied")
	}
	if err := holder.acquireSlab(ctx); err != nil {
		return nil, err
	}
	defer holder.releaseSlab()

	child := newPD(holder.domain, deviceID)
	if !holder.ObjSpace.Insert(destSel, NewCapability(child, PermAll)) {
		return nil, kstatus.New(kstatus.BadCapability, "create_pd: lost race for destination selector")
	}
	return child, nil
}

// CreateGuestSpace installs a GST space on pd (ctrl_pd create-space
// sub-operation). Returns BAD_PAR if one already exists.
func (pd *PD) CreateGuestSpace() error {
	if pd.Guest != nil {
		return kstatus.New(kstatus.BadParameter, "guest space already exists")
	}
	pd.Guest = mm.NewGuestSpace(pd.deviceID)
	return nil
}

// CreateDMASpace installs a DMA space on pd.
func (pd *PD) CreateDMASpace() error {
	if pd.DMA != nil {
		return kstatus.New(kstatus.BadParameter, "DMA space already exists")
	}
	pd.DMA = mm.NewDMASpace(pd.deviceID)
	return nil
}

// CreatePIOSpace installs an x86 PIO space on pd.
func (pd *PD) CreatePIOSpace() error {
	if pd.PIO != nil {
		return kstatus.New(kstatus.BadParameter, "PIO space already exists")
	}
	pd.PIO = mm.NewPIOSpace()
	return nil
}

// CreateMSRSpace installs an x86 MSR space on pd.
func (pd *PD) CreateMSRSpace() error {
	if pd.MSR != nil {
		return kstatus.New(kstatus.BadParameter, "MSR space already exists")
	}
	pd.MSR = mm.NewMSRSpace()
	return nil
}

// Destroy releases pd's last reference, deferring actual teardown to the
// RCU grace period (spec.md §3).
func (pd *PD) Destroy() {
	pd.Put(pd.destroy)
}
