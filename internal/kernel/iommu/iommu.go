// Package iommu implements spec.md §4.J: per-device stream/context tables
// binding a DMA-capable device to one of a PD's DMA address spaces,
// domain-identified TLB invalidation piggybacked on package mm's shootdown
// path, and rate-limited fault logging for devices that walk off their
// assigned space.
package iommu

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/go-nova/novakernel/internal/kernel/kstatus"
	"github.com/go-nova/novakernel/internal/kernel/mm"
)

// StreamID identifies a DMA-capable device on the platform's interconnect
// (a PCI requester ID, or this simulation's equivalent).
type StreamID uint32

// streamContext binds one StreamID to the DMA space it is currently
// assigned to, the stream/context table entry spec.md §4.J describes.
type streamContext struct {
	space *mm.Space
}

// Table is the IOMMU's stream-to-context-table mapping for one platform
// instance.
type Table struct {
	log     *slog.Logger
	limiter *rate.Limiter

	mu      sync.RWMutex
	streams map[StreamID]*streamContext
}

// New constructs an empty stream table. Fault log lines are rate-limited
// to faultBurst immediately followed by one line every 1/faultsPerSecond,
// so a misbehaving or compromised device cannot flood the host log.
func New(faultsPerSecond float64, faultBurst int, log *slog.Logger) *Table {
	if log == nil {
		log = slog.Default()
	}
	if faultBurst < 1 {
		faultBurst = 1
	}
	return &Table{
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(faultsPerSecond), faultBurst),
		streams: make(map[StreamID]*streamContext),
	}
}

// Assign implements spec.md §4.J's assign_device: binds stream to space,
// replacing any previous assignment. A device with no assignment faults
// every access (default-deny, spec.md §4.J invariant).
func (t *Table) Assign(stream StreamID, space *mm.Space) error {
	if space == nil {
		return kstatus.New(kstatus.BadParameter, "assign: nil DMA space")
	}
	if space.Kind() != mm.KindDMA {
		return kstatus.New(kstatus.BadParameter, "assign: space is not a DMA space")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streams[stream] = &streamContext{space: space}
	return nil
}

// Unassign removes stream's binding; subsequent translations for it fault.
func (t *Table) Unassign(stream StreamID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.streams, stream)
}

// Translate resolves a device-visible address for stream through its
// assigned DMA space, the path an emulated DMA-capable device's memory
// access goes through instead of touching host memory directly (spec.md
// §4.C, §4.J). A stream with no assignment, or an address outside its
// space's mapped range, is a fault: logged (rate-limited) and reported to
// the caller as a failed translation rather than panicking the device
// model.
func (t *Table) Translate(stream StreamID, addr uint64) (uint64, error) {
	t.mu.RLock()
	ctx := t.streams[stream]
	t.mu.RUnlock()

	if ctx == nil {
		t.fault("unassigned stream", stream, addr)
		return 0, kstatus.New(kstatus.BadDevice, "iommu: stream not assigned")
	}
	pa, _, _, perm, ok := ctx.space.Lookup(addr)
	if !ok || !perm.Has(mm.PermR) {
		t.fault("translation fault", stream, addr)
		return 0, kstatus.New(kstatus.BadDevice, "iommu: translation fault")
	}
	return pa, nil
}

func (t *Table) fault(reason string, stream StreamID, addr uint64) {
	if t.limiter.Allow() {
		t.log.Warn("iommu fault", "reason", reason, "stream", stream, "addr", addr)
	}
}

// Invalidate implements stream-scoped TLB/IOTLB invalidation over
// [addr, addr+size): it re-installs the range's current translation
// unchanged, which forces package mm's generation bump and RKE shootdown
// exactly as a permission-reducing remap would (spec.md §4.C, §4.J). It
// does not pass the space's SDID anywhere. Used after a broader host-side
// table update that
// already touched this range and only needs device-side TLB state synced.
func (t *Table) Invalidate(ctx context.Context, stream StreamID, addr, size uint64, notifier mm.Notifier) error {
	t.mu.RLock()
	sc := t.streams[stream]
	t.mu.RUnlock()
	if sc == nil {
		return kstatus.New(kstatus.BadDevice, "iommu: stream not assigned")
	}
	pa, _, mt, perm, ok := sc.space.Lookup(addr)
	if !ok {
		return nil
	}
	// Unmap always shoots down regardless of whether the new mapping
	// would otherwise look identical (spec.md §4.C), which is exactly
	// the unconditional invalidation semantics this call needs.
	if err := sc.space.Unmap(ctx, addr, size, notifier); err != nil {
		return err
	}
	return sc.space.Map(ctx, addr, pa, size, perm, mt, notifier)
}
