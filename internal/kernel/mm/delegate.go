package mm

import (
	"context"

	"github.com/go-nova/novakernel/internal/kernel/kstatus"
)

// Delegate atomically copies the power-of-two range [srcBase, srcBase+2^order)
// of src into dst at dstBase, masking every copied leaf's permission bits by
// mask (spec.md §4.A, §4.C). mt overrides the memory-type pair on the copied
// leaves; a nil mt inherits each source leaf's own shareability/cacheability.
//
// A source hole is skipped: the destination range under it is left as it
// was. A leaf whose masked
// permission comes out empty revokes the corresponding destination range, the
// memory-space analogue of delegating a null capability with overriding
// permission. Shootdown for permission-reducing installs is handled inside
// dst.Map/dst.Unmap via notifier.
func Delegate(ctx context.Context, src, dst *Space, srcBase, dstBase uint64, order uint, mask Permission, mt *MemoryType, notifier Notifier) error {
	if src == nil || dst == nil {
		return kstatus.New(kstatus.BadParameter, "delegate: nil space")
	}
	if order > 63 {
		return kstatus.New(kstatus.BadParameter, "delegate: order out of range")
	}
	size := uint64(1) << order
	align := size - 1
	if srcBase&align != 0 || dstBase&align != 0 {
		return kstatus.New(kstatus.BadParameter, "delegate: base not aligned to order")
	}
	pageSize := uint64(1) << src.layout.pageBits
	if size < pageSize {
		return kstatus.New(kstatus.BadParameter, "delegate: order below page granularity")
	}

	for off := uint64(0); off < size; {
		va := srcBase + off
		pa, leafOrder, leafMT, leafPerm, ok := src.Lookup(va)
		if !ok {
			off += pageSize
			continue
		}
		// Clamp the copied chunk to what remains of the source leaf and of
		// the delegated range.
		leafSpan := uint64(1) << leafOrder
		chunk := leafSpan - (va & (leafSpan - 1))
		if remaining := size - off; chunk > remaining {
			chunk = remaining
		}

		perm := leafPerm & mask
		if perm == 0 {
			if err := dst.Unmap(ctx, dstBase+off, chunk, notifier); err != nil {
				return err
			}
			off += chunk
			continue
		}
		attrs := leafMT
		if mt != nil {
			attrs = *mt
		}
		if err := dst.Map(ctx, dstBase+off, pa, chunk, perm, attrs, notifier); err != nil {
			return err
		}
		off += chunk
	}
	return nil
}
