package obj

import (
	"github.com/go-nova/novakernel/internal/kernel/kstatus"
)

// DelegateObjects atomically copies the power-of-two range of selectors
// [srcBase, srcBase+2^order) from src into the same-sized range starting at
// dstBase in dst, masking every copied capability's permission bits by
// mask. This is the object-space flavor of spec.md §4.A's delegate
// operation ("For memory spaces the operation additionally carries
// shareability and cacheability; for object spaces only a permission
// mask.").
//
// Each destination slot must be null; if any slot in the destination range
// is occupied, DelegateObjects returns BAD_CAP before writing any slot, so
// a colliding range has no partial effect.
func DelegateObjects(src, dst *CapTable, srcBase, dstBase Selector, order uint, mask Permission) error {
	if order > 63 {
		return kstatus.New(kstatus.BadParameter, "order out of range")
	}
	count := Selector(1) << order
	align := count - 1
	if uint64(srcBase)&uint64(align) != 0 || uint64(dstBase)&uint64(align) != 0 {
		return kstatus.New(kstatus.BadParameter, "base not aligned to order")
	}

	// Validate every destination slot is free before writing any of them,
	// so a colliding range fails without partial effect.
	for i := Selector(0); i < count; i++ {
		if existing := dst.Lookup(dstBase + i); !existing.IsNull() {
			return kstatus.New(kstatus.BadCapability, "destination slot occupied")
		}
	}

	for i := Selector(0); i < count; i++ {
		cap := src.Lookup(srcBase + i).Masked(mask)
		dst.store(dstBase+i, cap)
	}
	return nil
}

// RevokeRange clears every selector in [base, base+2^order) of t, the
// bulk-revocation counterpart to DelegateObjects.
func RevokeRange(t *CapTable, base Selector, order uint) error {
	if order > 63 {
		return kstatus.New(kstatus.BadParameter, "order out of range")
	}
	count := Selector(1) << order
	align := count - 1
	if uint64(base)&uint64(align) != 0 {
		return kstatus.New(kstatus.BadParameter, "base not aligned to order")
	}
	for i := Selector(0); i < count; i++ {
		t.Revoke(base + i)
	}
	return nil
}
