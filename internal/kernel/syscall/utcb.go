package syscall

import (
	"encoding/binary"

	"github.com/go-nova/novakernel/internal/kernel/obj"
)

// UTCB layout, spec.md §6: a 32-bit MTD, a reserved word, then
// architecture-specific register images. The qualifier slot at offset 8 is
// where the nested-page-fault address (HPFAR) and other per-vector detail
// lands on an exception upcall; the GPR image follows it.
const (
	utcbMTDOffset       = 0
	utcbQualifierOffset = 8
	utcbGPROffset       = 16
)

// UTCBMTD reads the MTD word from ec's UTCB, the field that tells the
// kernel which register groups are authoritative on this transfer.
func UTCBMTD(ec *obj.EC) uint32 {
	return binary.LittleEndian.Uint32(ec.UTCB()[utcbMTDOffset:])
}

// SetUTCBMTD writes the MTD word into ec's UTCB, the simulation's stand-in
// for user code storing it before issuing ipc_call/ipc_reply.
func SetUTCBMTD(ec *obj.EC, mtd uint32) {
	binary.LittleEndian.PutUint32(ec.UTCB()[utcbMTDOffset:], mtd)
}

// UTCBQualifier reads the fault qualifier slot, filled by the upcall path.
func UTCBQualifier(ec *obj.EC) uint64 {
	return binary.LittleEndian.Uint64(ec.UTCB()[utcbQualifierOffset:])
}

// UTCBGPR reads the i'th general-purpose register image from ec's UTCB.
func UTCBGPR(ec *obj.EC, i int) uint64 {
	return binary.LittleEndian.Uint64(ec.UTCB()[utcbGPROffset+8*i:])
}

// SetUTCBGPR writes the i'th general-purpose register image.
func SetUTCBGPR(ec *obj.EC, i int, v uint64) {
	binary.LittleEndian.PutUint64(ec.UTCB()[utcbGPROffset+8*i:], v)
}
