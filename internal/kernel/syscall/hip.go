package syscall

import "encoding/binary"

// HIP is the hypervisor information page published read-only to the root EC
// (spec.md §6): signature, checksum, image and console extents, object-space
// width, event-selector counts, and per-CPU/per-interrupt numbers.
type HIP struct {
	NumCPUs       uint16
	NumGSIs       uint16
	SelectorWidth uint8 // bits of a valid object-space selector
	EventBase     uint64
	NumEvents     uint16

	ImageStart, ImageEnd     uint64
	ConsoleStart, ConsoleEnd uint64
	RootStart, RootEnd       uint64
}

// HIPSize is the fixed size of the encoded information page.
const HIPSize = 4096

var hipSignature = [4]byte{'N', 'O', 'V', 'A'}

// EncodePage serialises h into a page image. The checksum field is set so
// the page's 16-bit words sum to zero, the same discipline firmware tables
// use, letting the root task verify the page before trusting it.
func (h *HIP) EncodePage() []byte {
	page := make([]byte, HIPSize)
	copy(page[0:], hipSignature[:])
	// page[4:6] is the checksum, patched last.
	binary.LittleEndian.PutUint16(page[6:], h.NumCPUs)
	binary.LittleEndian.PutUint16(page[8:], h.NumGSIs)
	page[10] = h.SelectorWidth
	binary.LittleEndian.PutUint16(page[12:], h.NumEvents)
	binary.LittleEndian.PutUint64(page[16:], h.EventBase)
	binary.LittleEndian.PutUint64(page[24:], h.ImageStart)
	binary.LittleEndian.PutUint64(page[32:], h.ImageEnd)
	binary.LittleEndian.PutUint64(page[40:], h.ConsoleStart)
	binary.LittleEndian.PutUint64(page[48:], h.ConsoleEnd)
	binary.LittleEndian.PutUint64(page[56:], h.RootStart)
	binary.LittleEndian.PutUint64(page[64:], h.RootEnd)

	var sum uint16
	for i := 0; i < HIPSize; i += 2 {
		sum += binary.LittleEndian.Uint16(page[i:])
	}
	binary.LittleEndian.PutUint16(page[4:], -sum)
	return page
}

// VerifyPage reports whether page carries the NOVA signature and a
// zero-summing checksum.
func VerifyPage(page []byte) bool {
	if len(page) != HIPSize {
		return false
	}
	for i := range hipSignature {
		if page[i] != hipSignature[i] {
			return false
		}
	}
	var sum uint16
	for i := 0; i < HIPSize; i += 2 {
		sum += binary.LittleEndian.Uint16(page[i:])
	}
	return sum == 0
}
