package bus

import (
	"encoding/binary"

	"github.com/krns06/tiny-rv32ima-sim/internal/riscv32"
)

// RAM is the byte-addressable main-memory region (spec §4.1). It is kept
// outside the Device collection and fast-pathed by Bus, mirroring the
// teacher's MemoryRegion/RAM-range shortcut in its own bus dispatch.
type RAM struct {
	Data []byte
}

// NewRAM allocates size bytes of zeroed RAM.
func NewRAM(size int) *RAM {
	return &RAM{Data: make([]byte, size)}
}

func (r *RAM) read(off uint32, size int) (uint32, error) {
	end := uint64(off) + uint64(size)
	if end > uint64(len(r.Data)) {
		return 0, riscv32.Exception(riscv32.CauseLoadAccessFault, off)
	}
	switch size {
	case 1:
		return uint32(r.Data[off]), nil
	case 2:
		return uint32(binary.LittleEndian.Uint16(r.Data[off:])), nil
	case 4:
		return binary.LittleEndian.Uint32(r.Data[off:]), nil
	default:
		return 0, riscv32.Exception(riscv32.CauseLoadAccessFault, off)
	}
}

func (r *RAM) write(off uint32, size int, value uint32) error {
	end := uint64(off) + uint64(size)
	if end > uint64(len(r.Data)) {
		return riscv32.Exception(riscv32.CauseStoreAccessFault, off)
	}
	switch size {
	case 1:
		r.Data[off] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(r.Data[off:], uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(r.Data[off:], value)
	default:
		return riscv32.Exception(riscv32.CauseStoreAccessFault, off)
	}
	return nil
}

// ReadAt implements io.ReaderAt over the RAM aperture, used by program
// loaders and by virtio devices for guest-memory DMA.
func (r *RAM) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off) > len(r.Data) {
		return 0, riscv32.Exception(riscv32.CauseLoadAccessFault, uint32(off))
	}
	n := copy(p, r.Data[off:])
	return n, nil
}

// WriteAt implements io.WriterAt over the RAM aperture.
func (r *RAM) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off) > len(r.Data) {
		return 0, riscv32.Exception(riscv32.CauseStoreAccessFault, uint32(off))
	}
	n := copy(r.Data[off:], p)
	return n, nil
}
