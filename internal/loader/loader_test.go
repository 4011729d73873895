package loader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

// fakeMemory is a flat byte-slice Memory sink for round-trip tests.
type fakeMemory struct {
	data []byte
}

func newFakeMemory(size int) *fakeMemory { return &fakeMemory{data: make([]byte, size)} }

func (m *fakeMemory) WriteAt(p []byte, off int64) (int, error) {
	n := copy(m.data[off:], p)
	return n, nil
}

func TestLoadFlatCopiesBytesAtAddress(t *testing.T) {
	mem := newFakeMemory(1 << 16)
	payload := []byte{0x93, 0x00, 0x30, 0x12} // addi x1, x0, 0x123

	if err := LoadFlat(mem, bytes.NewReader(payload), 0x100); err != nil {
		t.Fatalf("LoadFlat: %v", err)
	}
	if got := mem.data[0x100:0x104]; !bytes.Equal(got, payload) {
		t.Errorf("RAM at 0x100 = %x, want %x", got, payload)
	}
	if !allZero(mem.data[:0x100]) || !allZero(mem.data[0x104:]) {
		t.Errorf("bytes outside the flat image region were touched")
	}
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// buildELF32 hand-assembles a minimal valid little-endian ELF32 image
// with a single PT_LOAD segment, since debug/elf only decodes (there is
// no stdlib ELF encoder to build test fixtures from).
func buildELF32(entry, vaddr uint32, segment []byte, memsz uint32) []byte {
	const (
		ehsize = 52
		phsize = 32
	)
	segOff := uint32(ehsize + phsize)

	var buf bytes.Buffer
	// e_ident
	buf.Write([]byte{0x7f, 'E', 'L', 'F', 1, 1, 1, 0})
	buf.Write(make([]byte, 8)) // padding

	write16 := func(v uint16) { binary.Write(&buf, binary.LittleEndian, v) }
	write32 := func(v uint32) { binary.Write(&buf, binary.LittleEndian, v) }

	write16(2)           // e_type = ET_EXEC
	write16(0xf3)        // e_machine = EM_RISCV
	write32(1)           // e_version
	write32(entry)       // e_entry
	write32(ehsize)      // e_phoff
	write32(0)           // e_shoff
	write32(0)           // e_flags
	write16(ehsize)      // e_ehsize
	write16(phsize)      // e_phentsize
	write16(1)           // e_phnum
	write16(0)           // e_shentsize
	write16(0)           // e_shnum
	write16(0)           // e_shstrndx

	// program header (Elf32_Phdr)
	write32(1)            // p_type = PT_LOAD
	write32(segOff)       // p_offset
	write32(vaddr)        // p_vaddr
	write32(vaddr)        // p_paddr
	write32(uint32(len(segment))) // p_filesz
	write32(memsz)        // p_memsz
	write32(5)            // p_flags = R|X
	write32(0x1000)       // p_align

	buf.Write(segment)
	return buf.Bytes()
}

// TestLoadELFCopiesSegmentsAndZeroFills uses a small p_paddr, not a
// guest-physical RAMBase-scale address, since LoadELF writes directly at
// p_paddr through mem with no base subtraction — the same guest-physical
// contract LoadFlat uses (mem is expected to already be RAMBase-relative,
// e.g. sim's ramWindow).
func TestLoadELFCopiesSegmentsAndZeroFills(t *testing.T) {
	const paddr = 0x100
	segment := []byte{0x93, 0x00, 0x30, 0x12}
	const bssPad = 8
	elfBytes := buildELF32(paddr+4, paddr, segment, uint32(len(segment)+bssPad))

	mem := newFakeMemory(1 << 16)
	entry, err := LoadELF(mem, bytes.NewReader(elfBytes))
	if err != nil {
		t.Fatalf("LoadELF: %v", err)
	}
	if entry != paddr+4 {
		t.Errorf("entry = %#x, want %#x", entry, paddr+4)
	}
	if got := mem.data[paddr : paddr+4]; !bytes.Equal(got, segment) {
		t.Errorf("segment bytes = %x, want %x", got, segment)
	}
	if !allZero(mem.data[paddr+4 : paddr+4+bssPad]) {
		t.Errorf("memsz-filesz tail not zero-filled")
	}
}

func TestLoadELFRejectsNonELF(t *testing.T) {
	mem := newFakeMemory(1 << 12)
	_, err := LoadELF(mem, bytes.NewReader([]byte("not an elf")))
	if err == nil {
		t.Fatalf("LoadELF accepted non-ELF input")
	}
	if !errors.Is(err, ErrNotELF) {
		t.Errorf("err = %v, want wrapping ErrNotELF", err)
	}
}
