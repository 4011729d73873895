// Package loader populates RAM from flat binaries or ELF32 images
// (spec §4.1). Loaders are one of the spec's explicit external
// collaborators — accessed through the thin io.WriterAt-style
// interface bus.RAM already exposes.
package loader

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
)

// Memory is the write target a loader populates: bus.RAM satisfies
// this via its WriteAt method.
type Memory interface {
	io.WriterAt
}

// ErrNotELF distinguishes "this file isn't an ELF image at all" from
// any other LoadELF failure (a malformed ELF, or a write error against
// mem), so callers can fall back to a flat-binary load only in the
// former case instead of masking genuine errors.
var ErrNotELF = errors.New("loader: not an ELF image")

// LoadFlat copies the entirety of r into mem at the given physical
// address (spec §4.1: "flat-binary: copies bytes into RAM at a
// caller-supplied address").
func LoadFlat(mem Memory, r io.Reader, paddr uint32) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("loader: read flat image: %w", err)
	}
	if _, err := mem.WriteAt(data, int64(paddr)); err != nil {
		return fmt.Errorf("loader: write flat image: %w", err)
	}
	return nil
}

// LoadELF parses an ELF32 little-endian image, copies each PT_LOAD
// segment's file bytes to its p_paddr, zero-fills the remainder up to
// p_memsz, and returns e_entry as the initial PC (spec §4.1). Like
// LoadFlat, addresses are guest-physical: mem is expected to be the same
// RAMBase-relative write target (e.g. the sim package's ramWindow).
func LoadELF(mem Memory, r io.ReaderAt) (entry uint32, err error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNotELF, err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS32 {
		return 0, fmt.Errorf("loader: expected ELF32, got %s", f.Class)
	}
	if f.Data != elf.ELFDATA2LSB {
		return 0, fmt.Errorf("loader: expected little-endian ELF, got %s", f.Data)
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		paddr := uint32(prog.Paddr)
		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil && err != io.EOF {
			return 0, fmt.Errorf("loader: read PT_LOAD segment: %w", err)
		}
		if _, err := mem.WriteAt(data, int64(paddr)); err != nil {
			return 0, fmt.Errorf("loader: write PT_LOAD segment: %w", err)
		}
		if prog.Memsz > prog.Filesz {
			zeros := make([]byte, prog.Memsz-prog.Filesz)
			if _, err := mem.WriteAt(zeros, int64(paddr+uint32(prog.Filesz))); err != nil {
				return 0, fmt.Errorf("loader: zero-fill PT_LOAD segment: %w", err)
			}
		}
	}

	return uint32(f.Entry), nil
}
