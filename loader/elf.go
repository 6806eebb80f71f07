// Package loader reads guest programs: x86-64 ELF executables and flat raw
// images.
package loader

import (
	"debug/elf"
	"fmt"
	"io"
	"os"

	"github.com/sarchlab/tierjit/emu"
)

// Segment is a loadable region of a program.
type Segment struct {
	// VirtAddr is the guest address of the first byte.
	VirtAddr uint64
	// Data holds the initialized bytes.
	Data []byte
	// MemSize is the size in memory; bytes past len(Data) are zero.
	MemSize uint64
	// Perm holds the access permissions.
	Perm emu.Perm
}

// Program is a guest program ready to be copied into memory.
type Program struct {
	EntryPoint uint64
	Segments   []Segment
}

// Load parses an x86-64 ELF executable.
func Load(path string) (*Program, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ELF file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("not a 64-bit ELF file")
	}
	if f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("not an x86-64 ELF file (machine type: %v)", f.Machine)
	}

	prog := &Program{EntryPoint: f.Entry}
	for _, phdr := range f.Progs {
		if phdr.Type != elf.PT_LOAD {
			continue
		}

		data := make([]byte, phdr.Filesz)
		if phdr.Filesz > 0 {
			n, err := phdr.ReadAt(data, 0)
			if err != nil && err != io.EOF {
				return nil, fmt.Errorf("failed to read segment at 0x%x: %w", phdr.Vaddr, err)
			}
			if uint64(n) != phdr.Filesz {
				return nil, fmt.Errorf("short read for segment at 0x%x: got %d bytes, expected %d",
					phdr.Vaddr, n, phdr.Filesz)
			}
		}

		prog.Segments = append(prog.Segments, Segment{
			VirtAddr: phdr.Vaddr,
			Data:     data,
			MemSize:  max(phdr.Memsz, phdr.Filesz),
			Perm:     perm(phdr.Flags),
		})
	}

	return prog, nil
}

func perm(flags elf.ProgFlag) emu.Perm {
	var p emu.Perm
	if flags&elf.PF_R != 0 {
		p |= emu.PermRead
	}
	if flags&elf.PF_W != 0 {
		p |= emu.PermWrite
	}
	if flags&elf.PF_X != 0 {
		p |= emu.PermExec
	}
	return p
}

// LoadRaw reads a flat binary to be placed at base. Execution starts at
// base.
func LoadRaw(path string, base uint64) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read raw image: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("raw image %s is empty", path)
	}

	return &Program{
		EntryPoint: base,
		Segments: []Segment{{
			VirtAddr: base,
			Data:     data,
			MemSize:  uint64(len(data)),
			Perm:     emu.PermAll,
		}},
	}, nil
}

// Size returns the highest address any segment reaches, exclusive.
func (p *Program) Size() uint64 {
	var end uint64
	for _, seg := range p.Segments {
		end = max(end, seg.VirtAddr+seg.MemSize)
	}
	return end
}

// CopyTo writes every segment into mem and zero-fills the rest of each
// segment's memory size. It fails if a segment does not land in RAM.
func (p *Program) CopyTo(mem *emu.Memory) error {
	for _, seg := range p.Segments {
		if seg.MemSize == 0 {
			continue
		}
		for _, addr := range []uint64{seg.VirtAddr, seg.VirtAddr + seg.MemSize - 1} {
			if t, ok := mem.Translate(addr); !ok || !t.IsRAM {
				return fmt.Errorf("segment at 0x%x does not fit guest RAM", seg.VirtAddr)
			}
		}

		mem.LoadBytes(seg.VirtAddr, seg.Data)
		if bss := seg.MemSize - uint64(len(seg.Data)); bss > 0 {
			mem.LoadBytes(seg.VirtAddr+uint64(len(seg.Data)), make([]byte, bss))
		}
	}
	return nil
}
