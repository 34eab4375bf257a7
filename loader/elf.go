// Package loader stages ARM64 executables into a guest address space.
//
// Two formats are supported. Load parses an ELF file into PT_LOAD segments
// that Program.Stage maps at their link addresses. NewExecutable places a
// module image (text, read-only data and data with a MOD0 header) at a
// chosen base and exposes its dynamic section, symbols and relocations.
package loader

import (
	"debug/elf"
	"fmt"
	"io"
	"slices"

	"github.com/sarchlab/armhle/memory"
)

// SegmentFlags represents memory protection flags for a segment.
type SegmentFlags uint32

const (
	// SegmentFlagExecute indicates the segment is executable.
	SegmentFlagExecute SegmentFlags = 1 << iota
	// SegmentFlagWrite indicates the segment is writable.
	SegmentFlagWrite
	// SegmentFlagRead indicates the segment is readable.
	SegmentFlagRead
)

// Segment represents a loadable segment from an ELF binary.
type Segment struct {
	// VirtAddr is the virtual address where this segment should be loaded.
	VirtAddr uint64
	// Data contains the segment contents from the file.
	Data []byte
	// MemSize is the size in memory (may be larger than len(Data) for BSS).
	MemSize uint64
	// Flags contains the segment protection flags.
	Flags SegmentFlags
}

// Perm returns the page permissions of the segment.
func (s *Segment) Perm() memory.Perm {
	var perm memory.Perm
	if s.Flags&SegmentFlagRead != 0 {
		perm |= memory.PermRead
	}
	if s.Flags&SegmentFlagWrite != 0 {
		perm |= memory.PermWrite
	}
	if s.Flags&SegmentFlagExecute != 0 {
		perm |= memory.PermExecute
	}
	return perm
}

// Tag returns the region tag of the segment.
func (s *Segment) Tag() memory.Tag {
	if s.Flags&SegmentFlagExecute != 0 {
		return memory.TagCodeStatic
	}
	return memory.TagNormal
}

// Program represents a loaded ELF program ready for execution.
type Program struct {
	// EntryPoint is the virtual address where execution should begin.
	EntryPoint uint64
	// Segments contains all loadable segments from the ELF file.
	Segments []Segment
}

// Load parses an ARM64 ELF binary and returns a Program ready to be staged
// into a guest address space.
func Load(path string) (*Program, error) {
	// Open the ELF file
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ELF file: %w", err)
	}
	defer func() { _ = f.Close() }()

	// Validate ELF class (must be 64-bit)
	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("not a 64-bit ELF file")
	}

	// Validate machine type (must be ARM64/AArch64)
	if f.Machine != elf.EM_AARCH64 {
		return nil, fmt.Errorf("not an ARM64 ELF file (machine type: %v)", f.Machine)
	}

	// Create the program structure
	prog := &Program{
		EntryPoint: f.Entry,
	}

	// Load all PT_LOAD segments
	for _, phdr := range f.Progs {
		if phdr.Type != elf.PT_LOAD {
			continue
		}

		// Read segment data
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

		// Convert ELF flags to our segment flags
		var flags SegmentFlags
		if phdr.Flags&elf.PF_X != 0 {
			flags |= SegmentFlagExecute
		}
		if phdr.Flags&elf.PF_W != 0 {
			flags |= SegmentFlagWrite
		}
		if phdr.Flags&elf.PF_R != 0 {
			flags |= SegmentFlagRead
		}

		seg := Segment{
			VirtAddr: phdr.Vaddr,
			Data:     data,
			MemSize:  phdr.Memsz,
			Flags:    flags,
		}

		prog.Segments = append(prog.Segments, seg)
	}

	return prog, nil
}

// End returns the page-rounded address past the highest segment.
func (p *Program) End() uint64 {
	var end uint64
	for _, seg := range p.Segments {
		end = max(end, seg.VirtAddr+seg.MemSize)
	}
	return memory.PageRoundUp(end)
}

// Stage maps every segment at its link address, copies the file contents and
// applies the segment permissions. Pages shared by two segments get the union
// of their permissions.
func (p *Program) Stage(space *memory.Space) error {
	acc := memory.NewAccessor(space)
	perms := make(map[uint64]memory.Perm)

	for _, seg := range p.Segments {
		if seg.MemSize == 0 {
			continue
		}

		if err := space.MapAndAllocate(seg.VirtAddr, seg.MemSize, seg.Tag(), memory.PermRW); err != nil {
			return fmt.Errorf("failed to map segment at 0x%x: %w", seg.VirtAddr, err)
		}

		end := memory.PageRoundUp(seg.VirtAddr + seg.MemSize)
		for page := memory.PageRoundDown(seg.VirtAddr); page < end; page += memory.PageSize {
			perms[page] |= seg.Perm()
		}
	}

	for _, seg := range p.Segments {
		if err := acc.WriteBytes(seg.VirtAddr, seg.Data); err != nil {
			return fmt.Errorf("failed to write segment at 0x%x: %w", seg.VirtAddr, err)
		}
	}

	pages := make([]uint64, 0, len(perms))
	for page := range perms {
		pages = append(pages, page)
	}
	slices.Sort(pages)

	for _, page := range pages {
		if err := space.Reprotect(page, memory.PageSize, perms[page]); err != nil {
			return fmt.Errorf("failed to protect page 0x%x: %w", page, err)
		}
	}

	return nil
}
