package loader

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sarchlab/armhle/memory"
)

// Mod0Magic is the magic of the module header ("MOD0").
const Mod0Magic = 0x30444F4D

// ErrBadMod0 is returned when the module header does not carry Mod0Magic.
var ErrBadMod0 = errors.New("bad MOD0 header")

// Image is a module split into its three segments. Offsets are relative to
// the base the image is placed at.
type Image struct {
	Text []byte
	RO   []byte
	Data []byte

	TextOffset uint32
	ROOffset   uint32
	DataOffset uint32
	Mod0Offset uint32
}

// Mod0 is the module header with its offsets resolved to guest addresses.
type Mod0 struct {
	Magic    uint32
	Dynamic  uint64
	BssStart uint64
	BssEnd   uint64
	EhStart  uint64
	EhEnd    uint64
	ModObj   uint64
}

// DynamicEntry is one (tag, value) pair of the dynamic section.
type DynamicEntry struct {
	Tag   elf.DynTag
	Value uint64
}

// Symbol is a dynamic symbol table entry.
type Symbol struct {
	Name    string
	Info    uint8
	Other   uint8
	Section uint16
	Value   uint64
	Size    uint64
}

// Binding returns the symbol binding.
func (s Symbol) Binding() elf.SymBind { return elf.ST_BIND(s.Info) }

// Type returns the symbol type.
func (s Symbol) Type() elf.SymType { return elf.ST_TYPE(s.Info) }

// Visibility returns the symbol visibility.
func (s Symbol) Visibility() elf.SymVis { return elf.ST_VISIBILITY(s.Other) }

// Relocation is an Elf64_Rela entry.
type Relocation struct {
	Offset uint64
	Type   elf.R_AARCH64
	Symbol uint32
	Addend int64
}

// symbolEntrySize is the size of an Elf64_Sym.
const symbolEntrySize = 24

// relocationEntrySize is the size of an Elf64_Rela.
const relocationEntrySize = 24

// maxSymbolName bounds symbol names read from the string table.
const maxSymbolName = 4096

// Executable is a module image staged into a guest address space.
type Executable struct {
	acc *memory.Accessor

	ImageBase uint64
	ImageEnd  uint64

	Mod0    Mod0
	Dynamic []DynamicEntry
}

// NewExecutable writes img at imageBase: text as RX static code, read-only
// data as R and data as RW. When the image has code, the MOD0 header is
// parsed, the bss range it names is mapped RW and the dynamic section is read
// up to its DT_NULL terminator.
func NewExecutable(img *Image, space *memory.Space, imageBase uint64) (*Executable, error) {
	e := &Executable{
		acc:       memory.NewAccessor(space),
		ImageBase: imageBase,
		ImageEnd:  imageBase,
	}

	segments := []struct {
		offset uint32
		data   []byte
		tag    memory.Tag
		perm   memory.Perm
	}{
		{img.TextOffset, img.Text, memory.TagCodeStatic, memory.PermRX},
		{img.ROOffset, img.RO, memory.TagNormal, memory.PermRead},
		{img.DataOffset, img.Data, memory.TagNormal, memory.PermRW},
	}

	for _, seg := range segments {
		pos := imageBase + uint64(seg.offset)
		if err := e.writeData(space, pos, seg.data, seg.tag, seg.perm); err != nil {
			return nil, err
		}
		e.ImageEnd = max(e.ImageEnd, pos+uint64(len(seg.data)))
	}

	if len(img.Text) == 0 {
		return e, nil
	}

	if err := e.readMod0(imageBase + uint64(img.Mod0Offset)); err != nil {
		return nil, err
	}

	if e.Mod0.BssEnd > e.Mod0.BssStart {
		err := space.MapAndAllocate(e.Mod0.BssStart, e.Mod0.BssEnd-e.Mod0.BssStart, memory.TagNormal, memory.PermRW)
		if err != nil {
			return nil, fmt.Errorf("failed to map bss: %w", err)
		}
	}

	e.ImageEnd = e.Mod0.BssEnd

	if err := e.readDynamic(); err != nil {
		return nil, err
	}

	return e, nil
}

func (e *Executable) writeData(space *memory.Space, pos uint64, data []byte, tag memory.Tag, perm memory.Perm) error {
	if len(data) == 0 {
		return nil
	}

	size := uint64(len(data))

	if err := space.MapAndAllocate(pos, size, tag, memory.PermRW); err != nil {
		return fmt.Errorf("failed to map segment at 0x%x: %w", pos, err)
	}

	if err := e.acc.WriteBytes(pos, data); err != nil {
		return fmt.Errorf("failed to write segment at 0x%x: %w", pos, err)
	}

	if err := space.Reprotect(pos, size, perm); err != nil {
		return fmt.Errorf("failed to protect segment at 0x%x: %w", pos, err)
	}

	return nil
}

// readMod0 parses the header at pos. Every field after the magic is a signed
// 32-bit offset relative to pos.
func (e *Executable) readMod0(pos uint64) error {
	magic, err := e.acc.Read32(pos)
	if err != nil {
		return fmt.Errorf("failed to read MOD0 header: %w", err)
	}

	if magic != Mod0Magic {
		return fmt.Errorf("magic 0x%08x at 0x%x: %w", magic, pos, ErrBadMod0)
	}

	var fields [6]uint64
	for i := range fields {
		off, err := e.acc.ReadInt32(pos + 4 + uint64(4*i))
		if err != nil {
			return fmt.Errorf("failed to read MOD0 header: %w", err)
		}
		fields[i] = pos + uint64(int64(off))
	}

	e.Mod0 = Mod0{
		Magic:    magic,
		Dynamic:  fields[0],
		BssStart: fields[1],
		BssEnd:   fields[2],
		EhStart:  fields[3],
		EhEnd:    fields[4],
		ModObj:   fields[5],
	}

	return nil
}

func (e *Executable) readDynamic() error {
	for pos := e.Mod0.Dynamic; ; pos += 16 {
		tag, err := e.acc.Read64(pos)
		if err != nil {
			return fmt.Errorf("failed to read dynamic section: %w", err)
		}

		value, err := e.acc.Read64(pos + 8)
		if err != nil {
			return fmt.Errorf("failed to read dynamic section: %w", err)
		}

		if elf.DynTag(tag) == elf.DT_NULL {
			return nil
		}

		e.Dynamic = append(e.Dynamic, DynamicEntry{Tag: elf.DynTag(tag), Value: value})
	}
}

// DynamicValue returns the value of the first dynamic entry with tag, or 0.
func (e *Executable) DynamicValue(tag elf.DynTag) uint64 {
	for _, entry := range e.Dynamic {
		if entry.Tag == tag {
			return entry.Value
		}
	}
	return 0
}

// Symbol reads entry index of the dynamic symbol table.
func (e *Executable) Symbol(index uint32) (Symbol, error) {
	strtab := e.ImageBase + e.DynamicValue(elf.DT_STRTAB)
	symtab := e.ImageBase + e.DynamicValue(elf.DT_SYMTAB)

	entSize := e.DynamicValue(elf.DT_SYMENT)
	if entSize == 0 {
		entSize = symbolEntrySize
	}

	pos := symtab + uint64(index)*entSize

	raw, err := e.acc.ReadBytes(pos, symbolEntrySize)
	if err != nil {
		return Symbol{}, fmt.Errorf("failed to read symbol %d: %w", index, err)
	}

	nameIndex := binary.LittleEndian.Uint32(raw[0:4])

	name, err := e.acc.ReadCString(strtab+uint64(nameIndex), maxSymbolName)
	if err != nil {
		return Symbol{}, fmt.Errorf("failed to read name of symbol %d: %w", index, err)
	}

	return Symbol{
		Name:    name,
		Info:    raw[4],
		Other:   raw[5],
		Section: binary.LittleEndian.Uint16(raw[6:8]),
		Value:   binary.LittleEndian.Uint64(raw[8:16]),
		Size:    binary.LittleEndian.Uint64(raw[16:24]),
	}, nil
}

// Relocation reads the Elf64_Rela entry at pos.
func (e *Executable) Relocation(pos uint64) (Relocation, error) {
	var words [3]uint64
	for i := range words {
		v, err := e.acc.Read64(pos + uint64(8*i))
		if err != nil {
			return Relocation{}, fmt.Errorf("failed to read relocation at 0x%x: %w", pos, err)
		}
		words[i] = v
	}

	return Relocation{
		Offset: words[0],
		Type:   elf.R_AARCH64(uint32(words[1])),
		Symbol: uint32(words[1] >> 32),
		Addend: int64(words[2]),
	}, nil
}

// Relocations reads the table named by DT_RELA and DT_RELASZ.
func (e *Executable) Relocations() ([]Relocation, error) {
	start := e.DynamicValue(elf.DT_RELA)
	size := e.DynamicValue(elf.DT_RELASZ)

	entSize := e.DynamicValue(elf.DT_RELAENT)
	if entSize == 0 {
		entSize = relocationEntrySize
	}

	relocs := make([]Relocation, 0, size/entSize)
	for off := uint64(0); off+entSize <= size; off += entSize {
		r, err := e.Relocation(e.ImageBase + start + off)
		if err != nil {
			return nil, err
		}
		relocs = append(relocs, r)
	}

	return relocs, nil
}
