package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Accessor performs typed guest memory accesses on a Space.
//
// All values are little-endian. An access that spans two pages is split into
// two accesses of half the width, since neighbouring guest pages need not be
// neighbours in the arena. An Accessor with a TLB belongs to one guest thread
// and is not safe for concurrent use.
type Accessor struct {
	space *Space
	tlb   *TLB
}

// AccessorOption is a functional option for configuring an Accessor.
type AccessorOption func(*Accessor)

// WithTLB attaches a translation cache of the given geometry.
func WithTLB(sets, ways int) AccessorOption {
	return func(a *Accessor) {
		if sets > 0 && ways > 0 {
			a.tlb = NewTLB(sets, ways)
		}
	}
}

// NewAccessor creates an accessor over space.
func NewAccessor(space *Space, opts ...AccessorOption) *Accessor {
	a := &Accessor{space: space}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Space returns the address space the accessor works on.
func (a *Accessor) Space() *Space {
	return a.space
}

// TLB returns the attached translation cache, or nil.
func (a *Accessor) TLB() *TLB {
	return a.tlb
}

// translate resolves pos for an access needing perm. ignored is set when the
// legacy low-address fallback swallowed the access.
func (a *Accessor) translate(pos uint64, perm Perm) (phys uint64, ignored bool, err error) {
	page := PageRoundDown(pos)

	if a.tlb != nil {
		a.tlb.sync(a.space.Generation())

		if e, ok := a.tlb.lookup(page); ok && e.perm.Allows(perm) {
			return e.phys + pos&PageMask, false, nil
		}
	}

	phys, granted, err := a.space.resolve(pos)
	if errors.Is(err, ErrIgnoredAccess) {
		return 0, true, nil
	}
	if err != nil {
		return 0, false, err
	}

	if !granted.Allows(perm) {
		return 0, false, &PageFaultError{Addr: pos, Perm: perm, Reason: FaultPermission}
	}

	if a.tlb != nil {
		a.tlb.insert(page, tlbEntry{phys: PageRoundDown(phys), perm: granted})
	}

	return phys, false, nil
}

// load reads n bytes that lie within one page.
func (a *Accessor) load(pos, n uint64, perm Perm) ([]byte, error) {
	phys, ignored, err := a.translate(pos, perm)
	if err != nil {
		return nil, err
	}
	if ignored {
		return make([]byte, n), nil
	}

	data, err := a.space.alloc.read(phys, n)
	if err != nil {
		return nil, fmt.Errorf("failed to read arena at 0x%X: %w", phys, err)
	}

	return data, nil
}

// store writes data that lies within one page.
func (a *Accessor) store(pos uint64, data []byte) error {
	phys, ignored, err := a.translate(pos, PermWrite)
	if err != nil {
		return err
	}
	if ignored {
		return nil
	}

	if err := a.space.alloc.write(phys, data); err != nil {
		return fmt.Errorf("failed to write arena at 0x%X: %w", phys, err)
	}

	return nil
}

// Read8 reads a byte.
func (a *Accessor) Read8(pos uint64) (uint8, error) {
	data, err := a.load(pos, 1, PermRead)
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

// Read16 reads a 16-bit value.
func (a *Accessor) Read16(pos uint64) (uint16, error) {
	if isPageCrossed(pos, 2) {
		lo, err := a.Read8(pos)
		if err != nil {
			return 0, err
		}
		hi, err := a.Read8(pos + 1)
		if err != nil {
			return 0, err
		}
		return uint16(lo) | uint16(hi)<<8, nil
	}

	data, err := a.load(pos, 2, PermRead)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(data), nil
}

// Read32 reads a 32-bit value.
func (a *Accessor) Read32(pos uint64) (uint32, error) {
	if isPageCrossed(pos, 4) {
		lo, err := a.Read16(pos)
		if err != nil {
			return 0, err
		}
		hi, err := a.Read16(pos + 2)
		if err != nil {
			return 0, err
		}
		return uint32(lo) | uint32(hi)<<16, nil
	}

	data, err := a.load(pos, 4, PermRead)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

// Read64 reads a 64-bit value.
func (a *Accessor) Read64(pos uint64) (uint64, error) {
	if isPageCrossed(pos, 8) {
		lo, err := a.Read32(pos)
		if err != nil {
			return 0, err
		}
		hi, err := a.Read32(pos + 4)
		if err != nil {
			return 0, err
		}
		return uint64(lo) | uint64(hi)<<32, nil
	}

	data, err := a.load(pos, 8, PermRead)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data), nil
}

// ReadVector reads a 128-bit value.
func (a *Accessor) ReadVector(pos uint64) (Vec128, error) {
	lo, err := a.Read64(pos)
	if err != nil {
		return Vec128{}, err
	}
	hi, err := a.Read64(pos + 8)
	if err != nil {
		return Vec128{}, err
	}
	return Vec128{Lo: lo, Hi: hi}, nil
}

// ReadInt8 reads a signed byte.
func (a *Accessor) ReadInt8(pos uint64) (int8, error) {
	v, err := a.Read8(pos)
	return int8(v), err
}

// ReadInt16 reads a signed 16-bit value.
func (a *Accessor) ReadInt16(pos uint64) (int16, error) {
	v, err := a.Read16(pos)
	return int16(v), err
}

// ReadInt32 reads a signed 32-bit value.
func (a *Accessor) ReadInt32(pos uint64) (int32, error) {
	v, err := a.Read32(pos)
	return int32(v), err
}

// ReadInt64 reads a signed 64-bit value.
func (a *Accessor) ReadInt64(pos uint64) (int64, error) {
	v, err := a.Read64(pos)
	return int64(v), err
}

// Write8 writes a byte.
func (a *Accessor) Write8(pos uint64, v uint8) error {
	return a.store(pos, []byte{v})
}

// Write16 writes a 16-bit value.
func (a *Accessor) Write16(pos uint64, v uint16) error {
	if isPageCrossed(pos, 2) {
		if err := a.Write8(pos, uint8(v)); err != nil {
			return err
		}
		return a.Write8(pos+1, uint8(v>>8))
	}

	return a.store(pos, binary.LittleEndian.AppendUint16(nil, v))
}

// Write32 writes a 32-bit value.
func (a *Accessor) Write32(pos uint64, v uint32) error {
	if isPageCrossed(pos, 4) {
		if err := a.Write16(pos, uint16(v)); err != nil {
			return err
		}
		return a.Write16(pos+2, uint16(v>>16))
	}

	return a.store(pos, binary.LittleEndian.AppendUint32(nil, v))
}

// Write64 writes a 64-bit value.
func (a *Accessor) Write64(pos uint64, v uint64) error {
	if isPageCrossed(pos, 8) {
		if err := a.Write32(pos, uint32(v)); err != nil {
			return err
		}
		return a.Write32(pos+4, uint32(v>>32))
	}

	return a.store(pos, binary.LittleEndian.AppendUint64(nil, v))
}

// WriteVector writes a 128-bit value.
func (a *Accessor) WriteVector(pos uint64, v Vec128) error {
	if err := a.Write64(pos, v.Lo); err != nil {
		return err
	}
	return a.Write64(pos+8, v.Hi)
}

// ReadBytes reads n bytes starting at pos, page by page. The buffer grows as
// pages are read, so an oversized n fails at the first unmapped page.
func (a *Accessor) ReadBytes(pos, n uint64) ([]byte, error) {
	if pos >= AddrSize || n > AddrSize-pos {
		return nil, &PageFaultError{Addr: pos, Perm: PermRead, Reason: FaultUnmapped}
	}

	out := make([]byte, 0, min(n, PageSize))

	for n > 0 {
		chunk := min(n, PageSize-pos&PageMask)

		data, err := a.load(pos, chunk, PermRead)
		if err != nil {
			return nil, err
		}

		out = append(out, data...)
		pos += chunk
		n -= chunk
	}

	return out, nil
}

// WriteBytes writes data starting at pos, page by page.
func (a *Accessor) WriteBytes(pos uint64, data []byte) error {
	for len(data) > 0 {
		chunk := min(uint64(len(data)), PageSize-pos&PageMask)

		if err := a.store(pos, data[:chunk]); err != nil {
			return err
		}

		pos += chunk
		data = data[chunk:]
	}

	return nil
}

// ReadCString reads a NUL-terminated string of at most max bytes.
func (a *Accessor) ReadCString(pos uint64, max int) (string, error) {
	buf := make([]byte, 0, 32)

	for len(buf) < max {
		b, err := a.Read8(pos)
		if err != nil {
			return "", err
		}
		if b == 0 {
			break
		}

		buf = append(buf, b)
		pos++
	}

	return string(buf), nil
}

// Fetch32 reads an instruction word. The page must be executable.
func (a *Accessor) Fetch32(pos uint64) (uint32, error) {
	if isPageCrossed(pos, 4) {
		return 0, &PageFaultError{Addr: pos, Perm: PermExecute, Reason: FaultUnmapped}
	}

	data, err := a.load(pos, 4, PermExecute)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}
