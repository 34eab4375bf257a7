package memory

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
)

// Page-table geometry: 12 offset bits, 13 second-level bits, 11 first-level
// bits.
const (
	l1Bits = 13
	l0Bits = AddrBits - PageBits - l1Bits

	l0Size = 1 << l0Bits
	l1Size = 1 << l1Bits

	l0Mask = l0Size - 1
	l1Mask = l1Size - 1

	l0Shift = PageBits + l1Bits
	l1Shift = PageBits

	// l0Span is the address range covered by one second-level table.
	l0Span uint64 = 1 << l0Shift

	maxMirrorDepth = 8

	// DefaultLowAddressLimit is the bound below which the legacy fallback
	// swallows unmapped accesses.
	DefaultLowAddressLimit uint64 = 0x08000000
)

// Packed page-table entry layout.
const (
	entryPermMask    = 0x7
	entryKindShift   = 3
	entryKindMask    = 0x3
	entryOwnedBit    = 1 << 5
	entryTagShift    = 8
	entryTagMask     = 0xFF
	entryTargetShift = 16
)

// Entry is a decoded page-table entry.
type Entry struct {
	// Target is the page-aligned arena offset for physical entries, or the
	// page-aligned virtual address for mirror entries.
	Target uint64
	Tag    Tag
	Kind   Kind
	Perm   Perm

	// owned is set when the backing page came from the allocator and must
	// be returned to it on unmap.
	owned bool
}

func (e Entry) pack() uint64 {
	v := uint64(e.Perm) & entryPermMask
	v |= (uint64(e.Kind) & entryKindMask) << entryKindShift
	v |= (uint64(e.Tag) & entryTagMask) << entryTagShift
	v |= (e.Target >> PageBits) << entryTargetShift
	if e.owned {
		v |= entryOwnedBit
	}
	return v
}

func unpackEntry(v uint64) Entry {
	return Entry{
		Target: (v >> entryTargetShift) << PageBits,
		Tag:    Tag((v >> entryTagShift) & entryTagMask),
		Kind:   Kind((v >> entryKindShift) & entryKindMask),
		Perm:   Perm(v & entryPermMask),
		owned:  v&entryOwnedBit != 0,
	}
}

func (e Entry) sameRegion(o Entry) bool {
	return e.Tag == o.Tag && e.Kind == o.Kind && e.Perm == o.Perm
}

type l1Table [l1Size]atomic.Uint64

// Region is a maximal run of pages sharing tag, kind and permissions.
type Region struct {
	Start uint64
	Size  uint64
	Tag   Tag
	Kind  Kind
	Perm  Perm
}

// End returns the first address past the region.
func (r Region) End() uint64 {
	return r.Start + r.Size
}

// Contains reports whether addr lies inside the region.
func (r Region) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End()
}

// Space is the guest virtual address space.
//
// Lookups are lock-free: entries are packed into atomic words and
// second-level tables are published through atomic pointers. Structural
// changes are serialized by one mutex and bump a generation counter that
// translation caches compare against.
type Space struct {
	mu sync.Mutex

	alloc *Allocator
	table [l0Size]atomic.Pointer[l1Table]

	generation atomic.Uint64

	heapAddr        uint64
	heapSize        uint64
	heapInitialized bool

	legacyLowAddress bool
	lowAddressLimit  uint64

	logger logr.Logger
}

// SpaceOption is a functional option for configuring a Space.
type SpaceOption func(*Space)

// WithLogger sets the logger used for mapping events.
func WithLogger(logger logr.Logger) SpaceOption {
	return func(s *Space) {
		s.logger = logger
	}
}

// WithLegacyLowAddressFallback makes unmapped accesses below limit read as
// zero and drop writes instead of faulting. This exists for guests whose
// bootstrap touches low memory before mapping it.
func WithLegacyLowAddressFallback(limit uint64) SpaceOption {
	return func(s *Space) {
		s.legacyLowAddress = true
		s.lowAddressLimit = limit
	}
}

// NewSpace creates an empty address space backed by alloc.
func NewSpace(alloc *Allocator, opts ...SpaceOption) *Space {
	s := &Space{
		alloc:  alloc,
		logger: logr.Discard(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Allocator returns the allocator backing the space.
func (s *Space) Allocator() *Allocator {
	return s.alloc
}

// Generation returns a counter that changes whenever a mapping changes.
func (s *Space) Generation() uint64 {
	return s.generation.Load()
}

func l0Index(pos uint64) uint64 { return (pos >> l0Shift) & l0Mask }
func l1Index(pos uint64) uint64 { return (pos >> l1Shift) & l1Mask }

// Lookup returns the page-table entry covering pos.
func (s *Space) Lookup(pos uint64) Entry {
	return unpackEntry(s.loadEntry(pos))
}

func (s *Space) loadEntry(pos uint64) uint64 {
	if pos >= AddrSize {
		return 0
	}

	t := s.table[l0Index(pos)].Load()
	if t == nil {
		return 0
	}

	return t[l1Index(pos)].Load()
}

// storeEntry installs e for the page at pos. Callers hold s.mu.
func (s *Space) storeEntry(pos uint64, e Entry) {
	slot := &s.table[l0Index(pos)]

	t := slot.Load()
	if t == nil {
		t = new(l1Table)
		slot.Store(t)
	}

	t[l1Index(pos)].Store(e.pack())
}

func checkRange(pos, size uint64) error {
	if pos >= AddrSize || size > AddrSize-pos {
		return fmt.Errorf("range 0x%X+0x%X outside address space: %w", pos, size, ErrInvalidArgument)
	}
	return nil
}

// MapAndAllocate backs every unmapped page in [pos, pos+size) with a fresh
// arena page. Pages that are already mapped are left untouched. If the arena
// runs out, the pages mapped by this call are unmapped again.
func (s *Space) MapAndAllocate(pos, size uint64, tag Tag, perm Perm) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mapAndAllocateLocked(pos, size, tag, perm)
}

func (s *Space) mapAndAllocateLocked(pos, size uint64, tag Tag, perm Perm) error {
	if err := checkRange(pos, size); err != nil {
		return err
	}
	defer s.invalidate()

	var fresh []uint64

	end := PageRoundUp(pos + size)
	for page := PageRoundDown(pos); page < end; page += PageSize {
		if unpackEntry(s.loadEntry(page)).Kind != KindUnmapped {
			continue
		}

		phys, err := s.alloc.Alloc(PageSize)
		if err != nil {
			for _, p := range fresh {
				s.releaseLocked(p)
				s.storeEntry(p, Entry{})
			}
			return fmt.Errorf("failed to back page 0x%X: %w", page, err)
		}

		fresh = append(fresh, page)

		s.storeEntry(page, Entry{
			Target: phys,
			Tag:    tag,
			Kind:   KindPhysical,
			Perm:   perm,
			owned:  true,
		})
	}

	s.logger.V(1).Info("mapped", "pos", hex(pos), "size", hex(size), "tag", tag, "perm", perm.String())

	return nil
}

// MapExplicit maps the pages of [src, src+size) onto the arena range starting
// at dst without allocating. The caller owns the placement of dst.
func (s *Space) MapExplicit(src, dst, size uint64, tag Tag, perm Perm) error {
	src = PageRoundDown(src)
	dst = PageRoundDown(dst)
	size = PageRoundUp(size)

	if err := checkRange(src, size); err != nil {
		return err
	}
	if dst+size < dst || dst+size > s.alloc.Capacity() {
		return fmt.Errorf("arena range 0x%X+0x%X exceeds arena: %w", dst, size, ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.invalidate()

	for off := uint64(0); off < size; off += PageSize {
		s.releaseLocked(src + off)
		s.storeEntry(src+off, Entry{
			Target: dst + off,
			Tag:    tag,
			Kind:   KindPhysical,
			Perm:   perm,
		})
	}

	s.logger.V(1).Info("mapped explicit", "src", hex(src), "dst", hex(dst), "size", hex(size))

	return nil
}

// MapMirror makes translation of [src, src+size) resolve through the entries
// of [dst, dst+size). The alias keeps the permissions already present at src;
// an alias installed over an unmapped page takes the permissions of its
// target.
func (s *Space) MapMirror(src, dst, size uint64, tag Tag) error {
	src = PageRoundDown(src)
	dst = PageRoundDown(dst)
	size = PageRoundUp(size)

	if err := checkRange(src, size); err != nil {
		return err
	}
	if err := checkRange(dst, size); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.invalidate()

	for off := uint64(0); off < size; off += PageSize {
		cur := unpackEntry(s.loadEntry(src + off))

		perm := cur.Perm
		if cur.Kind == KindUnmapped {
			perm = unpackEntry(s.loadEntry(dst + off)).Perm
		}

		s.releaseLocked(src + off)
		s.storeEntry(src+off, Entry{
			Target: dst + off,
			Tag:    tag,
			Kind:   KindMirror,
			Perm:   perm,
		})
	}

	s.logger.V(1).Info("mapped mirror", "src", hex(src), "dst", hex(dst), "size", hex(size))

	return nil
}

// Reprotect replaces the permissions of the mapped pages in [pos, pos+size).
func (s *Space) Reprotect(pos, size uint64, perm Perm) error {
	pos = PageRoundDown(pos)
	size = PageRoundUp(size)

	if err := checkRange(pos, size); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.invalidate()

	for off := uint64(0); off < size; off += PageSize {
		e := unpackEntry(s.loadEntry(pos + off))
		if e.Kind == KindUnmapped {
			continue
		}

		e.Perm = perm
		s.storeEntry(pos+off, e)
	}

	return nil
}

// Unmap removes the mappings of [pos, pos+size). Pages obtained from the
// allocator are returned to it.
func (s *Space) Unmap(pos, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.unmapLocked(pos, size)
}

func (s *Space) unmapLocked(pos, size uint64) error {
	pos = PageRoundDown(pos)
	size = PageRoundUp(size)

	if err := checkRange(pos, size); err != nil {
		return err
	}
	defer s.invalidate()

	for off := uint64(0); off < size; off += PageSize {
		if s.loadEntry(pos+off) == 0 {
			continue
		}

		s.releaseLocked(pos + off)
		s.storeEntry(pos+off, Entry{})
	}

	return nil
}

// releaseLocked frees the backing page of pos if the space owns it.
func (s *Space) releaseLocked(pos uint64) {
	e := unpackEntry(s.loadEntry(pos))
	if e.Kind == KindPhysical && e.owned {
		s.alloc.Free(e.Target)
	}
}

func (s *Space) invalidate() {
	s.generation.Add(1)
}

// Translate returns the arena offset of pos after checking that perm is
// granted.
//
// With the legacy low-address fallback enabled, an unmapped address below the
// limit returns ErrIgnoredAccess. The caller must then read zero and drop
// writes instead of touching the arena.
func (s *Space) Translate(pos uint64, perm Perm) (uint64, error) {
	phys, granted, err := s.resolve(pos)
	if err != nil {
		return 0, err
	}

	if !granted.Allows(perm) {
		return 0, &PageFaultError{Addr: pos, Perm: perm, Reason: FaultPermission}
	}

	return phys, nil
}

// resolve walks the mirror chain of pos and returns the arena offset together
// with the permissions of the outermost entry.
func (s *Space) resolve(pos uint64) (uint64, Perm, error) {
	e := unpackEntry(s.loadEntry(pos))

	if e.Kind == KindUnmapped {
		if s.legacyLowAddress && pos < s.lowAddressLimit {
			s.logger.V(1).Info("ignoring bad access", "addr", hex(pos))
			return 0, PermNone, ErrIgnoredAccess
		}
		return 0, PermNone, &PageFaultError{Addr: pos, Reason: FaultUnmapped}
	}

	granted := e.Perm
	cur := pos

	for depth := 0; e.Kind == KindMirror; depth++ {
		if depth == maxMirrorDepth {
			return 0, PermNone, &PageFaultError{Addr: pos, Reason: FaultMirrorDepth}
		}

		cur = e.Target + cur&PageMask
		e = unpackEntry(s.loadEntry(cur))
	}

	if e.Kind == KindUnmapped {
		return 0, PermNone, &PageFaultError{Addr: pos, Reason: FaultUnmapped}
	}

	return e.Target + cur&PageMask, granted, nil
}

// IsMapped reports whether pos has a mapping.
func (s *Space) IsMapped(pos uint64) bool {
	return unpackEntry(s.loadEntry(pos)).Kind != KindUnmapped
}

// RegionInfo returns the maximal run of pages around pos that share tag, kind
// and permissions.
func (s *Space) RegionInfo(pos uint64) Region {
	pos = PageRoundDown(pos)
	if pos >= AddrSize {
		pos = AddrSize - PageSize
	}

	base := unpackEntry(s.loadEntry(pos))
	empty := base.pack() == 0

	// A missing second-level table is a whole span of empty entries.
	skippable := func(page uint64) bool {
		return empty && page&(l0Span-1) == 0 && s.table[l0Index(page)].Load() == nil
	}

	start := pos
	for start > 0 {
		prev := start - PageSize
		if start >= l0Span && skippable(start-l0Span) {
			start -= l0Span
			continue
		}
		if !unpackEntry(s.loadEntry(prev)).sameRegion(base) {
			break
		}
		start = prev
	}

	end := pos + PageSize
	for end < AddrSize {
		if skippable(end) {
			end += l0Span
			continue
		}
		if !unpackEntry(s.loadEntry(end)).sameRegion(base) {
			break
		}
		end += PageSize
	}

	return Region{
		Start: start,
		Size:  end - start,
		Tag:   base.Tag,
		Kind:  base.Kind,
		Perm:  base.Perm,
	}
}

// UsedMemory returns the number of bytes covered by mappings.
func (s *Space) UsedMemory() uint64 {
	var used uint64

	for i := range s.table {
		t := s.table[i].Load()
		if t == nil {
			continue
		}

		for j := range t {
			if unpackEntry(t[j].Load()).Kind != KindUnmapped {
				used += PageSize
			}
		}
	}

	return used
}

// TotalMemory returns the free arena bytes plus the mapped bytes.
func (s *Space) TotalMemory() uint64 {
	return s.alloc.FreeMemory() + s.UsedMemory()
}

func hex(v uint64) string {
	return fmt.Sprintf("0x%X", v)
}
