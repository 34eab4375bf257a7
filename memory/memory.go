// Package memory provides the guest address space of an ARM64 process.
//
// The package implements a software MMU that maps a 64GB guest virtual
// address range onto a fixed-size backing arena. It supports:
//   - Page-granular physical allocation with reclamation (Allocator)
//   - A two-level sparse page table with physical and mirror mappings (Space)
//   - Typed little-endian guest reads and writes (Accessor)
//   - Exclusive-access coherence for load/store-exclusive pairs
//     (ExclusiveMonitor)
//
// Usage:
//
//	alloc := memory.NewAllocator(memory.DefaultArenaSize)
//	space := memory.NewSpace(alloc)
//	_ = space.MapAndAllocate(0x1000, 0x2000, memory.TagNormal, memory.PermRW)
//	acc := memory.NewAccessor(space)
//	_ = acc.Write64(0x1000, 0xDEADBEEF)
package memory

// Address space geometry.
const (
	// AddrBits is the width of a guest virtual address.
	AddrBits = 36
	// AddrSize is the size of the guest virtual address space (64GB).
	AddrSize uint64 = 1 << AddrBits

	// PageBits is the number of in-page offset bits.
	PageBits = 12
	// PageSize is the size of a guest page (4KB).
	PageSize uint64 = 1 << PageBits
	// PageMask selects the in-page offset of an address.
	PageMask = PageSize - 1

	// DefaultArenaSize is the default size of the backing arena (2GB).
	DefaultArenaSize uint64 = 2 << 30
)

// Perm represents page access permissions.
type Perm uint8

// Page permissions.
const (
	PermNone    Perm = 0
	PermRead    Perm = 1 << 0
	PermWrite   Perm = 1 << 1
	PermExecute Perm = 1 << 2

	PermRW  = PermRead | PermWrite
	PermRX  = PermRead | PermExecute
	PermRWX = PermRead | PermWrite | PermExecute
)

// Allows reports whether every bit of req is granted by p.
func (p Perm) Allows(req Perm) bool {
	return p&req == req
}

// String returns the permission in rwx notation.
func (p Perm) String() string {
	b := []byte("---")
	if p&PermRead != 0 {
		b[0] = 'r'
	}
	if p&PermWrite != 0 {
		b[1] = 'w'
	}
	if p&PermExecute != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Tag identifies what a mapped region is used for.
type Tag uint8

// Region tags. The numeric values are guest-visible through region queries.
const (
	TagUnmapped               Tag = 0
	TagIo                     Tag = 1
	TagNormal                 Tag = 2 // read-only data, data, bss, stacks
	TagCodeStatic             Tag = 3
	TagCodeMutable            Tag = 4
	TagHeap                   Tag = 5
	TagSharedMemory           Tag = 6
	TagModCodeStatic          Tag = 8
	TagModCodeMutable         Tag = 9
	TagIpcBuffer0             Tag = 10
	TagMappedMemory           Tag = 11
	TagThreadLocal            Tag = 12
	TagTransferMemoryIsolated Tag = 13
	TagTransferMemory         Tag = 14
	TagProcessMemory          Tag = 15
	TagReserved               Tag = 16
	TagIpcBuffer1             Tag = 17
	TagIpcBuffer3             Tag = 18
	TagKernelStack            Tag = 19
)

// Kind is the mapping kind of a page-table entry.
type Kind uint8

// Mapping kinds.
const (
	KindUnmapped Kind = iota // no backing
	KindPhysical             // backed by an arena offset
	KindMirror               // aliases another virtual address
)

// String returns the name of the mapping kind.
func (k Kind) String() string {
	switch k {
	case KindUnmapped:
		return "unmapped"
	case KindPhysical:
		return "physical"
	case KindMirror:
		return "mirror"
	default:
		return "invalid"
	}
}

// Vec128 is a 128-bit vector value. Lo holds bytes 0-7 in guest order.
type Vec128 struct {
	Lo uint64
	Hi uint64
}

// PageRoundDown aligns addr down to a page boundary.
func PageRoundDown(addr uint64) uint64 {
	return addr &^ PageMask
}

// PageRoundUp aligns size up to a page boundary.
func PageRoundUp(size uint64) uint64 {
	return (size + PageMask) &^ PageMask
}

// isPageCrossed reports whether an access of size bytes at addr spans two
// pages.
func isPageCrossed(addr uint64, size uint64) bool {
	return (addr&PageMask)+size > PageSize
}
