package memory

import (
	"fmt"
	"sync"

	akitamem "github.com/sarchlab/akita/v4/mem/mem"
)

// Allocator hands out page-granular offsets into the backing arena.
//
// Fresh memory comes from a bump cursor. Pages returned with Free are kept on
// a free list and reused, zeroed, by later single-page allocations.
type Allocator struct {
	mu sync.Mutex

	storage  *akitamem.Storage
	capacity uint64

	next     uint64   // high-water mark
	freeList []uint64 // reclaimed page offsets
	freeSet  map[uint64]struct{}
}

// NewAllocator creates an allocator over an arena of the given capacity.
// The capacity is rounded down to a whole number of pages.
func NewAllocator(capacity uint64) *Allocator {
	capacity = PageRoundDown(capacity)

	return &Allocator{
		storage:  akitamem.NewStorage(capacity),
		capacity: capacity,
		freeSet:  make(map[uint64]struct{}),
	}
}

// Capacity returns the arena size in bytes.
func (a *Allocator) Capacity() uint64 {
	return a.capacity
}

// Alloc reserves size bytes, rounded up to whole pages, and returns the arena
// offset of the first byte.
func (a *Allocator) Alloc(size uint64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size = PageRoundUp(size)
	if size == 0 {
		size = PageSize
	}

	if size == PageSize && len(a.freeList) > 0 {
		offset := a.freeList[len(a.freeList)-1]
		a.freeList = a.freeList[:len(a.freeList)-1]
		delete(a.freeSet, offset)

		if err := a.storage.Write(offset, make([]byte, PageSize)); err != nil {
			return 0, fmt.Errorf("failed to zero reclaimed page 0x%X: %w", offset, err)
		}

		return offset, nil
	}

	end := a.next + size
	if end < a.next || end > a.capacity {
		return 0, &OutOfMemoryError{Size: size}
	}

	offset := a.next
	a.next = end

	return offset, nil
}

// Free returns the page at offset to the allocator. Offsets that were never
// handed out, or that are already free, are ignored.
func (a *Allocator) Free(offset uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	offset = PageRoundDown(offset)
	if offset >= a.next {
		return
	}
	if _, dup := a.freeSet[offset]; dup {
		return
	}

	a.freeSet[offset] = struct{}{}
	a.freeList = append(a.freeList, offset)
}

// FreeMemory returns the number of bytes still available.
func (a *Allocator) FreeMemory() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.capacity - a.next + uint64(len(a.freeList))*PageSize
}

// read copies n bytes at an arena offset.
func (a *Allocator) read(offset, n uint64) ([]byte, error) {
	return a.storage.Read(offset, n)
}

// write copies data to an arena offset.
func (a *Allocator) write(offset uint64, data []byte) error {
	return a.storage.Write(offset, data)
}
