package memory

import "fmt"

// SetHeapAddr fixes the heap base. Only the first call has an effect; it
// returns false afterwards.
func (s *Space) SetHeapAddr(pos uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.heapInitialized {
		return false
	}

	s.heapAddr = PageRoundDown(pos)
	s.heapInitialized = true

	return true
}

// HeapAddr returns the heap base.
func (s *Space) HeapAddr() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.heapAddr
}

// HeapSize returns the current heap size in bytes.
func (s *Space) HeapSize() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.heapSize
}

// SetHeapSize grows or shrinks the heap to size bytes, rounded up to whole
// pages. Growth maps fresh read-write pages after the current end; shrinking
// unmaps the trailing pages and returns them to the allocator.
func (s *Space) SetHeapSize(size uint64, tag Tag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.heapInitialized {
		return fmt.Errorf("heap address not set: %w", ErrInvalidArgument)
	}

	size = PageRoundUp(size)

	switch {
	case size < s.heapSize:
		if err := s.unmapLocked(s.heapAddr+size, s.heapSize-size); err != nil {
			return fmt.Errorf("failed to shrink heap: %w", err)
		}
	case size > s.heapSize:
		err := s.mapAndAllocateLocked(s.heapAddr+s.heapSize, size-s.heapSize, tag, PermRW)
		if err != nil {
			return fmt.Errorf("failed to grow heap: %w", err)
		}
	}

	s.heapSize = size

	return nil
}
