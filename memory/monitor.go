package memory

import "sync"

// ExclusiveMonitor tracks load-/store-exclusive reservations across guest
// threads. At most one thread holds a given address at a time.
type ExclusiveMonitor struct {
	mu sync.Mutex

	held    map[uint64]struct{}
	threads map[uint64]*claim
}

type claim struct {
	addr uint64
	held bool
}

// NewExclusiveMonitor creates an empty monitor.
func NewExclusiveMonitor() *ExclusiveMonitor {
	return &ExclusiveMonitor{
		held:    make(map[uint64]struct{}),
		threads: make(map[uint64]*claim),
	}
}

// SetExclusive arms a reservation on addr for threadID. It returns whether the
// reservation was granted. Arming a new address drops the thread's previous
// reservation.
func (m *ExclusiveMonitor) SetExclusive(threadID, addr uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.threads[threadID]
	if !ok {
		c = &claim{}
		m.threads[threadID] = c
	}

	if c.held && c.addr == addr {
		return true
	}

	if c.held {
		delete(m.held, c.addr)
	}

	c.addr = addr

	if _, taken := m.held[addr]; taken {
		c.held = false
		return false
	}

	m.held[addr] = struct{}{}
	c.held = true

	return true
}

// TestExclusive reports whether threadID still holds a reservation on exactly
// addr.
func (m *ExclusiveMonitor) TestExclusive(threadID, addr uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.threads[threadID]
	return ok && c.held && c.addr == addr
}

// ClearExclusive drops the reservation of threadID, if any.
func (m *ExclusiveMonitor) ClearExclusive(threadID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.threads[threadID]
	if !ok || !c.held {
		return
	}

	delete(m.held, c.addr)
	c.held = false
}

// RemoveThread forgets threadID and releases its reservation.
func (m *ExclusiveMonitor) RemoveThread(threadID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.threads[threadID]; ok && c.held {
		delete(m.held, c.addr)
	}

	delete(m.threads, threadID)
}

// HeldCount returns the number of addresses currently reserved.
func (m *ExclusiveMonitor) HeldCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.held)
}
