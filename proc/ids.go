package proc

import "sync"

// idPool hands out small integer ids and reuses released ones.
type idPool struct {
	mu   sync.Mutex
	next uint64
	free []uint64
}

func newIDPool(first uint64) *idPool {
	return &idPool{next: first}
}

func (p *idPool) get() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.free); n > 0 {
		id := p.free[n-1]
		p.free = p.free[:n-1]
		return id
	}

	id := p.next
	p.next++

	return id
}

func (p *idPool) put(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.free = append(p.free, id)
}
