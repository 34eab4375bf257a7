package memory

import (
	akitacache "github.com/sarchlab/akita/v4/mem/cache"
)

// TLBStats holds translation cache statistics.
type TLBStats struct {
	Hits    uint64
	Misses  uint64
	Flushes uint64
}

// tlbEntry is the cached translation of one guest page.
type tlbEntry struct {
	phys uint64 // page-aligned arena offset
	perm Perm   // permissions of the outermost entry
}

// TLB is a set-associative cache of guest page translations.
//
// The tag and replacement state live in an akita cache directory; the
// translations are kept in a side array indexed by set and way. A TLB is
// flushed whenever the page-table generation it was filled under changes.
// It is not safe for concurrent use.
type TLB struct {
	sets int
	ways int

	directory *akitacache.DirectoryImpl
	entries   []tlbEntry

	generation uint64
	stats      TLBStats
}

// NewTLB creates a translation cache with the given geometry.
func NewTLB(sets, ways int) *TLB {
	return &TLB{
		sets: sets,
		ways: ways,
		directory: akitacache.NewDirectory(
			sets,
			ways,
			int(PageSize),
			akitacache.NewLRUVictimFinder(),
		),
		entries: make([]tlbEntry, sets*ways),
	}
}

// Stats returns the hit, miss and flush counters.
func (t *TLB) Stats() TLBStats {
	return t.stats
}

func (t *TLB) index(block *akitacache.Block) int {
	return block.SetID*t.ways + block.WayID
}

// sync flushes the cache if the page table changed since it was filled.
func (t *TLB) sync(generation uint64) {
	if generation == t.generation {
		return
	}

	t.Flush()
	t.generation = generation
}

func (t *TLB) lookup(page uint64) (tlbEntry, bool) {
	block := t.directory.Lookup(0, page)
	if block == nil || !block.IsValid {
		t.stats.Misses++
		return tlbEntry{}, false
	}

	t.stats.Hits++
	t.directory.Visit(block)

	return t.entries[t.index(block)], true
}

func (t *TLB) insert(page uint64, e tlbEntry) {
	victim := t.directory.FindVictim(page)
	if victim == nil {
		return
	}

	t.entries[t.index(victim)] = e
	victim.Tag = page
	victim.IsValid = true
	victim.IsDirty = false
	t.directory.Visit(victim)
}

// Flush drops every cached translation.
func (t *TLB) Flush() {
	t.directory.Reset()
	t.stats.Flushes++
}
