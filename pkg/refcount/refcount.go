// Package refcount is the smallest reference-counting stand-in for the
// slab depot's on-disk reference-count blocks (out of scope per the
// data path's Non-goals). It exists only to give pbnlock.Decrementer and
// the journal's increment/decrement entries somewhere real to land, so a
// device built on this package can run a complete allocate/dedupe/free
// cycle end to end.
package refcount

import "sync"

// FreeFunc is invoked when a PBN's reference count drops to zero, so the
// caller can return it to its allocator's free list.
type FreeFunc func(pbn uint64)

// Table tracks a reference count per PBN in memory.
type Table struct {
	mu     sync.Mutex
	counts map[uint64]int
	onFree FreeFunc
}

// New constructs an empty table. onFree may be nil.
func New(onFree FreeFunc) *Table {
	return &Table{counts: make(map[uint64]int), onFree: onFree}
}

// Increment raises pbn's reference count by one, establishing an entry
// at 1 if none existed.
func (t *Table) Increment(pbn uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[pbn]++
}

// DecrementReference implements pbnlock.Decrementer: it lowers pbn's
// count by one, and if it reaches zero, removes the entry and invokes
// onFree so the PBN can be reused.
func (t *Table) DecrementReference(pbn uint64) error {
	t.mu.Lock()
	n := t.counts[pbn] - 1
	if n <= 0 {
		delete(t.counts, pbn)
	} else {
		t.counts[pbn] = n
	}
	t.mu.Unlock()

	if n <= 0 && t.onFree != nil {
		t.onFree(pbn)
	}
	return nil
}

// Count returns pbn's current reference count, for tests and diagnostics.
func (t *Table) Count(pbn uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[pbn]
}
