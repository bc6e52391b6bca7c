// Package lbnlock implements the per-logical-zone LBN lock table (C3): an
// exclusive lock per logical block number with a FIFO waiter chain
// embedded in the waiting operations themselves, so release never
// allocates.
package lbnlock

import (
	"sync"

	"github.com/marmos91/vdodedupe/internal/logger"
	"github.com/marmos91/vdodedupe/pkg/vio"
)

// entry is the table's value: the current holder plus the head and tail
// of its FIFO waiter chain.
type entry struct {
	holder *vio.Operation
	head   *vio.Operation
	tail   *vio.Operation
}

// Table is one logical zone's LBN lock table. A Table is zone-local: it
// must only be touched by the single goroutine running that zone's
// dispatcher loop, so it needs no internal locking of its own beyond the
// mutex that guards concurrent debug/metrics reads from other goroutines.
type Table struct {
	mu      sync.Mutex
	entries map[uint64]*entry
	zone    string
}

// New constructs an empty lock table for the named zone (used only for
// logging attribution).
func New(zone string) *Table {
	return &Table{
		entries: make(map[uint64]*entry),
		zone:    zone,
	}
}

// Acquire attempts to lock lbn for op. If the lock is free, op becomes
// the holder immediately and acquired is true. If the lock is held, op is
// appended to the waiter chain and acquired is false; op.Locked remains
// false until the holder releases and transfers the lock to it.
func (t *Table) Acquire(op *vio.Operation) (acquired bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[op.LBN]
	if !ok {
		t.entries[op.LBN] = &entry{holder: op}
		op.Locked = true
		logger.Debug("lbn lock acquired", "zone", t.zone, "lbn", op.LBN)
		return true
	}

	// Contended: append to the FIFO waiter chain (§3 invariant 1, an
	// operation is on at most one wait list at a time).
	if e.tail == nil {
		e.head = op
		e.tail = op
	} else {
		e.tail.SetNextWaiter(op)
		e.tail = op
	}
	logger.Debug("lbn lock contended, queued", "zone", t.zone, "lbn", op.LBN)
	return false
}

// Release drops op's hold on its LBN. If no waiters are queued, the entry
// is removed from the table. Otherwise the lock is transferred to the
// first waiter in a single table mutation: the returned operation becomes
// the new holder and must be re-dispatched by the caller to continue its
// phase (§3: "transferred in a single table mutation... on contended
// release").
func (t *Table) Release(op *vio.Operation) (next *vio.Operation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[op.LBN]
	if !ok || e.holder != op {
		logger.Error("release of lbn not held by operation", "zone", t.zone, "lbn", op.LBN)
		return nil
	}

	op.Locked = false

	if e.head == nil {
		delete(t.entries, op.LBN)
		logger.Debug("lbn lock released, no waiters", "zone", t.zone, "lbn", op.LBN)
		return nil
	}

	w := e.head
	e.head = w.NextWaiter()
	if e.head == nil {
		e.tail = nil
	}
	w.ClearNextWaiter()

	e.holder = w
	w.Locked = true
	logger.Debug("lbn lock transferred", "zone", t.zone, "lbn", op.LBN, "to", w.ID)
	return w
}

// Holder returns the operation currently holding lbn's lock, or nil if
// unlocked. Intended for diagnostics only.
func (t *Table) Holder(lbn uint64) *vio.Operation {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[lbn]
	if !ok {
		return nil
	}
	return e.holder
}

// WaiterCount returns the number of operations queued behind lbn's
// current holder. Intended for diagnostics and the KeyWaiters log field.
func (t *Table) WaiterCount(lbn uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[lbn]
	if !ok {
		return 0
	}
	n := 0
	for w := e.head; w != nil; w = w.NextWaiter() {
		n++
	}
	return n
}

// Len reports how many LBNs currently have an entry (held, with or
// without waiters).
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
