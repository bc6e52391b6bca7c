// Package pbnlock implements the per-physical-zone PBN lock table (C9):
// exclusive and shared locks over physical block numbers, distinguishing
// read, write, compressed-write, and block-map-write intents, and
// carrying a provisional-reference bit for allocations not yet journaled.
package pbnlock

import (
	"sync"

	"github.com/marmos91/vdodedupe/internal/logger"
	"github.com/marmos91/vdodedupe/internal/vdoerrors"
)

// Kind identifies the intent of a PBN lock acquisition.
type Kind int

const (
	KindRead Kind = iota
	KindWrite
	KindCompressedWrite
	KindBlockMapWrite
)

func (k Kind) String() string {
	switch k {
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	case KindCompressedWrite:
		return "compressed-write"
	case KindBlockMapWrite:
		return "block-map-write"
	default:
		return "unknown"
	}
}

func (k Kind) isExclusive() bool { return k != KindRead }

// Decrementer issues the reference-count decrement a released provisional
// lock requires when no journal commit has cleared its reservation. It is
// the journal gateway's (C10) external contract, kept narrow here to
// avoid importing pkg/journal from pkg/pbnlock.
type Decrementer interface {
	DecrementReference(pbn uint64) error
}

// Lock represents one grant against a PBN. Holder is an opaque token
// (typically an operation ID) identifying who holds it.
type Lock struct {
	PBN         uint64
	Kind        Kind
	Holder      string
	Provisional bool
}

type waiter struct {
	holder string
	kind   Kind
	grant  chan *Lock
	lock   *Lock
}

type entry struct {
	readers     map[string]*Lock
	writer      *Lock
	provisional bool
	waiters     []*waiter
}

// Table is one physical zone's PBN lock table.
type Table struct {
	mu      sync.Mutex
	entries map[uint64]*entry
	zone    string
}

// New constructs an empty lock table for the named physical zone.
func New(zone string) *Table {
	return &Table{
		entries: make(map[uint64]*entry),
		zone:    zone,
	}
}

// Acquire grants a lock of kind for pbn to holder if compatible with the
// current grants (exclusive kinds only when no readers or writer are
// present; read locks share). If incompatible, the caller queues behind
// the existing grant and is woken via the returned channel once granted.
func (t *Table) Acquire(pbn uint64, kind Kind, holder string) (*Lock, <-chan *Lock) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[pbn]
	if !ok {
		e = &entry{readers: make(map[string]*Lock)}
		t.entries[pbn] = e
	}

	if t.compatible(e, kind) {
		return t.grant(e, pbn, kind, holder), nil
	}

	ch := make(chan *Lock, 1)
	e.waiters = append(e.waiters, &waiter{holder: holder, kind: kind, grant: ch})
	logger.Debug("pbn lock contended, queued", "zone", t.zone, "pbn", pbn, "kind", kind.String())
	return nil, ch
}

func (t *Table) compatible(e *entry, kind Kind) bool {
	if e.writer != nil {
		return false
	}
	if kind.isExclusive() {
		return len(e.readers) == 0
	}
	return true
}

func (t *Table) grant(e *entry, pbn uint64, kind Kind, holder string) *Lock {
	lock := &Lock{PBN: pbn, Kind: kind, Holder: holder, Provisional: kind != KindRead && e.provisional}
	if kind == KindRead {
		e.readers[holder] = lock
	} else {
		e.writer = lock
	}
	return lock
}

// MarkProvisional flags pbn's current allocation as provisional: the
// allocator granted a reference that has not yet been journaled.
func (t *Table) MarkProvisional(pbn uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[pbn]; ok {
		e.provisional = true
		if e.writer != nil {
			e.writer.Provisional = true
		}
	}
}

// ClearProvisional clears the provisional bit once the journal has
// committed the reference (§4.8).
func (t *Table) ClearProvisional(pbn uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[pbn]; ok {
		e.provisional = false
		if e.writer != nil {
			e.writer.Provisional = false
		}
	}
}

// Release drops lock. If the lock still carries a provisional reference
// that no journal commit has cleared, dec is invoked to decrement the
// reference count before the lock slot is reused (§4.8: "release...
// issues a reference-count decrement through C10").
func (t *Table) Release(lock *Lock, dec Decrementer) error {
	t.mu.Lock()
	e, ok := t.entries[lock.PBN]
	if !ok {
		t.mu.Unlock()
		vdoerrors.Assert(false, "release of pbn %d with no table entry", lock.PBN)
		return nil
	}

	if lock.Kind == KindRead {
		delete(e.readers, lock.Holder)
	} else {
		e.writer = nil
	}

	provisional := lock.Provisional && e.provisional
	if provisional {
		e.provisional = false
	}

	woken := t.wake(e, lock.PBN)
	if len(e.readers) == 0 && e.writer == nil && len(e.waiters) == 0 {
		delete(t.entries, lock.PBN)
	}
	t.mu.Unlock()

	for _, w := range woken {
		w.grant <- w.lock
	}

	if provisional && dec != nil {
		logger.Debug("releasing provisional pbn reference", "zone", t.zone, "pbn", lock.PBN)
		return dec.DecrementReference(lock.PBN)
	}
	return nil
}

// wake pops every leading waiter the freed slot can now satisfy. A run of
// consecutive read waiters can all be woken together; a write waiter
// blocks anything behind it until it is itself granted.
func (t *Table) wake(e *entry, pbn uint64) []*waiter {
	var woken []*waiter
	for len(e.waiters) > 0 && t.compatible(e, e.waiters[0].kind) {
		w := e.waiters[0]
		e.waiters = e.waiters[1:]
		// Reserve the slot immediately so later entries in this same pass
		// see an accurate view (e.g. a write waiter following reads).
		lock := &Lock{PBN: pbn, Kind: w.kind, Holder: w.holder}
		if w.kind == KindRead {
			e.readers[w.holder] = lock
		} else {
			e.writer = lock
		}
		w.lock = lock
		woken = append(woken, w)
		if w.kind != KindRead {
			break
		}
	}
	return woken
}

// ZoneFor routes pbn to its owning physical zone index by pbn mod P
// (§4.8: "a deterministic hash, typically pbn mod P").
func ZoneFor(pbn uint64, numZones int) int {
	if numZones <= 0 {
		return 0
	}
	return int(pbn % uint64(numZones))
}
