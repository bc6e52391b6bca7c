// Package journal implements the journal gateway (C10, external
// contract): serializing increment, decrement, and mapping entries into
// recovery-journal slots and notifying callers once they commit.
//
// The real recovery journal is an on-disk ring of transaction blocks with
// its own replay/rebuild machinery (out of scope per spec.md's
// Non-goals); this package specifies the narrow interface the data path
// depends on, plus an mmap-backed reference implementation sufficient to
// run a complete device end to end.
package journal

import "github.com/marmos91/vdodedupe/pkg/vio"

// EntryKind identifies what a journal entry records.
type EntryKind uint8

const (
	// EntryIncrement records a reference-count increment for a PBN
	// (a new mapping, or a follower sharing a deduplicated block).
	EntryIncrement EntryKind = iota
	// EntryDecrement records a reference-count decrement for a PBN (the
	// prior mapping being replaced or discarded).
	EntryDecrement
	// EntryMapping records the LBN→PBN mapping delta itself.
	EntryMapping
)

func (k EntryKind) String() string {
	switch k {
	case EntryIncrement:
		return "increment"
	case EntryDecrement:
		return "decrement"
	case EntryMapping:
		return "mapping"
	default:
		return "unknown"
	}
}

// Entry is one recovery-journal record. The ordering contract for a
// single data operation's entries is increments, then the mapping entry,
// then decrements of the prior mapping (§1, §4.9).
type Entry struct {
	Kind  EntryKind
	LBN   uint64
	PBN   uint64
	State vio.MappingState
}

// CommitCallback is invoked once a batch of entries has been durably
// committed to a journal slot, or with a non-nil err if the journal
// could not accept them (e.g. ErrJournalFull).
type CommitCallback func(slot uint64, err error)

// Gateway is the journal contract the pipeline depends on.
type Gateway interface {
	// Commit serializes entries into the next journal slot, in the order
	// given, and invokes cb once the slot is durable. Callers must order
	// entries increments-then-mapping-then-decrements themselves (§1).
	Commit(entries []Entry, cb CommitCallback)

	// Replay returns every committed entry in slot order, for recovery.
	Replay() ([]Entry, error)

	// Close releases the gateway's resources.
	Close() error
}
