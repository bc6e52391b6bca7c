// Package dedupe defines the dedupe-index probe contract (C5): an
// advisory, must-verify name→location lookup, plus a badger-backed
// reference implementation.
//
// The real dedupe index is an append-only, chapter-structured store with
// its own zones and on-disk format (out of scope per spec); this package
// only specifies and exercises the narrow interface the data path uses
// against it.
package dedupe

import (
	"context"

	"github.com/dgraph-io/badger/v4"

	"github.com/marmos91/vdodedupe/internal/logger"
	"github.com/marmos91/vdodedupe/pkg/vio"
)

// RequestKind selects the probe operation submitted for a record name.
type RequestKind int

const (
	RequestQuery RequestKind = iota
	RequestUpdate
	RequestQueryNoUpdate
	RequestPost
	RequestDelete
)

func (k RequestKind) String() string {
	switch k {
	case RequestQuery:
		return "query"
	case RequestUpdate:
		return "update"
	case RequestQueryNoUpdate:
		return "query-no-update"
	case RequestPost:
		return "post"
	case RequestDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Advisory is the probe's response: found reports whether recordName had
// an entry, and PBN/State name the candidate location. It is advisory —
// the core must verify by reading the candidate and byte-comparing
// before treating it as a duplicate (§4.4).
type Advisory struct {
	Found bool
	PBN   uint64
	State vio.MappingState
}

// ProbeCallback receives a probe's result. Probe failures are non-fatal:
// implementations pass a non-nil err and the caller falls through to the
// allocation path rather than failing the operation (§4.4, §5).
type ProbeCallback func(Advisory, error)

// Index is the dedupe-index contract.
type Index interface {
	// Probe submits recordName with kind and invokes cb with the result.
	Probe(ctx context.Context, recordName [16]byte, kind RequestKind, location vio.Mapping, cb ProbeCallback)
}

// BadgerIndex is a reference Index backed by dgraph-io/badger, storing
// record_name → encoded (pbn, state) entries. It is not the chapter-
// structured index the real system uses, only a stand-in that satisfies
// the same asynchronous probe contract for a runnable device.
type BadgerIndex struct {
	db *badger.DB
}

// OpenBadgerIndex opens (creating if absent) a badger database at dir to
// back the dedupe index.
func OpenBadgerIndex(dir string) (*BadgerIndex, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerIndex{db: db}, nil
}

// Close releases the underlying badger database.
func (b *BadgerIndex) Close() error { return b.db.Close() }

func encodeEntry(pbn uint64, state vio.MappingState) []byte {
	buf := make([]byte, 9)
	buf[0] = byte(state)
	for i := 0; i < 8; i++ {
		buf[1+i] = byte(pbn >> (8 * i))
	}
	return buf
}

func decodeEntry(buf []byte) (uint64, vio.MappingState) {
	if len(buf) != 9 {
		return 0, vio.MappingUnmapped
	}
	var pbn uint64
	for i := 0; i < 8; i++ {
		pbn |= uint64(buf[1+i]) << (8 * i)
	}
	return pbn, vio.MappingState(buf[0])
}

// Probe implements Index. query and query-no-update read the name's
// entry; post writes location under the name; delete removes it; update
// returns the current entry and then rewrites it to location (badger has
// no separate metadata slot here).
func (b *BadgerIndex) Probe(_ context.Context, recordName [16]byte, kind RequestKind, location vio.Mapping, cb ProbeCallback) {
	key := recordName[:]

	switch kind {
	case RequestDelete:
		err := b.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		})
		cb(Advisory{}, probeErr(err))
		return

	case RequestPost:
		err := b.db.Update(func(txn *badger.Txn) error {
			return txn.Set(key, encodeEntry(location.PBN, location.State))
		})
		cb(Advisory{Found: true, PBN: location.PBN, State: location.State}, probeErr(err))
		return
	}

	var adv Advisory
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			pbn, state := decodeEntry(val)
			adv = Advisory{Found: true, PBN: pbn, State: state}
			return nil
		})
	})
	if err != nil {
		logger.Warn("dedupe probe failed, falling through to allocation", "error", err)
	}

	if kind == RequestUpdate && err == nil {
		// update refreshes the entry to the submitter's location without
		// requiring a prior post, mirroring UDS's "query updates the
		// chapter entry" semantics for this reference implementation.
		if uerr := b.db.Update(func(txn *badger.Txn) error {
			return txn.Set(key, encodeEntry(location.PBN, location.State))
		}); uerr != nil {
			cb(adv, uerr)
			return
		}
	}

	cb(adv, probeErr(err))
}

func probeErr(err error) error {
	if err == nil {
		return nil
	}
	return err
}
