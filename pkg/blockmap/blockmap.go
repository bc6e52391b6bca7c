// Package blockmap defines the block-map accessor contract (C4): the
// asynchronous LBN→PBN mapping store that backs get_mapping/put_mapping,
// plus a reference in-memory implementation used by tests and by the
// standalone device facade.
//
// The real VDO block map is a persistent copy-on-write B-tree; this
// package only specifies and exercises the contract the data path
// depends on (§4.3), not that on-disk structure.
package blockmap

import (
	"context"

	"github.com/marmos91/vdodedupe/internal/vdoerrors"
	"github.com/marmos91/vdodedupe/pkg/vio"
)

// MappingCallback is invoked on the logical zone owning lbn once a
// get_mapping or put_mapping completes (§4.3: "both are asynchronous and
// complete via a callback on the logical zone for lbn").
type MappingCallback func(mapping vio.Mapping, err error)

// Accessor is the block-map contract the pipeline depends on. Callers
// never block on Get/Put; the result arrives through cb, which
// implementations must invoke exactly once.
type Accessor interface {
	// Get resolves lbn's current mapping. An out-of-range lbn fails with
	// vdoerrors.ErrOutOfRange.
	Get(ctx context.Context, lbn uint64, cb MappingCallback)

	// Put installs a new mapping for lbn. Callers must have already
	// journaled the mapping delta (C10) before calling Put (§4.3).
	Put(ctx context.Context, lbn uint64, mapping vio.Mapping, cb MappingCallback)

	// LogicalBlocks returns the size of the logical address space this
	// accessor covers, used to bounds-check lbn in Get/Put.
	LogicalBlocks() uint64
}

// MemoryMap is a reference Accessor backed by a plain slice, sufficient
// for tests and for a device run without a persisted block map. It
// performs no I/O and invokes cb synchronously, which satisfies the
// "completes via callback" contract trivially.
type MemoryMap struct {
	mappings []vio.Mapping
}

// NewMemoryMap constructs a map covering logicalBlocks LBNs, all
// initially unmapped.
func NewMemoryMap(logicalBlocks uint64) *MemoryMap {
	return &MemoryMap{mappings: make([]vio.Mapping, logicalBlocks)}
}

// LogicalBlocks implements Accessor.
func (m *MemoryMap) LogicalBlocks() uint64 { return uint64(len(m.mappings)) }

// Get implements Accessor.
func (m *MemoryMap) Get(_ context.Context, lbn uint64, cb MappingCallback) {
	if lbn >= uint64(len(m.mappings)) {
		cb(vio.Mapping{}, vdoerrors.ErrOutOfRange)
		return
	}
	cb(m.mappings[lbn], nil)
}

// Put implements Accessor. Callers are responsible for having already
// journaled the delta; Put itself does not check that, since the journal
// gateway is an external contract this package cannot observe.
func (m *MemoryMap) Put(_ context.Context, lbn uint64, mapping vio.Mapping, cb MappingCallback) {
	if lbn >= uint64(len(m.mappings)) {
		cb(vio.Mapping{}, vdoerrors.ErrOutOfRange)
		return
	}
	vdoerrors.Assert(lbn < uint64(len(m.mappings)), "put_mapping lbn %d exceeds logical space %d", lbn, len(m.mappings))
	m.mappings[lbn] = mapping
	cb(mapping, nil)
}
