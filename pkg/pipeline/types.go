package pipeline

import (
	"time"

	"github.com/marmos91/vdodedupe/pkg/ack"
	"github.com/marmos91/vdodedupe/pkg/bio"
	"github.com/marmos91/vdodedupe/pkg/blockmap"
	"github.com/marmos91/vdodedupe/pkg/compressor"
	"github.com/marmos91/vdodedupe/pkg/dedupe"
	"github.com/marmos91/vdodedupe/pkg/hashlock"
	"github.com/marmos91/vdodedupe/pkg/journal"
	"github.com/marmos91/vdodedupe/pkg/lbnlock"
	"github.com/marmos91/vdodedupe/pkg/packer"
	"github.com/marmos91/vdodedupe/pkg/pbnlock"
	"github.com/marmos91/vdodedupe/pkg/vio"
	"github.com/marmos91/vdodedupe/pkg/zone"
)

// Instrumentation receives a sample for every phase a zone worker runs,
// measured from the moment it was enqueued to the moment it finished
// running. Deps.Instrumentation is optional; a nil value disables sampling
// entirely rather than recording into a discarded sink.
type Instrumentation interface {
	ObservePhase(phase vio.Phase, dur time.Duration)

	// ObserveDedupeQuery records whether a dedupe-index probe in
	// phaseDedupeQuery found an existing mapping for the content hash.
	ObserveDedupeQuery(hit bool)
}

// Referencer is the reference-counting contract a physical zone needs to
// stand up its pbnlock.Table: increment on every new mapping or dedupe
// share, and the pbnlock.Decrementer behavior on release of an abandoned
// provisional allocation.
type Referencer interface {
	pbnlock.Decrementer
	Increment(pbn uint64)
}

// Allocator hands out fresh PBNs for writes that miss dedupe.
type Allocator interface {
	Allocate() (uint64, error)
}

// Deps wires the pipeline to the concrete component instances it
// orchestrates. Every slice is indexed by zone index (logical/physical/
// hash/cpu); the singleton components (journal, dedupe index, device,
// acknowledger, block map) have exactly one instance shared across zones.
type Deps struct {
	Dispatcher *zone.Dispatcher

	LBNLocks  []*lbnlock.Table      // len == cfg.LogicalZones
	PBNLocks  []*pbnlock.Table      // len == cfg.PhysicalZones
	HashLocks []*hashlock.Table     // len == cfg.HashZones
	Compress  []*compressor.Context // len == cfg.CPUZones

	// Referencer and Allocator are singletons: the stand-in allocator
	// (out of scope per the original depot's own partitioning) draws from
	// one flat PBN space regardless of which physical zone ends up owning
	// the resulting PBN's lock.
	Referencer Referencer
	Allocator  Allocator

	BlockMap blockmap.Accessor
	Dedupe   dedupe.Index
	Journal  journal.Gateway
	Device   bio.Device
	Ack      *ack.Acknowledger

	Packer *packer.Packer

	// Instrumentation is optional; see the Instrumentation type.
	Instrumentation Instrumentation
}

// Pipeline dispatches Operations through every phase named by vio.Phase,
// routing each to the single zone that owns it and resuming from wherever
// a phase's underlying component reports a side-effect continuation
// (lock transfer, hash-lock promotion, or packer bin closure).
type Pipeline struct {
	deps Deps
	cfg  zone.Config
}

// New validates deps against cfg's zone partition and constructs a
// Pipeline ready to Start.
func New(cfg zone.Config, deps Deps) (*Pipeline, error) {
	if deps.Dispatcher == nil || deps.BlockMap == nil || deps.Dedupe == nil ||
		deps.Journal == nil || deps.Device == nil || deps.Ack == nil || deps.Packer == nil ||
		deps.Referencer == nil || deps.Allocator == nil {
		return nil, ErrMissingDependency
	}
	if len(deps.LBNLocks) != cfg.LogicalZones ||
		len(deps.PBNLocks) != cfg.PhysicalZones ||
		len(deps.HashLocks) != cfg.HashZones ||
		len(deps.Compress) != cfg.CPUZones {
		return nil, ErrMissingDependency
	}
	return &Pipeline{deps: deps, cfg: cfg}, nil
}

// Start launches the underlying zone dispatcher's worker goroutines.
func (p *Pipeline) Start() { p.deps.Dispatcher.Start() }

// Stop drains and stops every zone.
func (p *Pipeline) Stop() { p.deps.Dispatcher.Stop() }
