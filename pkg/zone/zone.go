// Package zone implements the zone dispatcher (C1): a fixed set of zone
// classes, each running a priority-ordered single-consumer callback queue.
// All shared state in the data path is partitioned by zone — an LBN lives
// in exactly one logical zone, a PBN in exactly one physical zone, a
// content hash in exactly one hash zone — so the only structure genuinely
// shared across zones is the dispatcher's queues themselves, which are
// multi-producer single-consumer.
package zone

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/marmos91/vdodedupe/internal/logger"
	"github.com/marmos91/vdodedupe/internal/vdoerrors"
)

// Kind identifies a class of zone.
type Kind int

const (
	KindLogical Kind = iota
	KindPhysical
	KindHash
	KindJournal
	KindPacker
	KindCPU
	KindBioAck
	KindBioSubmit
)

func (k Kind) String() string {
	switch k {
	case KindLogical:
		return "logical"
	case KindPhysical:
		return "physical"
	case KindHash:
		return "hash"
	case KindJournal:
		return "journal"
	case KindPacker:
		return "packer"
	case KindCPU:
		return "cpu"
	case KindBioAck:
		return "bio-ack"
	case KindBioSubmit:
		return "bio-submit"
	default:
		return "unknown"
	}
}

// ID names a single zone instance: its kind plus an index within that
// kind's partition (always 0 for the singleton kinds journal/packer/
// bio-ack/bio-submit).
type ID struct {
	Kind  Kind
	Index int
}

func (id ID) String() string {
	return fmt.Sprintf("%s[%d]", id.Kind, id.Index)
}

// Priority is the dispatch priority of an enqueued callback. Higher runs
// first within a zone's queue. 3 is reserved for dispatcher-internal use.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	priorityReserved
)

const numPriorities = int(priorityReserved) + 1

// Callback is a unit of work scheduled onto a zone. It receives the Zone
// it is running on so it can assert its expected zone (the dispatcher's
// "current zone is X" primitive) before touching zone-local state.
type Callback func(z *Zone)

// Zone is a single priority-ordered single-consumer queue bound to one
// zone instance. Enqueue is non-blocking and safe from any number of
// producer goroutines (other zones); only the zone's own worker goroutine
// ever dequeues or runs callbacks, so state a callback reads or writes
// through its Zone is implicitly single-threaded.
type Zone struct {
	id ID

	queues  [numPriorities]chan Callback
	stopCh  chan struct{}
	doneCh  chan struct{}
	started atomic.Bool

	depth atomic.Int64
}

// newZone constructs a Zone with the given per-priority queue depth.
func newZone(id ID, queueDepth int) *Zone {
	z := &Zone{
		id:     id,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for p := range z.queues {
		z.queues[p] = make(chan Callback, queueDepth)
	}
	return z
}

// ID returns the zone instance this Zone binds, for use in assertions.
func (z *Zone) ID() ID { return z.id }

// Assert panics via vdoerrors.Assert if the currently executing zone is
// not want. Every continuation that resumes on a named zone calls this
// first (§4.1: "the dispatcher exposes an assertion primitive").
func (z *Zone) Assert(want ID) {
	vdoerrors.Assert(z.id == want, "callback expected zone %s, running on %s", want, z.id)
}

// enqueue pushes cb onto the queue at priority p. Returns false if that
// priority's queue is full; callers must not block producers on a full
// zone queue (§4.1: enqueue is non-blocking and lock-free against
// producers in other zones).
func (z *Zone) enqueue(p Priority, cb Callback) bool {
	select {
	case z.queues[p] <- cb:
		z.depth.Add(1)
		return true
	default:
		return false
	}
}

// Depth returns the approximate total number of callbacks queued across
// all priorities for this zone.
func (z *Zone) Depth() int64 { return z.depth.Load() }

// run is the single-consumer loop: highest priority ready callback wins;
// when nothing is immediately ready it blocks across all priorities.
func (z *Zone) run() {
	defer close(z.doneCh)
	for {
		cb, ok := z.next()
		if !ok {
			return
		}
		z.depth.Add(-1)
		cb(z)
	}
}

// next selects the next callback to run, preferring higher priorities,
// or reports ok=false once stopCh is closed and all queues are drained.
func (z *Zone) next() (Callback, bool) {
	for p := numPriorities - 1; p >= 0; p-- {
		select {
		case cb := <-z.queues[p]:
			return cb, true
		default:
		}
	}

	select {
	case cb := <-z.queues[priorityReserved]:
		return cb, true
	case cb := <-z.queues[PriorityHigh]:
		return cb, true
	case cb := <-z.queues[PriorityNormal]:
		return cb, true
	case cb := <-z.queues[PriorityLow]:
		return cb, true
	case <-z.stopCh:
		return z.drainOne()
	}
}

// drainOne runs any remaining callback after a stop signal, so in-flight
// work that was already enqueued still executes before the zone exits.
func (z *Zone) drainOne() (Callback, bool) {
	for p := numPriorities - 1; p >= 0; p-- {
		select {
		case cb := <-z.queues[p]:
			return cb, true
		default:
		}
	}
	return nil, false
}

// Dispatcher owns the fixed set of zones and routes enqueues to them.
type Dispatcher struct {
	mu    sync.RWMutex
	zones map[ID]*Zone

	queueDepth int
	wg         sync.WaitGroup
}

// Config controls zone partition sizes and queue capacity.
type Config struct {
	LogicalZones  int
	PhysicalZones int
	HashZones     int
	CPUZones      int
	QueueDepth    int // per-priority, per-zone channel capacity
}

// DefaultConfig returns a small but fully partitioned default layout.
func DefaultConfig() Config {
	return Config{
		LogicalZones:  4,
		PhysicalZones: 4,
		HashZones:     4,
		CPUZones:      2,
		QueueDepth:    4096,
	}
}

// NewDispatcher builds the fixed zone set named in cfg: logical[0..L),
// physical[0..P), hash[0..H), journal, packer, cpu[0..C), bio-ack,
// bio-submit.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 4096
	}
	d := &Dispatcher{
		zones:      make(map[ID]*Zone),
		queueDepth: cfg.QueueDepth,
	}
	for i := 0; i < cfg.LogicalZones; i++ {
		d.addZone(ID{KindLogical, i})
	}
	for i := 0; i < cfg.PhysicalZones; i++ {
		d.addZone(ID{KindPhysical, i})
	}
	for i := 0; i < cfg.HashZones; i++ {
		d.addZone(ID{KindHash, i})
	}
	for i := 0; i < cfg.CPUZones; i++ {
		d.addZone(ID{KindCPU, i})
	}
	d.addZone(ID{KindJournal, 0})
	d.addZone(ID{KindPacker, 0})
	d.addZone(ID{KindBioAck, 0})
	d.addZone(ID{KindBioSubmit, 0})
	return d
}

func (d *Dispatcher) addZone(id ID) {
	d.zones[id] = newZone(id, d.queueDepth)
}

// Zone returns the Zone instance for id, or nil if id is not part of this
// dispatcher's partition.
func (d *Dispatcher) Zone(id ID) *Zone {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.zones[id]
}

// Zones returns every zone this dispatcher owns, for collectors that need
// to enumerate the fixed partition (e.g. per-zone queue depth metrics).
func (d *Dispatcher) Zones() []*Zone {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Zone, 0, len(d.zones))
	for _, z := range d.zones {
		out = append(out, z)
	}
	return out
}

// LogicalZoneFor routes an LBN to its owning logical zone by lbn mod L.
func (d *Dispatcher) LogicalZoneFor(lbn uint64) *Zone {
	n := d.countOf(KindLogical)
	if n == 0 {
		return nil
	}
	return d.Zone(ID{KindLogical, int(lbn % uint64(n))})
}

// PhysicalZoneFor routes a PBN to its owning physical zone by pbn mod P.
func (d *Dispatcher) PhysicalZoneFor(pbn uint64) *Zone {
	n := d.countOf(KindPhysical)
	if n == 0 {
		return nil
	}
	return d.Zone(ID{KindPhysical, int(pbn % uint64(n))})
}

// HashZoneFor routes a content hash to its owning hash zone by the low
// bytes of the record name mod H.
func (d *Dispatcher) HashZoneFor(recordName [16]byte) *Zone {
	n := d.countOf(KindHash)
	if n == 0 {
		return nil
	}
	var h uint64
	for _, b := range recordName[:8] {
		h = h<<8 | uint64(b)
	}
	return d.Zone(ID{KindHash, int(h % uint64(n))})
}

func (d *Dispatcher) countOf(kind Kind) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for id := range d.zones {
		if id.Kind == kind {
			n++
		}
	}
	return n
}

// Enqueue schedules cb on the zone named by id at priority p. Returns
// false if that zone's queue is full at p, in which case the caller is
// responsible for the requeue/backoff policy appropriate to its phase.
func (d *Dispatcher) Enqueue(id ID, p Priority, cb Callback) bool {
	z := d.Zone(id)
	if z == nil {
		logger.Error("enqueue to unknown zone", "zone", id.String())
		return false
	}
	return z.enqueue(p, cb)
}

// Start launches one worker goroutine per zone.
func (d *Dispatcher) Start() {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, z := range d.zones {
		z := z
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			z.run()
		}()
	}
}

// Stop signals every zone to drain its currently queued callbacks and
// exit, then waits for all zone goroutines to finish.
func (d *Dispatcher) Stop() {
	d.mu.RLock()
	for _, z := range d.zones {
		close(z.stopCh)
	}
	d.mu.RUnlock()
	d.wg.Wait()
}
