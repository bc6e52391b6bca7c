package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/vdodedupe/pkg/ack"
	"github.com/marmos91/vdodedupe/pkg/allocator"
	"github.com/marmos91/vdodedupe/pkg/bio"
	"github.com/marmos91/vdodedupe/pkg/blockmap"
	"github.com/marmos91/vdodedupe/pkg/compressor"
	"github.com/marmos91/vdodedupe/pkg/hashlock"
	"github.com/marmos91/vdodedupe/pkg/lbnlock"
	"github.com/marmos91/vdodedupe/pkg/packer"
	"github.com/marmos91/vdodedupe/pkg/pbnlock"
	"github.com/marmos91/vdodedupe/pkg/refcount"
	"github.com/marmos91/vdodedupe/pkg/vio"
	"github.com/marmos91/vdodedupe/pkg/zone"
)

// fakeInstrumentation records every observation made through it, for
// assertions that the pipeline actually calls Instrumentation rather than
// just accepting it in Deps.
type fakeInstrumentation struct {
	mu          sync.Mutex
	phaseCounts map[vio.Phase]int
	dedupeHits  int
	dedupeMiss  int
}

func newFakeInstrumentation() *fakeInstrumentation {
	return &fakeInstrumentation{phaseCounts: make(map[vio.Phase]int)}
}

func (f *fakeInstrumentation) ObservePhase(phase vio.Phase, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phaseCounts[phase]++
}

func (f *fakeInstrumentation) ObserveDedupeQuery(hit bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if hit {
		f.dedupeHits++
	} else {
		f.dedupeMiss++
	}
}

func (f *fakeInstrumentation) count(phase vio.Phase) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.phaseCounts[phase]
}

func newInstrumentedHarness(t *testing.T, instr Instrumentation) *testHarness {
	t.Helper()

	cfg := zone.Config{
		LogicalZones:  2,
		PhysicalZones: 2,
		HashZones:     2,
		CPUZones:      2,
		QueueDepth:    256,
	}

	device := bio.NewMemoryDevice()
	blockMap := blockmap.NewMemoryMap(1024)
	jrnl := newMemoryJournal()
	idx := newMemoryDedupe()
	alloc := allocator.New(4096)
	refs := refcount.New(alloc.Free)
	ackr := ack.New()

	lbnLocks := make([]*lbnlock.Table, cfg.LogicalZones)
	for i := range lbnLocks {
		lbnLocks[i] = lbnlock.New("logical")
	}
	pbnLocks := make([]*pbnlock.Table, cfg.PhysicalZones)
	for i := range pbnLocks {
		pbnLocks[i] = pbnlock.New("physical")
	}
	hashLocks := make([]*hashlock.Table, cfg.HashZones)
	for i := range hashLocks {
		hashLocks[i] = hashlock.New("hash")
	}
	compress := make([]*compressor.Context, cfg.CPUZones)
	for i := range compress {
		compress[i] = compressor.NewContext()
	}

	pk := packer.New(func(pbn uint64, block [vio.BlockSize]byte) error {
		return device.WriteBlock(context.Background(), pbn, block)
	})

	dispatcher := zone.NewDispatcher(cfg)

	p, err := New(cfg, Deps{
		Dispatcher:      dispatcher,
		LBNLocks:        lbnLocks,
		PBNLocks:        pbnLocks,
		HashLocks:       hashLocks,
		Compress:        compress,
		Referencer:      refs,
		Allocator:       alloc,
		BlockMap:        blockMap,
		Dedupe:          idx,
		Journal:         jrnl,
		Device:          device,
		Ack:             ackr,
		Packer:          pk,
		Instrumentation: instr,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.Start()
	t.Cleanup(p.Stop)

	return &testHarness{
		t: t, pipeline: p, device: device, blockMap: blockMap,
		journal: jrnl, dedupe: idx, refs: refs, alloc: alloc,
	}
}

func TestInstrumentationObservesDedupeQueries(t *testing.T) {
	instr := newFakeInstrumentation()
	h := newInstrumentedHarness(t, instr)

	content := compressibleBlock(0x11)
	res := submitWrite(h, 1, content)
	if res.Err != nil {
		t.Fatalf("first write: %v", res.Err)
	}

	res = submitWrite(h, 2, content)
	if res.Err != nil {
		t.Fatalf("second write: %v", res.Err)
	}

	instr.mu.Lock()
	hits, miss := instr.dedupeHits, instr.dedupeMiss
	instr.mu.Unlock()

	if miss < 1 {
		t.Fatalf("expected at least one dedupe miss for the first write, got %d", miss)
	}
	if hits < 1 {
		t.Fatalf("expected at least one dedupe hit for the duplicate write, got %d", hits)
	}
}

func TestInstrumentationObservesPhases(t *testing.T) {
	instr := newFakeInstrumentation()
	h := newInstrumentedHarness(t, instr)

	content := compressibleBlock(0x22)
	res := submitWrite(h, 3, content)
	if res.Err != nil {
		t.Fatalf("write: %v", res.Err)
	}

	if instr.count(vio.PhaseCompress) == 0 {
		t.Fatalf("expected compress phase to be observed")
	}
}

func TestNilInstrumentationIsSkippedSafely(t *testing.T) {
	h := newInstrumentedHarness(t, nil)

	content := compressibleBlock(0x33)
	res := submitWrite(h, 4, content)
	if res.Err != nil {
		t.Fatalf("write with nil instrumentation: %v", res.Err)
	}
}

var _ Instrumentation = (*fakeInstrumentation)(nil)
