package pipeline

import (
	"bytes"
	"context"
	"crypto/md5"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/vdodedupe/pkg/ack"
	"github.com/marmos91/vdodedupe/pkg/allocator"
	"github.com/marmos91/vdodedupe/pkg/bio"
	"github.com/marmos91/vdodedupe/pkg/blockmap"
	"github.com/marmos91/vdodedupe/pkg/compressor"
	"github.com/marmos91/vdodedupe/pkg/dedupe"
	"github.com/marmos91/vdodedupe/pkg/hashlock"
	"github.com/marmos91/vdodedupe/pkg/journal"
	"github.com/marmos91/vdodedupe/pkg/lbnlock"
	"github.com/marmos91/vdodedupe/pkg/packer"
	"github.com/marmos91/vdodedupe/pkg/pbnlock"
	"github.com/marmos91/vdodedupe/pkg/refcount"
	"github.com/marmos91/vdodedupe/pkg/vio"
	"github.com/marmos91/vdodedupe/pkg/zone"
)

// memoryDedupe is a minimal in-memory stand-in for dedupe.Index, enough to
// exercise query/post/update without pulling in badger for tests.
type memoryDedupe struct {
	mu      sync.Mutex
	entries map[[16]byte]dedupe.Advisory
}

func newMemoryDedupe() *memoryDedupe {
	return &memoryDedupe{entries: make(map[[16]byte]dedupe.Advisory)}
}

func (d *memoryDedupe) Probe(_ context.Context, name [16]byte, kind dedupe.RequestKind, loc vio.Mapping, cb dedupe.ProbeCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch kind {
	case dedupe.RequestDelete:
		delete(d.entries, name)
		cb(dedupe.Advisory{}, nil)
	case dedupe.RequestPost, dedupe.RequestUpdate:
		d.entries[name] = dedupe.Advisory{Found: true, PBN: loc.PBN, State: loc.State}
		cb(d.entries[name], nil)
	default:
		adv, ok := d.entries[name]
		adv.Found = ok
		cb(adv, nil)
	}
}

// memoryJournal is a minimal in-memory stand-in for journal.Gateway.
type memoryJournal struct {
	mu       sync.Mutex
	entries  []journal.Entry
	nextSlot uint64
}

func newMemoryJournal() *memoryJournal { return &memoryJournal{} }

func (j *memoryJournal) Commit(entries []journal.Entry, cb journal.CommitCallback) {
	j.mu.Lock()
	slot := j.nextSlot
	j.nextSlot++
	j.entries = append(j.entries, entries...)
	j.mu.Unlock()
	cb(slot, nil)
}

func (j *memoryJournal) Replay() ([]journal.Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]journal.Entry, len(j.entries))
	copy(out, j.entries)
	return out, nil
}

func (j *memoryJournal) Close() error { return nil }

var _ journal.Gateway = (*memoryJournal)(nil)
var _ dedupe.Index = (*memoryDedupe)(nil)

// testHarness bundles a fully wired Pipeline with direct handles to its
// in-memory backing components, for assertions.
type testHarness struct {
	t        *testing.T
	pipeline *Pipeline
	device   *bio.MemoryDevice
	blockMap *blockmap.MemoryMap
	journal  *memoryJournal
	dedupe   *memoryDedupe
	refs     *refcount.Table
	alloc    *allocator.Allocator
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	return newTestHarnessWithInstrumentation(t, nil)
}

// phaseSignal implements Instrumentation to let a test block until a
// specific phase has run for some operation, without polling a field that
// another zone's goroutine might be writing concurrently.
type phaseSignal struct {
	mu   sync.Mutex
	subs map[vio.Phase][]chan struct{}
}

func newPhaseSignal() *phaseSignal {
	return &phaseSignal{subs: make(map[vio.Phase][]chan struct{})}
}

// wait returns a channel that closes the next time phase completes.
func (s *phaseSignal) wait(phase vio.Phase) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{})
	s.subs[phase] = append(s.subs[phase], ch)
	return ch
}

func (s *phaseSignal) ObservePhase(phase vio.Phase, _ time.Duration) {
	s.mu.Lock()
	chans := s.subs[phase]
	delete(s.subs, phase)
	s.mu.Unlock()
	for _, ch := range chans {
		close(ch)
	}
}

func (s *phaseSignal) ObserveDedupeQuery(bool) {}

var _ Instrumentation = (*phaseSignal)(nil)

func newTestHarnessWithInstrumentation(t *testing.T, instr Instrumentation) *testHarness {
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

func recordNameOf(content [vio.BlockSize]byte) [16]byte {
	return md5.Sum(content[:])
}

// randomBlock returns deterministic high-entropy content that the LZ4
// compressor cannot shrink below the packing threshold, so writes using it
// take the direct (unpacked) bio-submit path.
func randomBlock(seed int64) [vio.BlockSize]byte {
	var block [vio.BlockSize]byte
	rand.New(rand.NewSource(seed)).Read(block[:])
	return block
}

// compressibleBlock produces non-zero but highly repetitive content so the
// LZ4 compressor's output beats the incompressible threshold.
func compressibleBlock(tag byte) [vio.BlockSize]byte {
	var block [vio.BlockSize]byte
	for i := range block {
		block[i] = tag + byte(i%3)
	}
	return block
}

func waitResult(t *testing.T, ch <-chan ack.Result) ack.Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for acknowledgment")
		return ack.Result{}
	}
}

func submitWrite(h *testHarness, lbn uint64, content [vio.BlockSize]byte) ack.Result {
	h.t.Helper()
	op := vio.NewOperation(lbn2id(lbn), lbn, vio.IOKindWrite)
	op.StagingBlock = content
	op.RecordName = recordNameOf(content)

	resultCh := make(chan ack.Result, 1)
	h.pipeline.Submit(op, func(r ack.Result) { resultCh <- r })
	return waitResult(h.t, resultCh)
}

func submitRead(h *testHarness, lbn uint64) ack.Result {
	h.t.Helper()
	op := vio.NewOperation(lbn2id(lbn)+"-read", lbn, vio.IOKindRead)

	resultCh := make(chan ack.Result, 1)
	h.pipeline.Submit(op, func(r ack.Result) { resultCh <- r })
	return waitResult(h.t, resultCh)
}

// submitReadOp behaves like submitRead but returns the operation pointer
// alongside its result, so a test can inspect fields Ack.Result doesn't
// carry (StagingBlock, Locked) once it completes.
func submitReadOp(h *testHarness, lbn uint64) (*vio.Operation, ack.Result) {
	h.t.Helper()
	op := vio.NewOperation(lbn2id(lbn)+"-read", lbn, vio.IOKindRead)

	resultCh := make(chan ack.Result, 1)
	h.pipeline.Submit(op, func(r ack.Result) { resultCh <- r })
	return op, waitResult(h.t, resultCh)
}

func lbn2id(lbn uint64) string {
	return "op-" + string(rune('a'+int(lbn%26)))
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	h := newTestHarness(t)

	content := randomBlock(42)
	wres := submitWrite(h, 10, content)
	if wres.Err != nil {
		t.Fatalf("write failed: %v", wres.Err)
	}

	rres := submitRead(h, 10)
	if rres.Err != nil {
		t.Fatalf("read failed: %v", rres.Err)
	}
	if rres.PBN != wres.PBN {
		t.Fatalf("read PBN %d does not match written PBN %d", rres.PBN, wres.PBN)
	}
}

func TestReadOfUnmappedLBNReturnsNoError(t *testing.T) {
	h := newTestHarness(t)

	rres := submitRead(h, 999)
	if rres.Err != nil {
		t.Fatalf("unexpected error reading unmapped lbn: %v", rres.Err)
	}
	if rres.PBN != 0 {
		t.Fatalf("expected zero PBN for unmapped lbn, got %d", rres.PBN)
	}
}

func TestDedupeHitAcrossTwoWriters(t *testing.T) {
	h := newTestHarness(t)

	content := randomBlock(7)
	first := submitWrite(h, 1, content)
	if first.Err != nil {
		t.Fatalf("first write failed: %v", first.Err)
	}
	if first.Advisory {
		t.Fatalf("first writer of novel content should not be an advisory hit")
	}

	second := submitWrite(h, 2, content)
	if second.Err != nil {
		t.Fatalf("second write failed: %v", second.Err)
	}
	if !second.Advisory {
		t.Fatalf("second writer of identical content should dedupe against the first")
	}
	if second.PBN != first.PBN {
		t.Fatalf("deduped write should share the first writer's PBN: got %d want %d", second.PBN, first.PBN)
	}

	if got := h.refs.Count(first.PBN); got != 2 {
		t.Fatalf("expected reference count 2 after dedupe, got %d", got)
	}
	if h.device.BlockCount() != 1 {
		t.Fatalf("expected exactly one physical block written, got %d", h.device.BlockCount())
	}
}

func TestZeroBlockFastPathBypassesHashLock(t *testing.T) {
	h := newTestHarness(t)

	op := vio.NewOperation("zero-op", 5, vio.IOKindWrite)
	op.IsZeroBlock = true

	resultCh := make(chan ack.Result, 1)
	h.pipeline.Submit(op, func(r ack.Result) { resultCh <- r })
	res := waitResult(t, resultCh)
	if res.Err != nil {
		t.Fatalf("zero-block write failed: %v", res.Err)
	}
	if res.PBN != 0 {
		t.Fatalf("zero-block write should install no physical mapping, got PBN %d", res.PBN)
	}
	if h.device.BlockCount() != 0 {
		t.Fatalf("zero-block write should never touch the backing device")
	}

	rres := submitRead(h, 5)
	if rres.Err != nil {
		t.Fatalf("read of zero-block lbn failed: %v", rres.Err)
	}
}

func TestFlushBypassesMapping(t *testing.T) {
	h := newTestHarness(t)

	op := vio.NewOperation("flush-op", 0, vio.IOKindFlush)
	resultCh := make(chan ack.Result, 1)
	h.pipeline.Submit(op, func(r ack.Result) { resultCh <- r })
	res := waitResult(t, resultCh)
	if res.Err != nil {
		t.Fatalf("flush failed: %v", res.Err)
	}
}

// TestCompressiblePackedFragmentsShareAPhysicalBlock submits exactly
// MaxCompressionSlots distinct compressible writes, enough for the packer
// to auto-close its one open bin (§4.7 step 5) without any admin-state
// flush: the single bin fits every fragment, so none of them evict it.
func TestCompressiblePackedFragmentsShareAPhysicalBlock(t *testing.T) {
	h := newTestHarness(t)

	const n = vio.MaxCompressionSlots
	var wg sync.WaitGroup
	results := make([]ack.Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			content := compressibleBlock(byte(i))
			op := vio.NewOperation(lbn2id(uint64(100+i)), uint64(100+i), vio.IOKindWrite)
			op.StagingBlock = content
			op.RecordName = recordNameOf(content)

			resultCh := make(chan ack.Result, 1)
			h.pipeline.Submit(op, func(r ack.Result) { resultCh <- r })
			results[i] = waitResult(t, resultCh)
		}(i)
	}
	wg.Wait()

	for i, r := range results {
		if r.Err != nil {
			t.Fatalf("packed write %d failed: %v", i, r.Err)
		}
	}

	seen := map[uint64]bool{}
	for _, r := range results {
		seen[r.PBN] = true
	}
	if len(seen) != 1 {
		t.Fatalf("expected every compressible fragment to land in one shared block, got %d distinct PBNs", len(seen))
	}

	for i, r := range results {
		rres := submitRead(h, uint64(100+i))
		if rres.Err != nil {
			t.Fatalf("read back of packed lbn %d failed: %v", 100+i, rres.Err)
		}
	}
}

func TestFullBlockDiscardUnmaps(t *testing.T) {
	h := newTestHarness(t)

	content := randomBlock(11)
	wres := submitWrite(h, 20, content)
	if wres.Err != nil {
		t.Fatalf("write failed: %v", wres.Err)
	}

	op := vio.NewOperation("discard-op", 20, vio.IOKindDiscard)
	op.RemainingDiscard = vio.BlockSize
	resultCh := make(chan ack.Result, 1)
	h.pipeline.Submit(op, func(r ack.Result) { resultCh <- r })
	dres := waitResult(t, resultCh)
	if dres.Err != nil {
		t.Fatalf("discard failed: %v", dres.Err)
	}

	rres := submitRead(h, 20)
	if rres.Err != nil {
		t.Fatalf("read after discard failed: %v", rres.Err)
	}
	if rres.PBN != 0 {
		t.Fatalf("expected unmapped lbn after full-block discard, got PBN %d", rres.PBN)
	}
}

// TestReadThroughBypassesLockWhileWriterHoldsGrantedAllocation mirrors the
// scenario where a writer already has its allocation granted and is sitting
// in an open packer bin (so it won't resolve on its own), and a read for the
// same LBN arrives: the read must copy the writer's staged content directly,
// never take the LBN lock, and ack before the writer finishes. The writer is
// expected to resume afterward via a direct uncompressed write, since the
// read-through evicts it from its bin.
func TestReadThroughBypassesLockWhileWriterHoldsGrantedAllocation(t *testing.T) {
	signal := newPhaseSignal()
	h := newTestHarnessWithInstrumentation(t, signal)

	content := compressibleBlock(9)
	packed := signal.wait(vio.PhasePack)

	writeResultCh := make(chan ack.Result, 1)
	wop := vio.NewOperation("writer", 40, vio.IOKindWrite)
	wop.StagingBlock = content
	wop.RecordName = recordNameOf(content)
	h.pipeline.Submit(wop, func(r ack.Result) { writeResultCh <- r })

	select {
	case <-packed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for writer to reach phasePack")
	}

	select {
	case r := <-writeResultCh:
		t.Fatalf("writer acked before the competing read arrived: %+v", r)
	default:
	}

	rop, rres := submitReadOp(h, 40)
	if rres.Err != nil {
		t.Fatalf("read failed: %v", rres.Err)
	}
	if rop.StagingBlock != content {
		t.Fatal("read-through result did not match the writer's staged content")
	}
	if rop.Locked {
		t.Fatal("read-through should never take the LBN lock")
	}

	table := h.pipeline.deps.LBNLocks[h.pipeline.logicalIndex(40)]
	if got := table.WaiterCount(40); got != 0 {
		t.Fatalf("expected no waiters on the LBN after a read-through, got %d", got)
	}

	wres := waitResult(t, writeResultCh)
	if wres.Err != nil {
		t.Fatalf("writer failed after being canceled out of its bin: %v", wres.Err)
	}
}

func TestOverwriteDecrementsPriorMapping(t *testing.T) {
	h := newTestHarness(t)

	first := submitWrite(h, 30, randomBlock(1))
	if first.Err != nil {
		t.Fatalf("first write failed: %v", first.Err)
	}

	second := submitWrite(h, 30, randomBlock(2))
	if second.Err != nil {
		t.Fatalf("overwrite failed: %v", second.Err)
	}
	if second.PBN == first.PBN {
		t.Fatalf("distinct content should not land on the same PBN")
	}

	if got := h.refs.Count(first.PBN); got != 0 {
		t.Fatalf("expected the superseded mapping's reference to be released, got count %d", got)
	}

	rres := submitRead(h, 30)
	if rres.Err != nil {
		t.Fatalf("read after overwrite failed: %v", rres.Err)
	}
	if rres.PBN != second.PBN {
		t.Fatalf("expected read to resolve the latest mapping")
	}
}

func TestConcurrentWritesToDistinctLBNsAllSucceed(t *testing.T) {
	h := newTestHarness(t)

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := submitWrite(h, uint64(200+i), randomBlock(int64(1000+i)))
			errs[i] = r.Err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("concurrent write %d failed: %v", i, err)
		}
	}
}

func verifyBytesEqual(t *testing.T, a, b [vio.BlockSize]byte) {
	t.Helper()
	if !bytes.Equal(a[:], b[:]) {
		t.Fatalf("block content mismatch")
	}
}
