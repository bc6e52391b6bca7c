package packer

import (
	"testing"

	"github.com/marmos91/vdodedupe/pkg/blockformat"
	"github.com/marmos91/vdodedupe/pkg/vio"
)

func compressibleOp(id string, lbn uint64, size int, fill byte) *vio.Operation {
	op := vio.NewOperation(id, lbn, vio.IOKindWrite)
	for i := 0; i < size; i++ {
		op.CompressionBlock[i] = fill
	}
	op.CompressionSize = size
	op.Allocation.PBN = lbn + 1000
	return op
}

func TestAddCreatesFirstBin(t *testing.T) {
	var written []uint64
	p := New(func(pbn uint64, block [vio.BlockSize]byte) error {
		written = append(written, pbn)
		return nil
	})

	op := compressibleOp("op-1", 1, 100, 0xAA)
	bin, idx, _ := p.Add(op)
	if idx != 0 {
		t.Fatalf("expected first slot index 0, got %d", idx)
	}
	if p.BinCount() != 1 {
		t.Fatalf("expected 1 open bin, got %d", p.BinCount())
	}
	if bin.freeSpace != vio.BlockSize-blockformat.HeaderSizeV2-100 {
		t.Fatalf("unexpected free space %d", bin.freeSpace)
	}
}

func TestNarrowestBinChosenFirst(t *testing.T) {
	p := New(nil).WithMaxOpenBins(4)

	// Bin A: leave only 50 bytes of free space.
	binA, _, _ := p.Add(compressibleOp("op-1", 1, vio.BlockSize-blockformat.HeaderSizeV2-50, 0x01))
	// Bin B: a fresh bin created because a 100-byte fragment doesn't fit in A's 50 bytes.
	p.Add(compressibleOp("op-2", 2, 100, 0x02))

	if p.BinCount() != 2 {
		t.Fatalf("expected 2 open bins, got %d", p.BinCount())
	}

	// A newcomer that fits both should land in the narrower bin, A.
	small := compressibleOp("op-3", 3, 30, 0x03)
	bin, idx, _ := p.Add(small)
	if bin != binA {
		t.Fatalf("expected newcomer to land in the narrower bin A")
	}
	if idx != 1 {
		t.Fatalf("expected second slot in bin A, got index %d", idx)
	}
}

func TestCloseElectsFirstNonCanceledAsAgent(t *testing.T) {
	var writtenPBN uint64
	p := New(func(pbn uint64, block [vio.BlockSize]byte) error {
		writtenPBN = pbn
		return nil
	})

	op1 := compressibleOp("op-1", 1, 50, 0x11)
	op2 := compressibleOp("op-2", 2, 50, 0x22)
	bin, _, _ := p.Add(op1)
	p.Add(op2)

	agent, live := p.Close(bin)
	if agent != op1 {
		t.Fatalf("expected op1 to be elected agent, got %v", agent)
	}
	if writtenPBN != op1.Allocation.PBN {
		t.Fatalf("expected write to agent's pbn %d, got %d", op1.Allocation.PBN, writtenPBN)
	}
	if op2.NewMapped.State != vio.MappingCompressedBase+1 {
		t.Fatalf("expected op2 slot state COMPRESSED_BASE+1, got %v", op2.NewMapped.State)
	}
	if op2.NewMapped.PBN != op1.Allocation.PBN {
		t.Fatalf("expected op2's mapping to point at the agent's pbn, got %d", op2.NewMapped.PBN)
	}
	if len(live) != 2 {
		t.Fatalf("expected 2 live ops returned, got %d", len(live))
	}
}

func TestCancelExcludesFragmentAndPromotesNext(t *testing.T) {
	p := New(func(pbn uint64, block [vio.BlockSize]byte) error { return nil })

	op1 := compressibleOp("op-1", 1, 50, 0x11)
	op2 := compressibleOp("op-2", 2, 50, 0x22)
	bin, idx1, _ := p.Add(op1)
	p.Add(op2)

	p.Cancel(bin, idx1)
	agent, _ := p.Close(bin)
	if agent != op2 {
		t.Fatalf("expected op2 promoted to agent after op1 canceled, got %v", agent)
	}
}

func TestCloseWithAllSlotsCanceledWritesNothing(t *testing.T) {
	wrote := false
	p := New(func(pbn uint64, block [vio.BlockSize]byte) error {
		wrote = true
		return nil
	})
	op1 := compressibleOp("op-1", 1, 50, 0x11)
	bin, idx, _ := p.Add(op1)
	p.Cancel(bin, idx)

	agent, live := p.Close(bin)
	if agent != nil {
		t.Fatalf("expected nil agent when all slots canceled, got %v", agent)
	}
	if live != nil {
		t.Fatalf("expected no live ops when all slots canceled, got %v", live)
	}
	if wrote {
		t.Fatal("expected no write when every slot was canceled")
	}
}

func TestBinClosesAtMaxSlots(t *testing.T) {
	p := New(func(pbn uint64, block [vio.BlockSize]byte) error { return nil })
	var lastClosures []Closure
	for i := 0; i < vio.MaxCompressionSlots; i++ {
		_, _, closures := p.Add(compressibleOp("op", uint64(i), 50, byte(i)))
		lastClosures = closures
	}
	if p.BinCount() != 0 {
		t.Fatalf("expected bin to auto-close at MaxCompressionSlots, got %d open", p.BinCount())
	}
	if len(lastClosures) != 1 || len(lastClosures[0].Live) != vio.MaxCompressionSlots {
		t.Fatalf("expected the final Add to report the auto-close, got %v", lastClosures)
	}
}

func TestEvictOldestReportsClosureThroughAdd(t *testing.T) {
	p := New(func(pbn uint64, block [vio.BlockSize]byte) error { return nil }).WithMaxOpenBins(1)

	p.Add(compressibleOp("op-1", 1, 50, 0x01))
	_, _, closures := p.Add(compressibleOp("op-2", 2, vio.BlockSize, 0x02))
	if len(closures) != 1 || len(closures[0].Live) != 1 {
		t.Fatalf("expected eviction of the first bin to be reported, got %v", closures)
	}
	if p.BinCount() != 1 {
		t.Fatalf("expected exactly one open bin after eviction, got %d", p.BinCount())
	}
}
