package lbnlock

import (
	"testing"

	"github.com/marmos91/vdodedupe/pkg/vio"
)

func TestAcquireUncontended(t *testing.T) {
	tbl := New("logical[0]")
	op := vio.NewOperation("op-1", 42, vio.IOKindWrite)

	if !tbl.Acquire(op) {
		t.Fatal("expected uncontended acquire to succeed")
	}
	if !op.Locked {
		t.Fatal("expected op.Locked to be true")
	}
	if tbl.Holder(42) != op {
		t.Fatal("expected op to be the holder")
	}
}

func TestReleaseRemovesUncontendedEntry(t *testing.T) {
	tbl := New("logical[0]")
	op := vio.NewOperation("op-1", 42, vio.IOKindWrite)
	tbl.Acquire(op)

	if next := tbl.Release(op); next != nil {
		t.Fatalf("expected no waiter to transfer to, got %v", next)
	}
	if tbl.Len() != 0 {
		t.Fatalf("expected entry removed, Len() = %d", tbl.Len())
	}
	if op.Locked {
		t.Fatal("expected op.Locked to be false after release")
	}
}

func TestContendedAcquireQueuesWaiter(t *testing.T) {
	tbl := New("logical[0]")
	holder := vio.NewOperation("holder", 7, vio.IOKindWrite)
	waiter := vio.NewOperation("waiter", 7, vio.IOKindWrite)

	tbl.Acquire(holder)
	if tbl.Acquire(waiter) {
		t.Fatal("expected contended acquire to fail")
	}
	if waiter.Locked {
		t.Fatal("waiter should not be locked until transfer")
	}
	if tbl.WaiterCount(7) != 1 {
		t.Fatalf("WaiterCount() = %d, want 1", tbl.WaiterCount(7))
	}
}

func TestReleaseTransfersToFirstWaiterFIFO(t *testing.T) {
	tbl := New("logical[0]")
	holder := vio.NewOperation("holder", 7, vio.IOKindWrite)
	w1 := vio.NewOperation("w1", 7, vio.IOKindWrite)
	w2 := vio.NewOperation("w2", 7, vio.IOKindWrite)

	tbl.Acquire(holder)
	tbl.Acquire(w1)
	tbl.Acquire(w2)

	next := tbl.Release(holder)
	if next != w1 {
		t.Fatalf("expected transfer to w1 (FIFO order), got %v", next)
	}
	if !w1.Locked {
		t.Fatal("expected w1.Locked true after transfer")
	}
	if tbl.Holder(7) != w1 {
		t.Fatal("expected w1 to be the new holder")
	}
	if tbl.WaiterCount(7) != 1 {
		t.Fatalf("expected w2 still queued, WaiterCount() = %d", tbl.WaiterCount(7))
	}

	next2 := tbl.Release(w1)
	if next2 != w2 {
		t.Fatalf("expected transfer to w2, got %v", next2)
	}
	if tbl.WaiterCount(7) != 0 {
		t.Fatalf("expected no waiters left, got %d", tbl.WaiterCount(7))
	}
}

func TestOperationNeverOnTwoWaitListsAtOnce(t *testing.T) {
	op := vio.NewOperation("op", 1, vio.IOKindWrite)
	op.SetNextWaiter(vio.NewOperation("other", 2, vio.IOKindWrite))
	if op.NextWaiter() == nil {
		t.Fatal("expected NextWaiter to be set")
	}
	op.ClearNextWaiter()
	if op.NextWaiter() != nil {
		t.Fatal("expected NextWaiter to be cleared")
	}
}
