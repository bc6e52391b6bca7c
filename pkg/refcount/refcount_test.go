package refcount

import "testing"

func TestIncrementThenDecrementToZeroFreesPBN(t *testing.T) {
	var freed []uint64
	tbl := New(func(pbn uint64) { freed = append(freed, pbn) })

	tbl.Increment(5)
	tbl.Increment(5)
	if tbl.Count(5) != 2 {
		t.Fatalf("Count() = %d, want 2", tbl.Count(5))
	}

	if err := tbl.DecrementReference(5); err != nil {
		t.Fatalf("DecrementReference: %v", err)
	}
	if tbl.Count(5) != 1 {
		t.Fatalf("Count() after one decrement = %d, want 1", tbl.Count(5))
	}
	if len(freed) != 0 {
		t.Fatal("expected no free yet, count still positive")
	}

	if err := tbl.DecrementReference(5); err != nil {
		t.Fatalf("DecrementReference: %v", err)
	}
	if len(freed) != 1 || freed[0] != 5 {
		t.Fatalf("expected pbn 5 freed, got %v", freed)
	}
}

func TestDecrementOfUntrackedPBNFreesImmediately(t *testing.T) {
	var freed []uint64
	tbl := New(func(pbn uint64) { freed = append(freed, pbn) })

	if err := tbl.DecrementReference(9); err != nil {
		t.Fatalf("DecrementReference: %v", err)
	}
	if len(freed) != 1 || freed[0] != 9 {
		t.Fatalf("expected immediate free of untracked pbn, got %v", freed)
	}
}
