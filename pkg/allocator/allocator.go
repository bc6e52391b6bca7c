// Package allocator is the smallest physical-block allocator that can
// stand in for the slab depot (out of scope per the data path's
// Non-goals): a bump pointer over a fixed PBN space plus a free list fed
// by refcount.Table's onFree callback, so PhasePBNAllocate has somewhere
// real to draw from.
package allocator

import (
	"sync"

	"github.com/marmos91/vdodedupe/internal/vdoerrors"
)

// Allocator hands out PBNs from [0, limit) by bump allocation, reusing
// freed PBNs before extending the bump pointer.
type Allocator struct {
	mu    sync.Mutex
	next  uint64
	limit uint64
	free  []uint64
}

// New constructs an allocator over a physical space of limit blocks.
func New(limit uint64) *Allocator {
	return &Allocator{limit: limit}
}

// Allocate returns a fresh PBN, preferring the free list, or
// vdoerrors.ErrNoSpace if the device is full.
func (a *Allocator) Allocate() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.free); n > 0 {
		pbn := a.free[n-1]
		a.free = a.free[:n-1]
		return pbn, nil
	}
	if a.next >= a.limit {
		return 0, vdoerrors.ErrNoSpace
	}
	pbn := a.next
	a.next++
	return pbn, nil
}

// Free returns pbn to the free list. Intended as a refcount.FreeFunc.
func (a *Allocator) Free(pbn uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = append(a.free, pbn)
}

// FreeBlocks reports how many PBNs are immediately available (free list
// plus never-touched bump space), for diagnostics.
func (a *Allocator) FreeBlocks() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return uint64(len(a.free)) + (a.limit - a.next)
}
