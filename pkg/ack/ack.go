// Package ack implements the acknowledger (C11): it delivers a data
// operation's final outcome to whatever submitted it, exactly once, no
// matter which zone's callback happens to complete the operation.
package ack

import (
	"sync"

	"github.com/marmos91/vdodedupe/internal/logger"
	"github.com/marmos91/vdodedupe/internal/vdoerrors"
	"github.com/marmos91/vdodedupe/pkg/vio"
)

// Result is what the submitter of an operation eventually receives.
type Result struct {
	LBN     uint64
	PBN     uint64
	Err     error
	Advisory bool // true if the mapping came from a duplicate-block hit
}

// ResultFunc is the submitter-supplied completion callback.
type ResultFunc func(Result)

// Acknowledger tracks one pending completion per operation so a bug
// upstream that completes an operation twice (e.g. both a hash-lock
// failure path and its error handler) can't double-deliver.
type Acknowledger struct {
	mu      sync.Mutex
	pending map[string]*pendingAck
}

type pendingAck struct {
	once sync.Once
	cb   ResultFunc
}

// New constructs an empty acknowledger.
func New() *Acknowledger {
	return &Acknowledger{pending: make(map[string]*pendingAck)}
}

// Register records that op's submitter expects exactly one callback
// invocation. Registering the same operation ID twice without an
// intervening Ack is a programming error.
func (a *Acknowledger) Register(op *vio.Operation, cb ResultFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.pending[op.ID]; exists {
		vdoerrors.Assert(false, "ack: operation %s registered twice", op.ID)
	}
	a.pending[op.ID] = &pendingAck{cb: cb}
}

// Ack delivers op's final result to its submitter. Only the first call
// for a given operation ID has any effect; later calls (e.g. from a
// bio-ack zone invocation racing a synchronous error path) are silently
// absorbed.
func (a *Acknowledger) Ack(op *vio.Operation, result Result) {
	a.mu.Lock()
	p, ok := a.pending[op.ID]
	if ok {
		delete(a.pending, op.ID)
	}
	a.mu.Unlock()

	if !ok {
		logger.Debug("ack: result for unregistered or already-acknowledged operation", logger.OpID(op.ID))
		return
	}

	p.once.Do(func() {
		logger.Debug("ack: delivering result", logger.OpID(op.ID), logger.LBN(result.LBN), logger.PBN(result.PBN))
		p.cb(result)
	})
}

// Pending reports how many operations are awaiting acknowledgment, for
// drain/shutdown quiescence checks.
func (a *Acknowledger) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}
