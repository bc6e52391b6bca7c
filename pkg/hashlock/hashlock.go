// Package hashlock implements the hash-lock manager (C6): per-content-hash
// serialization of concurrent writes that share a record name, with
// agent/follower roles and a state machine driving dedupe verification,
// sharing, allocation, and packing to completion.
package hashlock

import (
	"sync"

	"github.com/marmos91/vdodedupe/internal/logger"
	"github.com/marmos91/vdodedupe/internal/vdoerrors"
	"github.com/marmos91/vdodedupe/pkg/vio"
)

// Role identifies how an operation participates in a hash lock.
type Role int

const (
	RoleAgent Role = iota
	RoleFollower
)

func (r Role) String() string {
	if r == RoleAgent {
		return "agent"
	}
	return "follower"
}

// State is the hash lock's state machine position (§4.5).
type State int

const (
	StateInitializing State = iota
	StateQuerying
	StateVerifying
	StateDeduping
	StateAllocating
	StatePacking
	StateWriting
	StateUpdating
	StateUnlocking
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateQuerying:
		return "querying"
	case StateVerifying:
		return "verifying"
	case StateDeduping:
		return "deduping"
	case StateAllocating:
		return "allocating"
	case StatePacking:
		return "packing"
	case StateWriting:
		return "writing"
	case StateUpdating:
		return "updating"
	case StateUnlocking:
		return "unlocking"
	default:
		return "unknown"
	}
}

// lockEntry holds one record name's agent and queued followers.
type lockEntry struct {
	agent     *vio.Operation
	state     State
	followers []*vio.Operation
}

// Table is one hash zone's table of active hash locks, keyed by record
// name.
type Table struct {
	mu      sync.Mutex
	entries map[[16]byte]*lockEntry
	zone    string
}

// New constructs an empty hash-lock table for the named hash zone.
func New(zone string) *Table {
	return &Table{
		entries: make(map[[16]byte]*lockEntry),
		zone:    zone,
	}
}

// Acquire attaches op to the hash lock for op.RecordName. If no lock
// exists yet, op becomes the agent and role is RoleAgent; otherwise op
// queues as a follower behind the current agent.
func (t *Table) Acquire(op *vio.Operation) Role {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[op.RecordName]
	if !ok {
		t.entries[op.RecordName] = &lockEntry{agent: op, state: StateInitializing}
		op.HashLockAttached = true
		logger.Debug("hash lock acquired as agent", "zone", t.zone)
		return RoleAgent
	}

	e.followers = append(e.followers, op)
	op.HashLockAttached = true
	logger.Debug("hash lock joined as follower", "zone", t.zone, "followers", len(e.followers))
	return RoleFollower
}

// SetState advances the hash lock's state machine position. Only the
// current agent may call this; it is a programming error for anyone else
// to attempt it.
func (t *Table) SetState(recordName [16]byte, agent *vio.Operation, state State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[recordName]
	vdoerrors.Assert(ok && e.agent == agent, "SetState called by non-agent for record name")
	e.state = state
}

// State returns the current state machine position for recordName, or
// StateInitializing if no lock exists.
func (t *Table) State(recordName [16]byte) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[recordName]; ok {
		return e.state
	}
	return StateInitializing
}

// Succeed completes the agent's work with newMapped, the mapping every
// follower and the agent itself will install. Each returned follower
// inherits newMapped and must independently journal its own LBN's
// mapping and acknowledge (§4.5: "each follower still has its own LBN
// and thus its own block-map write"). The lock is released; if followers
// remain they were already drained into the returned slice, so the
// table entry is removed entirely rather than transferred.
func (t *Table) Succeed(agent *vio.Operation, newMapped vio.Mapping) (followers []*vio.Operation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[agent.RecordName]
	vdoerrors.Assert(ok && e.agent == agent, "Succeed called by non-agent")

	for _, f := range e.followers {
		f.NewMapped = newMapped
		f.HashLockAttached = false
	}
	followers = e.followers
	agent.HashLockAttached = false
	delete(t.entries, agent.RecordName)

	logger.Debug("hash lock agent succeeded", "zone", t.zone, "followers", len(followers))
	return followers
}

// Fail reports that the agent could not complete (verification mismatch,
// I/O error, or allocator exhaustion). If any followers remain, the
// first is promoted to agent and returned so the caller can retry the
// state machine from StateInitializing; the failure is not surfaced to
// the remaining followers (§4.5). If no followers remain, the lock is
// removed and promoted is nil.
func (t *Table) Fail(agent *vio.Operation) (promoted *vio.Operation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[agent.RecordName]
	vdoerrors.Assert(ok && e.agent == agent, "Fail called by non-agent")
	agent.HashLockAttached = false

	if len(e.followers) == 0 {
		delete(t.entries, agent.RecordName)
		logger.Debug("hash lock agent failed, no followers to promote", "zone", t.zone)
		return nil
	}

	promoted = e.followers[0]
	e.followers = e.followers[1:]
	e.agent = promoted
	e.state = StateInitializing
	logger.Debug("hash lock agent failed, promoted follower", "zone", t.zone)
	return promoted
}

// FollowerCount reports how many operations are queued behind the
// current agent for recordName.
func (t *Table) FollowerCount(recordName [16]byte) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[recordName]; ok {
		return len(e.followers)
	}
	return 0
}
