package pipeline

import (
	"time"

	"github.com/marmos91/vdodedupe/internal/logger"
	"github.com/marmos91/vdodedupe/internal/vdoerrors"
	"github.com/marmos91/vdodedupe/pkg/ack"
	"github.com/marmos91/vdodedupe/pkg/dedupe"
	"github.com/marmos91/vdodedupe/pkg/hashlock"
	"github.com/marmos91/vdodedupe/pkg/journal"
	"github.com/marmos91/vdodedupe/pkg/packer"
	"github.com/marmos91/vdodedupe/pkg/pbnlock"
	"github.com/marmos91/vdodedupe/pkg/vio"
	"github.com/marmos91/vdodedupe/pkg/zone"
)

// commitJournal submits entries and invokes onCommit once durable. A
// commit failure (e.g. a full journal) fails op through whichever cleanup
// path is appropriate: hash-lock resolution if op is still attached to
// one, a plain acknowledge-and-release otherwise.
func (p *Pipeline) commitJournal(op *vio.Operation, entries []journal.Entry, onCommit func()) {
	p.deps.Journal.Commit(entries, func(_ uint64, err error) {
		if err != nil {
			if op.HashLockAttached {
				p.failHashLock(op, err)
			} else {
				op.Fail(err)
				p.releaseLogicalLock(op)
			}
			return
		}
		onCommit()
	})
}

// Submit registers result as op's completion callback and starts it at the
// first phase every data operation runs: acquiring its LBN's lock. The
// caller retains no further responsibility for op; it is acknowledged
// exactly once, however many zones it ends up visiting.
func (p *Pipeline) Submit(op *vio.Operation, result ack.ResultFunc) {
	p.deps.Ack.Register(op, result)
	op.SetErrorHandler(func(op *vio.Operation, err error) {
		logger.Warn("operation failed", logger.OpID(op.ID), logger.LBN(op.LBN), logger.Phase(string(op.Phase)), logger.Err(err))
		p.deps.Ack.Ack(op, ack.Result{LBN: op.LBN, Err: err})
		p.releaseLogicalLock(op)
	})

	id := zone.ID{Kind: zone.KindLogical, Index: p.logicalIndex(op.LBN)}
	p.enqueue(id, op, vio.PhaseLogicalLockAcquire, p.phaseLogicalLockAcquire)
}

func (p *Pipeline) logicalIndex(lbn uint64) int {
	return int(lbn % uint64(p.cfg.LogicalZones))
}

func (p *Pipeline) physicalIndex(pbn uint64) int {
	return pbnlock.ZoneFor(pbn, p.cfg.PhysicalZones)
}

func (p *Pipeline) hashIndex(name [16]byte) int {
	if p.cfg.HashZones == 0 {
		return 0
	}
	var h uint64
	for _, b := range name[:8] {
		h = h<<8 | uint64(b)
	}
	return int(h % uint64(p.cfg.HashZones))
}

func (p *Pipeline) cpuIndex(op *vio.Operation) int {
	if p.cfg.CPUZones == 0 {
		return 0
	}
	return int(op.LBN % uint64(p.cfg.CPUZones))
}

// enqueue sets op's phase tag and schedules fn to run on the zone named by
// id. If that zone's queue is full, op fails immediately rather than
// blocking the zone that produced this transition (§4.1).
func (p *Pipeline) enqueue(id zone.ID, op *vio.Operation, phase vio.Phase, fn func(z *zone.Zone, op *vio.Operation)) {
	op.Phase = phase
	enqueuedAt := time.Now()
	ok := p.deps.Dispatcher.Enqueue(id, zone.PriorityNormal, func(z *zone.Zone) {
		z.Assert(id)
		fn(z, op)
		if p.deps.Instrumentation != nil {
			p.deps.Instrumentation.ObservePhase(phase, time.Since(enqueuedAt))
		}
	})
	if !ok {
		logger.Error("zone queue full, failing operation", logger.OpID(op.ID), logger.Zone(id.String()), logger.Phase(string(phase)))
		op.Fail(ErrZoneQueueFull)
	}
}

func (p *Pipeline) logicalZone(lbn uint64) zone.ID {
	return zone.ID{Kind: zone.KindLogical, Index: p.logicalIndex(lbn)}
}

func (p *Pipeline) physicalZone(pbn uint64) zone.ID {
	return zone.ID{Kind: zone.KindPhysical, Index: p.physicalIndex(pbn)}
}

func (p *Pipeline) hashZone(name [16]byte) zone.ID {
	return zone.ID{Kind: zone.KindHash, Index: p.hashIndex(name)}
}

func (p *Pipeline) cpuZone(op *vio.Operation) zone.ID {
	return zone.ID{Kind: zone.KindCPU, Index: p.cpuIndex(op)}
}

var (
	journalZone    = zone.ID{Kind: zone.KindJournal, Index: 0}
	packerZone     = zone.ID{Kind: zone.KindPacker, Index: 0}
	bioAckZone     = zone.ID{Kind: zone.KindBioAck, Index: 0}
	bioSubmitZone  = zone.ID{Kind: zone.KindBioSubmit, Index: 0}
	allocationZone = zone.ID{Kind: zone.KindPhysical, Index: 0}
)

// releaseLogicalLock drops op's LBN lock and resumes whichever operation
// the lock transferred to, if any (§3: "transferred in a single table
// mutation... re-dispatched by the caller"). Safe to call more than once
// for the same op only if op never actually held the lock (Locked false).
func (p *Pipeline) releaseLogicalLock(op *vio.Operation) {
	if !op.Locked {
		return
	}
	table := p.deps.LBNLocks[p.logicalIndex(op.LBN)]
	if next := table.Release(op); next != nil {
		p.enqueue(p.logicalZone(next.LBN), next, vio.PhaseBlockMapRead, p.phaseBlockMapRead)
	}
}

// postDedupeEntry registers op's record name against its freshly written
// mapping so later probes for the same content find it (§4.4's post
// request kind). Fire-and-forget: a post failure only costs a future
// dedupe opportunity, never the write that's already durable.
func (p *Pipeline) postDedupeEntry(op *vio.Operation) {
	p.deps.Dedupe.Probe(op.Ctx, op.RecordName, dedupe.RequestPost, op.NewMapped, func(_ dedupe.Advisory, err error) {
		if err != nil {
			logger.Warn("dedupe post failed", logger.Phase(string(vio.PhaseJournalIncrement)), logger.Err(err))
		}
	})
}

// updateDedupeEntry refreshes the index entry for a verified dedupe hit,
// mirroring UDS's "query updates the chapter entry" behavior.
func (p *Pipeline) updateDedupeEntry(op *vio.Operation) {
	p.deps.Dedupe.Probe(op.Ctx, op.RecordName, dedupe.RequestUpdate, op.NewMapped, func(_ dedupe.Advisory, err error) {
		if err != nil {
			logger.Warn("dedupe update failed", logger.Phase(string(vio.PhaseJournalIncrement)), logger.Err(err))
		}
	})
}

// resumeHashLockFollowers propagates the final mapping newMapped to every
// follower Succeed() drains, dispatching each into its own journal/
// block-map/acknowledge path independently (§4.5: "each follower still has
// its own LBN and thus its own block-map write").
func (p *Pipeline) resumeHashLockFollowers(recordName [16]byte, agent *vio.Operation, newMapped vio.Mapping) {
	table := p.deps.HashLocks[p.hashIndex(recordName)]
	for _, f := range table.Succeed(agent, newMapped) {
		p.enqueue(journalZone, f, vio.PhaseJournalIncrement, p.phaseJournalIncrement)
	}
}

// failHashLock reports the agent's failure to its hash lock, promoting the
// next follower (if any) to retry from scratch, and fails op itself.
func (p *Pipeline) failHashLock(op *vio.Operation, err error) {
	if !op.HashLockAttached {
		op.Fail(err)
		return
	}
	table := p.deps.HashLocks[p.hashIndex(op.RecordName)]
	promoted := table.Fail(op)
	op.Fail(err)
	if promoted != nil {
		table.SetState(op.RecordName, promoted, hashlock.StateQuerying)
		p.enqueue(p.hashZone(op.RecordName), promoted, vio.PhaseDedupeQuery, p.phaseDedupeQuery)
	}
}

// releaseWastedAllocation drops a hash-lock agent's own preallocated PBN
// once packing elected a different agent to write on its behalf: the
// provisional reference is decremented and the PBN returned to the
// allocator's free list (§4.7's "a follower's own preallocated PBN goes
// unused").
func (p *Pipeline) releaseWastedAllocation(op *vio.Operation) {
	lock, ok := op.Allocation.Lock.(*pbnlock.Lock)
	if !ok || lock == nil {
		return
	}
	table := p.deps.PBNLocks[op.Allocation.Zone]
	if err := table.Release(lock, p.deps.Referencer); err != nil {
		logger.Warn("failed releasing wasted allocation", logger.PBN(lock.PBN), logger.Err(err))
	}
	op.Allocation.Lock = nil
}

// releasePBNAllocationLock clears an operation's own write lock once its
// provisional reference has been durably journaled (§4.8). A no-op for
// operations that never allocated a PBN, or whose allocation was already
// released as wasted by resumePackerClosure.
func (p *Pipeline) releasePBNAllocationLock(op *vio.Operation) {
	lock, ok := op.Allocation.Lock.(*pbnlock.Lock)
	if !ok || lock == nil {
		return
	}
	table := p.deps.PBNLocks[op.Allocation.Zone]
	table.ClearProvisional(lock.PBN)
	if err := table.Release(lock, p.deps.Referencer); err != nil {
		logger.Warn("failed releasing pbn allocation lock", logger.PBN(lock.PBN), logger.Err(err))
	}
	op.Allocation.Lock = nil
}

// cancelHolderPacking asks the packer zone to evict holder from whatever
// bin it currently occupies, because some other operation is now waiting on
// holder's LBN lock (§4.2 edge policy). holder.PackerBin must never be read
// or written outside the packer zone's own goroutine, so this only
// dispatches the check there; it is a no-op for a holder that never packed
// or whose bin already closed.
func (p *Pipeline) cancelHolderPacking(holder *vio.Operation) {
	p.enqueue(packerZone, holder, vio.PhasePackerCancel, p.phasePackerCancel)
}

// phasePackerCancel runs on the packer zone. It evicts op from its bin, if
// any, and resumes it directly as an uncompressed write to its own
// allocation rather than waiting for that bin to close on its own (§4.7
// step 7): a canceled slot's fragment never makes it into its bin's packed
// block, so op must durably land some other way.
func (p *Pipeline) phasePackerCancel(z *zone.Zone, op *vio.Operation) {
	bin, ok := op.PackerBin.(*packer.Bin)
	if !ok || bin == nil {
		return
	}
	p.deps.Packer.Cancel(bin, op.BinSlot)
	op.PackerBin = nil
	op.NewMapped = vio.Mapping{PBN: op.Allocation.PBN, State: vio.MappingUncompressed, Zone: op.Allocation.Zone}
	p.enqueue(bioSubmitZone, op, vio.PhaseBioSubmitWrite, p.phaseBioSubmitWrite)
}

// resumePackerClosure continues every operation a packer bin closure named,
// whether it was the bin's writing agent or one of its fellow fragments:
// each one is itself a distinct hash-lock agent now carrying its final
// shared mapping (§4.7), so each independently resolves its own hash lock
// and proceeds to journal its own reference increment.
func (p *Pipeline) resumePackerClosure(c packer.Closure) {
	for _, op := range c.Live {
		op.PackerBin = nil
		if op.Status != nil {
			p.releaseWastedAllocation(op)
			p.failHashLock(op, op.Status)
			continue
		}
		if op != c.Agent {
			p.releaseWastedAllocation(op)
		}
		p.postDedupeEntry(op)
		p.resumeHashLockFollowers(op.RecordName, op, op.NewMapped)
		vdoerrors.Assert(op.HashLockAttached == false, "hash lock still attached after resolve")
		p.enqueue(journalZone, op, vio.PhaseJournalIncrement, p.phaseJournalIncrement)
	}
}
