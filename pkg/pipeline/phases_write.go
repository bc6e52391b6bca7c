package pipeline

import (
	"bytes"
	"crypto/md5"

	"github.com/marmos91/vdodedupe/internal/logger"
	"github.com/marmos91/vdodedupe/internal/vdoerrors"
	"github.com/marmos91/vdodedupe/pkg/ack"
	"github.com/marmos91/vdodedupe/pkg/blockformat"
	"github.com/marmos91/vdodedupe/pkg/compressor"
	"github.com/marmos91/vdodedupe/pkg/dedupe"
	"github.com/marmos91/vdodedupe/pkg/hashlock"
	"github.com/marmos91/vdodedupe/pkg/journal"
	"github.com/marmos91/vdodedupe/pkg/pbnlock"
	"github.com/marmos91/vdodedupe/pkg/vio"
	"github.com/marmos91/vdodedupe/pkg/zone"
)

// phaseLogicalLockAcquire runs on the logical zone owning op.LBN. A read
// that arrives while the holder is a writer with its allocation already
// granted never touches the lock at all: it copies directly out of the
// holder's staging block and acknowledges (§4.2's read-while-write fast
// path, §8 scenario 5). Any other contended acquire queues op on the LBN's
// waiter chain as before, and additionally asks the packer to stop holding
// the current holder's compression open, since op now depends on it
// releasing the lock (§4.2 edge policy).
func (p *Pipeline) phaseLogicalLockAcquire(z *zone.Zone, op *vio.Operation) {
	table := p.deps.LBNLocks[p.logicalIndex(op.LBN)]

	if op.Kind == vio.IOKindRead {
		if holder := table.Holder(op.LBN); holder != nil && holderHasGrantedAllocation(holder) {
			p.readThroughHolder(op, holder)
			return
		}
	}

	if table.Acquire(op) {
		p.enqueue(z.ID(), op, vio.PhaseBlockMapRead, p.phaseBlockMapRead)
		return
	}

	if holder := table.Holder(op.LBN); holder != nil {
		p.cancelHolderPacking(holder)
	}
}

// holderHasGrantedAllocation reports whether holder is a write-shaped
// operation that has already reserved a PBN (§4.2: "the holder's
// allocation is immutable once granted"). Reads and flushes never grant an
// allocation, so they never qualify as a read-through source.
func holderHasGrantedAllocation(holder *vio.Operation) bool {
	return holder.Kind != vio.IOKindRead && holder.Kind != vio.IOKindFlush &&
		holder.Allocation.WriteLockKind == vio.WriteLockWrite
}

// readThroughHolder completes op, a read, directly from holder's staged
// content without op ever taking the LBN lock. This is safe even though
// holder has not finished: its allocation is immutable once granted and it
// cannot free its staging block while it still holds the LBN lock. The
// read-through also evicts holder from its packer bin if it occupies one,
// since holder must not keep op's caller waiting on a bin fill (§4.7 step
// 7: "receives a read-through from another operation").
func (p *Pipeline) readThroughHolder(op *vio.Operation, holder *vio.Operation) {
	op.StagingBlock = holder.StagingBlock
	p.cancelHolderPacking(holder)
	p.deps.Ack.Ack(op, ack.Result{LBN: op.LBN})
}

// phaseBlockMapRead resolves op's prior mapping and branches to the read
// path, the flush path, or the write path (§4.3).
func (p *Pipeline) phaseBlockMapRead(z *zone.Zone, op *vio.Operation) {
	p.deps.BlockMap.Get(op.Ctx, op.LBN, func(mapping vio.Mapping, err error) {
		if err != nil {
			op.Fail(err)
			return
		}
		op.Mapped = mapping

		switch {
		case op.Kind == vio.IOKindFlush:
			p.enqueue(bioSubmitZone, op, vio.PhaseBioSubmitWrite, p.phaseFlush)
		case op.Kind == vio.IOKindRead:
			p.enqueue(bioSubmitZone, op, vio.PhaseBioSubmitRead, p.phaseBioSubmitRead)
		case op.IsZeroBlock || op.IsFullBlockDiscard():
			op.NewMapped = vio.Mapping{State: vio.MappingUnmapped}
			p.enqueue(journalZone, op, vio.PhaseJournalIncrement, p.phaseJournalIncrement)
		case op.Kind == vio.IOKindDiscard || op.Kind == vio.IOKindReadModifyWrite:
			p.enqueue(bioSubmitZone, op, vio.PhasePartialContentRead, p.phasePartialContentRead)
		default:
			p.enqueue(p.hashZone(op.RecordName), op, vio.PhaseHashLockAcquire, p.phaseHashLockAcquire)
		}
	})
}

// phasePartialContentRead loads the block a sub-block discard or
// read-modify-write splices its change into. An unmapped LBN reads as zero
// (§2), so there's nothing to fetch; otherwise the prior block is read and,
// if packed, handed to phasePartialDecompress before splicing (§3 invariant
// 5, the offset/read-modify-write data model).
func (p *Pipeline) phasePartialContentRead(z *zone.Zone, op *vio.Operation) {
	if !op.Mapped.IsMapped() {
		op.ScratchBlock = [vio.BlockSize]byte{}
		p.spliceAndContinue(op)
		return
	}
	block, err := p.deps.Device.ReadBlock(op.Ctx, op.Mapped.PBN)
	if err != nil {
		op.Fail(err)
		return
	}
	op.ScratchBlock = block
	if op.Mapped.State == vio.MappingUncompressed {
		p.spliceAndContinue(op)
		return
	}
	p.enqueue(p.cpuZone(op), op, vio.PhasePartialDecompress, p.phasePartialDecompress)
}

// phasePartialDecompress extracts and decompresses op's previously packed
// fragment before splicing op's change into it. The decompressed content is
// built in a local array rather than in place in op.ScratchBlock: frag is
// itself a slice view into op.ScratchBlock's backing array, and decompressing
// into the same array it reads from would corrupt the fragment mid-read.
func (p *Pipeline) phasePartialDecompress(z *zone.Zone, op *vio.Operation) {
	header, err := blockformat.DecodeV2(op.ScratchBlock[:])
	if err != nil {
		op.Fail(err)
		return
	}
	slot := int(op.Mapped.State - vio.MappingCompressedBase)
	vdoerrors.Assert(slot >= 0 && slot < vio.MaxCompressionSlots, "mapped compression slot out of range")

	frag, err := header.Fragment(op.ScratchBlock[:], slot)
	if err != nil {
		op.Fail(err)
		return
	}
	var decoded [vio.BlockSize]byte
	if err := compressor.Decompress(frag, &decoded); err != nil {
		op.Fail(err)
		return
	}
	op.ScratchBlock = decoded
	p.spliceAndContinue(op)
}

// subBlockLength returns how many bytes from op.Offset a partial discard or
// read-modify-write covers.
func subBlockLength(op *vio.Operation) uint64 {
	if op.Kind == vio.IOKindDiscard {
		return op.RemainingDiscard
	}
	return uint64(op.Length)
}

// spliceAndContinue applies op's sub-block change onto the block content
// just loaded into op.ScratchBlock -- zeroing the discarded range, or
// overlaying the new bytes a read-modify-write pre-staged in op.StagingBlock
// -- then routes the spliced result down the normal write path exactly as a
// full-block write would (§3 invariant 5).
func (p *Pipeline) spliceAndContinue(op *vio.Operation) {
	start := uint64(op.Offset)
	end := start + subBlockLength(op)
	if end > vio.BlockSize {
		end = vio.BlockSize
	}

	result := op.ScratchBlock
	if op.Kind == vio.IOKindDiscard {
		for i := start; i < end; i++ {
			result[i] = 0
		}
	} else {
		copy(result[start:end], op.StagingBlock[start:end])
	}
	op.StagingBlock = result
	op.RecordName = contentHash(op.StagingBlock)
	op.IsZeroBlock = op.StagingBlock == [vio.BlockSize]byte{}

	if op.IsZeroBlock {
		op.NewMapped = vio.Mapping{State: vio.MappingUnmapped}
		p.enqueue(journalZone, op, vio.PhaseJournalIncrement, p.phaseJournalIncrement)
		return
	}
	p.enqueue(p.hashZone(op.RecordName), op, vio.PhaseHashLockAcquire, p.phaseHashLockAcquire)
}

// contentHash hashes content to the 16-byte identifier the dedupe index and
// hash-lock table key on, same as the device package's own recordName.
func contentHash(content [vio.BlockSize]byte) [16]byte {
	return md5.Sum(content[:])
}

// phaseHashLockAcquire serializes concurrent writers of the same content
// hash (§4.5). A follower returns here and is resumed later by the agent's
// Succeed or Fail.
func (p *Pipeline) phaseHashLockAcquire(z *zone.Zone, op *vio.Operation) {
	table := p.deps.HashLocks[p.hashIndex(op.RecordName)]
	if table.Acquire(op) == hashlock.RoleFollower {
		return
	}
	table.SetState(op.RecordName, op, hashlock.StateQuerying)
	p.enqueue(z.ID(), op, vio.PhaseDedupeQuery, p.phaseDedupeQuery)
}

// phaseDedupeQuery probes the dedupe index for op's content hash (§4.4).
// A miss or probe failure falls through to allocation; a hit moves to
// verification against the owning physical zone's candidate block.
func (p *Pipeline) phaseDedupeQuery(z *zone.Zone, op *vio.Operation) {
	p.deps.Dedupe.Probe(op.Ctx, op.RecordName, dedupe.RequestQuery, vio.Mapping{}, func(adv dedupe.Advisory, err error) {
		table := p.deps.HashLocks[p.hashIndex(op.RecordName)]
		if err != nil || !adv.Found {
			if p.deps.Instrumentation != nil {
				p.deps.Instrumentation.ObserveDedupeQuery(false)
			}
			table.SetState(op.RecordName, op, hashlock.StateAllocating)
			p.enqueue(p.cpuZone(op), op, vio.PhaseCompress, p.phaseCompress)
			return
		}
		if p.deps.Instrumentation != nil {
			p.deps.Instrumentation.ObserveDedupeQuery(true)
		}
		op.Duplicate = vio.DuplicateAdvisory{PBN: adv.PBN, State: adv.State, IsDuplicate: true}
		table.SetState(op.RecordName, op, hashlock.StateVerifying)
		p.enqueue(p.physicalZone(adv.PBN), op, vio.PhaseDedupeVerify, p.phaseDedupeVerify)
	})
}

// phaseDedupeVerify reads the dedupe probe's candidate PBN and byte-compares
// it against op's staged content before trusting the advisory (§4.4: "the
// core must verify... before treating it as a duplicate"). A mismatch or
// read error falls through to allocation exactly as a probe miss would.
func (p *Pipeline) phaseDedupeVerify(z *zone.Zone, op *vio.Operation) {
	table := p.deps.PBNLocks[z.ID().Index]
	candidate := op.Duplicate.PBN

	lock, waitCh := table.Acquire(candidate, pbnlock.KindRead, op.ID)
	if lock != nil {
		p.verifyCandidate(z.ID(), op, table, lock)
		return
	}
	go func() {
		granted := <-waitCh
		p.enqueue(z.ID(), op, vio.PhaseDedupeVerify, func(z *zone.Zone, op *vio.Operation) {
			p.verifyCandidate(z.ID(), op, table, granted)
		})
	}()
}

func (p *Pipeline) verifyCandidate(zoneID zone.ID, op *vio.Operation, table *pbnlock.Table, lock *pbnlock.Lock) {
	block, err := p.deps.Device.ReadBlock(op.Ctx, lock.PBN)
	_ = table.Release(lock, p.deps.Referencer)
	if err != nil {
		logger.Warn("dedupe candidate read failed, falling through to allocation", logger.PBN(lock.PBN), logger.Err(err))
		p.fallThroughToAllocation(op)
		return
	}

	match := false
	switch {
	case op.Duplicate.State == vio.MappingUncompressed:
		match = bytes.Equal(block[:], op.StagingBlock[:])
	case op.Duplicate.State >= vio.MappingCompressedBase:
		header, herr := blockformat.DecodeV2(block[:])
		if herr == nil {
			slot := int(op.Duplicate.State - vio.MappingCompressedBase)
			if frag, ferr := header.Fragment(block[:], slot); ferr == nil {
				var decoded [vio.BlockSize]byte
				if derr := compressor.Decompress(frag, &decoded); derr == nil {
					match = bytes.Equal(decoded[:], op.StagingBlock[:])
				}
			}
		}
	}

	if !match {
		p.fallThroughToAllocation(op)
		return
	}

	op.NewMapped = vio.Mapping{PBN: op.Duplicate.PBN, State: op.Duplicate.State, Zone: p.physicalIndex(op.Duplicate.PBN)}
	hashTable := p.deps.HashLocks[p.hashIndex(op.RecordName)]
	hashTable.SetState(op.RecordName, op, hashlock.StateUpdating)
	p.updateDedupeEntry(op)
	p.resumeHashLockFollowers(op.RecordName, op, op.NewMapped)
	p.enqueue(journalZone, op, vio.PhaseJournalIncrement, p.phaseJournalIncrement)
}

func (p *Pipeline) fallThroughToAllocation(op *vio.Operation) {
	op.Duplicate.IsDuplicate = false
	table := p.deps.HashLocks[p.hashIndex(op.RecordName)]
	table.SetState(op.RecordName, op, hashlock.StateAllocating)
	p.enqueue(p.cpuZone(op), op, vio.PhaseCompress, p.phaseCompress)
}

// phaseCompress compresses op's staged content on a CPU zone (§4.6).
func (p *Pipeline) phaseCompress(z *zone.Zone, op *vio.Operation) {
	ctx := p.deps.Compress[z.ID().Index]
	ctx.Compress(op)
	p.enqueue(allocationZone, op, vio.PhasePBNAllocate, p.phasePBNAllocate)
}

// phasePBNAllocate draws a fresh PBN from the allocator and acquires its
// write lock, marking it provisional until the journal commits a reference
// for it (§4.8). It always runs on physical zone 0: the stand-in allocator
// is a single flat PBN space, not partitioned the way the out-of-scope
// slab depot's own allocation regions are.
func (p *Pipeline) phasePBNAllocate(z *zone.Zone, op *vio.Operation) {
	pbn, err := p.deps.Allocator.Allocate()
	if err != nil {
		p.failHashLock(op, err)
		return
	}

	zoneIdx := p.physicalIndex(pbn)
	table := p.deps.PBNLocks[zoneIdx]
	lock, waitCh := table.Acquire(pbn, pbnlock.KindWrite, op.ID)
	vdoerrors.Assert(lock != nil && waitCh == nil, "freshly allocated pbn %d contended", pbn)
	table.MarkProvisional(pbn)

	op.Allocation.PBN = pbn
	op.Allocation.Zone = zoneIdx
	op.Allocation.Lock = lock
	op.Allocation.WriteLockKind = vio.WriteLockWrite

	if op.CompressionSize == vio.IncompressibleSentinel {
		op.NewMapped = vio.Mapping{PBN: pbn, State: vio.MappingUncompressed, Zone: zoneIdx}
		p.enqueue(bioSubmitZone, op, vio.PhaseBioSubmitWrite, p.phaseBioSubmitWrite)
		return
	}
	p.enqueue(packerZone, op, vio.PhasePack, p.phasePack)
}

// phasePack hands op's compressed fragment to the packer (§4.7) and
// resumes every operation any resulting bin closure reports, op included
// if packing it happened to fill or evict a bin.
func (p *Pipeline) phasePack(z *zone.Zone, op *vio.Operation) {
	bin, _, closures := p.deps.Packer.Add(op)
	op.PackerBin = bin
	for _, c := range closures {
		p.resumePackerClosure(c)
	}
}

// phaseBioSubmitWrite writes op's full (uncompressed) block to its
// allocated PBN.
func (p *Pipeline) phaseBioSubmitWrite(z *zone.Zone, op *vio.Operation) {
	if err := p.deps.Device.WriteBlock(op.Ctx, op.Allocation.PBN, op.StagingBlock); err != nil {
		p.failHashLock(op, err)
		return
	}
	p.enqueue(bioAckZone, op, vio.PhaseBioAckWrite, p.phaseBioAckWrite)
}

// phaseBioAckWrite completes a raw-block write: op is its own hash-lock
// agent (no packing involved), so it resolves that lock directly here.
func (p *Pipeline) phaseBioAckWrite(z *zone.Zone, op *vio.Operation) {
	table := p.deps.HashLocks[p.hashIndex(op.RecordName)]
	table.SetState(op.RecordName, op, hashlock.StateUpdating)
	p.postDedupeEntry(op)
	p.resumeHashLockFollowers(op.RecordName, op, op.NewMapped)
	p.enqueue(journalZone, op, vio.PhaseJournalIncrement, p.phaseJournalIncrement)
}

// phaseFlush asks the backing device to flush and skips straight to
// acknowledgment: a flush touches no mapping.
func (p *Pipeline) phaseFlush(z *zone.Zone, op *vio.Operation) {
	if err := p.deps.Device.Flush(op.Ctx); err != nil {
		op.Fail(err)
		return
	}
	p.enqueue(bioAckZone, op, vio.PhaseAcknowledge, p.phaseAcknowledge)
}

// phaseJournalIncrement commits the reference increment (if op installs a
// mapped PBN) and the mapping delta itself, in that order (§1, §4.9). It
// runs for every write-path operation, including the zero-block/discard
// fast path, where NewMapped carries no PBN and only the mapping entry is
// meaningful.
func (p *Pipeline) phaseJournalIncrement(z *zone.Zone, op *vio.Operation) {
	var entries []journal.Entry
	if op.NewMapped.IsMapped() {
		p.deps.Referencer.Increment(op.NewMapped.PBN)
		entries = append(entries, journal.Entry{Kind: journal.EntryIncrement, LBN: op.LBN, PBN: op.NewMapped.PBN, State: op.NewMapped.State})
	}
	entries = append(entries, journal.Entry{Kind: journal.EntryMapping, LBN: op.LBN, PBN: op.NewMapped.PBN, State: op.NewMapped.State})

	p.commitJournal(op, entries, func() {
		p.enqueue(p.logicalZone(op.LBN), op, vio.PhaseBlockMapWrite, p.phaseBlockMapWrite)
	})
}

// phaseBlockMapWrite installs op's new mapping, then moves on to
// decrementing the superseded mapping's reference, if any.
func (p *Pipeline) phaseBlockMapWrite(z *zone.Zone, op *vio.Operation) {
	p.deps.BlockMap.Put(op.Ctx, op.LBN, op.NewMapped, func(_ vio.Mapping, err error) {
		if err != nil {
			op.Fail(err)
			return
		}
		if op.Mapped.IsMapped() && op.Mapped.PBN != op.NewMapped.PBN {
			p.enqueue(journalZone, op, vio.PhaseJournalDecrement, p.phaseJournalDecrement)
			return
		}
		p.enqueue(bioAckZone, op, vio.PhaseAcknowledge, p.phaseAcknowledge)
	})
}

// phaseJournalDecrement commits the decrement entry for op's prior mapping
// and releases that reference, completing the increment-mapping-decrement
// ordering (§1, §4.9).
func (p *Pipeline) phaseJournalDecrement(z *zone.Zone, op *vio.Operation) {
	entries := []journal.Entry{{Kind: journal.EntryDecrement, LBN: op.LBN, PBN: op.Mapped.PBN, State: op.Mapped.State}}
	p.commitJournal(op, entries, func() {
		if err := p.deps.Referencer.DecrementReference(op.Mapped.PBN); err != nil {
			logger.Warn("reference decrement failed", logger.OldPBN(op.Mapped.PBN), logger.Err(err))
		}
		p.enqueue(bioAckZone, op, vio.PhaseAcknowledge, p.phaseAcknowledge)
	})
}
