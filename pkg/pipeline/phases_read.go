package pipeline

import (
	"github.com/marmos91/vdodedupe/internal/vdoerrors"
	"github.com/marmos91/vdodedupe/pkg/ack"
	"github.com/marmos91/vdodedupe/pkg/blockformat"
	"github.com/marmos91/vdodedupe/pkg/compressor"
	"github.com/marmos91/vdodedupe/pkg/vio"
	"github.com/marmos91/vdodedupe/pkg/zone"
)

// phaseBioSubmitRead reads op's mapped block, or short-circuits straight to
// acknowledgment with a zero-filled result when the LBN is unmapped (§2:
// never-written PBNs read as zero, and an unmapped LBN is equivalent).
func (p *Pipeline) phaseBioSubmitRead(z *zone.Zone, op *vio.Operation) {
	if !op.Mapped.IsMapped() {
		p.enqueue(bioAckZone, op, vio.PhaseAcknowledge, p.phaseAcknowledge)
		return
	}
	block, err := p.deps.Device.ReadBlock(op.Ctx, op.Mapped.PBN)
	if err != nil {
		op.Fail(err)
		return
	}
	op.ScratchBlock = block
	p.enqueue(bioAckZone, op, vio.PhaseBioAckRead, p.phaseBioAckRead)
}

// phaseBioAckRead routes a completed read to straight copy or decompression
// depending on the mapping's state.
func (p *Pipeline) phaseBioAckRead(z *zone.Zone, op *vio.Operation) {
	if op.Mapped.State == vio.MappingUncompressed {
		op.StagingBlock = op.ScratchBlock
		p.enqueue(bioAckZone, op, vio.PhaseAcknowledge, p.phaseAcknowledge)
		return
	}
	p.enqueue(p.cpuZone(op), op, vio.PhaseDecompress, p.phaseDecompress)
}

// phaseDecompress extracts op's fragment from its packed block and
// decompresses it into the staging block returned to the reader (§6).
func (p *Pipeline) phaseDecompress(z *zone.Zone, op *vio.Operation) {
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
	if err := compressor.Decompress(frag, &op.StagingBlock); err != nil {
		op.Fail(err)
		return
	}
	p.enqueue(bioAckZone, op, vio.PhaseAcknowledge, p.phaseAcknowledge)
}

// phaseAcknowledge delivers op's final result to its submitter and moves
// on to releasing its LBN lock.
func (p *Pipeline) phaseAcknowledge(z *zone.Zone, op *vio.Operation) {
	p.deps.Ack.Ack(op, ack.Result{
		LBN:      op.LBN,
		PBN:      op.NewMapped.PBN,
		Err:      op.Status,
		Advisory: op.Duplicate.IsDuplicate,
	})
	p.enqueue(p.logicalZone(op.LBN), op, vio.PhaseLogicalLockRelease, p.phaseLogicalLockRelease)
}

// phaseLogicalLockRelease drops op's LBN lock, resuming whichever waiter it
// transferred to, and releases any PBN write lock op still holds (the
// agent of a successful write, clearing its provisional reference now that
// the journal has durably recorded it).
func (p *Pipeline) phaseLogicalLockRelease(z *zone.Zone, op *vio.Operation) {
	p.releasePBNAllocationLock(op)
	p.releaseLogicalLock(op)
}
