// Package packer implements the opportunistic compressed-block packer
// (C8): it bins compressible fragments from distinct operations into
// shared physical blocks, picking the narrowest bin that still fits a
// newcomer, and closes bins by electing an agent to write the packed
// block out on behalf of every slot.
package packer

import (
	"sort"
	"sync/atomic"

	"github.com/marmos91/vdodedupe/internal/logger"
	"github.com/marmos91/vdodedupe/internal/vdoerrors"
	"github.com/marmos91/vdodedupe/pkg/blockformat"
	"github.com/marmos91/vdodedupe/pkg/vio"
)

// slot is one operation's place within a bin.
type slot struct {
	op       *vio.Operation
	size     int
	canceled bool
}

// Bin holds up to vio.MaxCompressionSlots fragments destined for one
// physical block, tracked by remaining free space so the narrowest fit
// can be chosen first. freeSpace starts at the block size less the
// fixed v2 header (§6), reserved once per bin rather than per fragment.
type Bin struct {
	slots       []*slot
	freeSpace   int
	generation  uint64
	modifiedSeq uint64
}

func newBin(generation uint64) *Bin {
	return &Bin{freeSpace: vio.BlockSize - blockformat.HeaderSizeV2, generation: generation}
}

func (b *Bin) fits(size int) bool {
	return len(b.slots) < vio.MaxCompressionSlots && b.freeSpace >= size
}

// WriteFunc submits a fully packed block to its PBN via the bio-submit
// zone. It is supplied by the pipeline so this package stays free of a
// bio dependency; the first argument is the agent's compressed block
// content (a full vio.BlockSize payload with every slot's fragment
// packed in), and pbn is the PBN to write it to.
type WriteFunc func(pbn uint64, block [vio.BlockSize]byte) error

// DefaultMaxOpenBins bounds how many bins may be open concurrently before
// the packer must evict the least-recently-modified one to make room for
// a new one (§4.7 step 3).
const DefaultMaxOpenBins = 8

// Packer manages the bin list for one packer zone (there is exactly one
// packer zone per device, §4.1).
type Packer struct {
	bins        []*Bin
	canceled    *Bin
	generation  uint64
	modSeq      uint64
	write       WriteFunc
	maxOpenBins int

	// binCount mirrors len(bins) so BinCount can be read from a metrics
	// scrape goroutine without racing the packer zone's single-threaded
	// mutation of bins itself.
	binCount atomic.Int64
}

// New constructs an empty packer with the given write callback and the
// default open-bin limit.
func New(write WriteFunc) *Packer {
	return &Packer{
		canceled:    newBin(0),
		write:       write,
		maxOpenBins: DefaultMaxOpenBins,
	}
}

// WithMaxOpenBins overrides the open-bin limit before any Add is called.
func (p *Packer) WithMaxOpenBins(n int) *Packer {
	if n > 0 {
		p.maxOpenBins = n
	}
	return p
}

// Closure is a bin that finished closing as a side effect of some other
// call (eviction, auto-close at max slots, or a generation flush). The
// caller is responsible for continuing every operation in Live past its
// packer phase; Agent is the one of them that actually performed (or
// failed) the write.
type Closure struct {
	Agent *vio.Operation
	Live  []*vio.Operation
}

// Add appends op (whose compressed fragment is already staged in
// op.CompressionBlock[:op.CompressionSize]) to the narrowest bin that
// fits it, creating and evicting bins as needed (§4.7 steps 1-4). It
// returns the bin and slot index op now occupies, plus any closures that
// happened as a side effect (an evicted bin, or this same bin if adding
// op filled it to vio.MaxCompressionSlots) — the caller must continue
// every operation named in those closures, op included if it appears
// there.
func (p *Packer) Add(op *vio.Operation) (bin *Bin, index int, closures []Closure) {
	size := op.CompressionSize
	vdoerrors.Assert(size > 0 && size < vio.IncompressibleSentinel, "Add called with incompressible fragment")

	sort.Slice(p.bins, func(i, j int) bool { return p.bins[i].freeSpace < p.bins[j].freeSpace })

	var target *Bin
	for _, b := range p.bins {
		if b.fits(size) {
			target = b
			break
		}
	}

	if target == nil {
		if len(p.bins) >= p.maxOpenBins {
			if c, ok := p.evictOldest(); ok {
				closures = append(closures, c)
			}
		}
		target = newBin(p.generation)
		p.bins = append(p.bins, target)
		p.binCount.Store(int64(len(p.bins)))
	}

	index = len(target.slots)
	target.slots = append(target.slots, &slot{op: op, size: size})
	target.freeSpace -= size
	p.modSeq++
	target.modifiedSeq = p.modSeq
	op.BinSlot = index

	logger.Debug("packer bin slot assigned", "slot", index, "bin_free_space", target.freeSpace, "fragment_count", len(target.slots))

	if len(target.slots) >= vio.MaxCompressionSlots {
		agent, live := p.Close(target)
		if agent != nil || live != nil {
			closures = append(closures, Closure{Agent: agent, Live: live})
		}
	}
	return target, index, closures
}

// evictOldest closes the least-recently-modified bin to make room for a
// new one (§4.7 step 3).
func (p *Packer) evictOldest() (Closure, bool) {
	if len(p.bins) == 0 {
		return Closure{}, false
	}
	oldest := 0
	for i, b := range p.bins {
		if b.modifiedSeq < p.bins[oldest].modifiedSeq {
			oldest = i
		}
	}
	agent, live := p.Close(p.bins[oldest])
	return Closure{Agent: agent, Live: live}, true
}

// Cancel removes op from its bin (e.g. its LBN lock was stolen, or it
// received a read-through) and parks it in the canceled bin, excluding
// its fragment from the eventual write (§4.7 step 7). If op was the
// bin's agent-to-be (slot 0, non-canceled), the next non-canceled slot
// is implicitly promoted when Close runs.
func (p *Packer) Cancel(bin *Bin, index int) {
	if index < 0 || index >= len(bin.slots) {
		return
	}
	bin.slots[index].canceled = true
	p.canceled.slots = append(p.canceled.slots, bin.slots[index])
	logger.Debug("packer slot canceled", "slot", index)
}

// Close flushes bin: the first non-canceled slot becomes the agent (the
// packer's "agent fragment always in slot 0" rule), every non-canceled
// slot's fragment is encoded into a v2 header block in packed order, and
// the agent writes that block out to its PBN on behalf of every slot
// (§4.7 steps 5-6, §6). Every live op's NewMapped.PBN is set to the
// agent's PBN, not only the agent's own: a follower's own preallocated
// PBN goes unused and is the caller's responsibility to release (its
// provisional reference must be decremented through the journal, same as
// any other abandoned provisional allocation). Canceled slots are skipped
// entirely. Close is a no-op if every slot in bin was canceled.
//
// Close returns the agent and the full set of live (non-canceled)
// operations the bin held, agent included, so the caller can finish each
// one's own journal/acknowledge path independently.
func (p *Packer) Close(bin *Bin) (agent *vio.Operation, live []*vio.Operation) {
	p.removeBin(bin)

	var liveSlots []*slot
	for _, s := range bin.slots {
		if !s.canceled {
			liveSlots = append(liveSlots, s)
		}
	}
	if len(liveSlots) == 0 {
		logger.Debug("packer bin closed with every slot canceled, nothing to write")
		return nil, nil
	}

	agent = liveSlots[0].op
	fragments := make([][]byte, len(liveSlots))
	live = make([]*vio.Operation, len(liveSlots))
	for i, s := range liveSlots {
		fragments[i] = s.op.CompressionBlock[:s.size]
		s.op.NewMapped.State = vio.MappingCompressedBase + vio.MappingState(i)
		live[i] = s.op
	}

	packed, err := blockformat.EncodeV2(fragments, blockformat.CompressionLZ4)
	if err != nil {
		for _, op := range live {
			op.Fail(err)
		}
		return agent, live
	}

	if p.write != nil {
		if err := p.write(agent.Allocation.PBN, packed); err != nil {
			for _, op := range live {
				op.Fail(err)
			}
			return agent, live
		}
	}

	for _, op := range live {
		op.NewMapped.PBN = agent.Allocation.PBN
	}
	logger.Debug("packer bin closed", "fragment_count", len(live))
	return agent, live
}

func (p *Packer) removeBin(bin *Bin) {
	for i, b := range p.bins {
		if b == bin {
			p.bins = append(p.bins[:i], p.bins[i+1:]...)
			p.binCount.Store(int64(len(p.bins)))
			return
		}
	}
}

// AdvanceGeneration bumps the flush generation (called on admin-state
// transitions). FlushGeneration drains every bin strictly older than the
// new generation before returning, honoring the quiescence contract for
// drain/suspend transitions (§4.7 "Flush generation"). The closures it
// reports are returned so the caller can continue each operation.
func (p *Packer) AdvanceGeneration() []Closure {
	p.generation++
	return p.FlushGeneration()
}

// FlushGeneration closes every bin whose generation predates the
// packer's current generation, returning a closure per bin closed so the
// caller can continue each operation past its packer phase.
func (p *Packer) FlushGeneration() []Closure {
	var stale []*Bin
	for _, b := range p.bins {
		if b.generation < p.generation {
			stale = append(stale, b)
		}
	}
	var closures []Closure
	for _, b := range stale {
		agent, live := p.Close(b)
		if agent != nil || live != nil {
			closures = append(closures, Closure{Agent: agent, Live: live})
		}
	}
	return closures
}

// BinCount returns how many open bins the packer currently holds. Safe to
// call concurrently with the packer zone's own goroutine (e.g. from a
// metrics scrape), unlike the rest of Packer's methods.
func (p *Packer) BinCount() int { return int(p.binCount.Load()) }
