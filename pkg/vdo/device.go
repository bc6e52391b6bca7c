// Package vdo assembles the zone dispatcher, every per-zone component
// table, and the phase-continuation pipeline into a single runnable
// Device, wired from a config.Config.
package vdo

import (
	"context"
	"crypto/md5"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/marmos91/vdodedupe/internal/logger"
	"github.com/marmos91/vdodedupe/internal/telemetry"
	"github.com/marmos91/vdodedupe/pkg/ack"
	"github.com/marmos91/vdodedupe/pkg/allocator"
	"github.com/marmos91/vdodedupe/pkg/bio"
	"github.com/marmos91/vdodedupe/pkg/blockmap"
	"github.com/marmos91/vdodedupe/pkg/compressor"
	"github.com/marmos91/vdodedupe/pkg/config"
	"github.com/marmos91/vdodedupe/pkg/dedupe"
	"github.com/marmos91/vdodedupe/pkg/hashlock"
	"github.com/marmos91/vdodedupe/pkg/journal"
	"github.com/marmos91/vdodedupe/pkg/lbnlock"
	vdometrics "github.com/marmos91/vdodedupe/pkg/metrics/prometheus"
	"github.com/marmos91/vdodedupe/pkg/packer"
	"github.com/marmos91/vdodedupe/pkg/pbnlock"
	"github.com/marmos91/vdodedupe/pkg/pipeline"
	"github.com/marmos91/vdodedupe/pkg/refcount"
	"github.com/marmos91/vdodedupe/pkg/vio"
	"github.com/marmos91/vdodedupe/pkg/zone"
)

// Option customizes Open beyond what cfg itself carries.
type Option func(*openOptions)

type openOptions struct {
	registry prometheus.Registerer
}

// WithRegistry wires phase latency, dedupe hit rate, zone queue depth, and
// packer bin occupancy collectors into registry as this Device's zones
// start running. Omit it to run without instrumentation.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(o *openOptions) { o.registry = registry }
}

// Device is a running vdodedupe device: every zone's worker goroutine is
// live and ReadBlock, WriteBlock, WriteAt, Discard and Flush accept
// operations for it. Open a Device with Open and
// release its resources with Close once Stop has drained the dispatcher.
type Device struct {
	pipeline *pipeline.Pipeline
	device   bio.Device
	journal  journal.Gateway
	dedupe   *dedupe.BadgerIndex
	ack      *ack.Acknowledger

	blockCount uint64
}

// Open constructs every data-path component named by cfg, wires them into
// a Pipeline, and starts its zones running. The returned Device must be
// stopped with Stop and released with Close.
func Open(cfg *config.Config, opts ...Option) (*Device, error) {
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}

	blockCount := uint64(cfg.Device.Size) / vio.BlockSize
	if blockCount == 0 {
		return nil, fmt.Errorf("vdo: device size %d is smaller than one block", cfg.Device.Size)
	}

	dev, err := bio.NewFileDevice(cfg.Device.Path)
	if err != nil {
		return nil, fmt.Errorf("vdo: open backing device: %w", err)
	}

	jrnl, err := journal.NewMmapPersister(cfg.Journal.Path)
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("vdo: open journal: %w", err)
	}

	idx, err := dedupe.OpenBadgerIndex(cfg.Dedupe.Path)
	if err != nil {
		dev.Close()
		jrnl.Close()
		return nil, fmt.Errorf("vdo: open dedupe index: %w", err)
	}

	zoneCfg := zone.Config{
		LogicalZones:  cfg.Zones.Logical,
		PhysicalZones: cfg.Zones.Physical,
		HashZones:     cfg.Zones.Hash,
		CPUZones:      cfg.Zones.CPU,
		QueueDepth:    cfg.Zones.QueueDepth,
	}

	alloc := allocator.New(blockCount)
	refs := refcount.New(alloc.Free)
	ackr := ack.New()
	blockMap := blockmap.NewMemoryMap(blockCount)

	lbnLocks := make([]*lbnlock.Table, zoneCfg.LogicalZones)
	for i := range lbnLocks {
		lbnLocks[i] = lbnlock.New(fmt.Sprintf("logical-%d", i))
	}
	pbnLocks := make([]*pbnlock.Table, zoneCfg.PhysicalZones)
	for i := range pbnLocks {
		pbnLocks[i] = pbnlock.New(fmt.Sprintf("physical-%d", i))
	}
	hashLocks := make([]*hashlock.Table, zoneCfg.HashZones)
	for i := range hashLocks {
		hashLocks[i] = hashlock.New(fmt.Sprintf("hash-%d", i))
	}
	compress := make([]*compressor.Context, zoneCfg.CPUZones)
	for i := range compress {
		compress[i] = compressor.NewContext()
	}

	pk := packer.New(func(pbn uint64, block [vio.BlockSize]byte) error {
		return dev.WriteBlock(context.Background(), pbn, block)
	}).WithMaxOpenBins(cfg.Packer.MaxOpenBins)

	dispatcher := zone.NewDispatcher(zoneCfg)

	var instrumentation pipeline.Instrumentation
	if o.registry != nil {
		m := vdometrics.NewMetrics(o.registry)
		o.registry.MustRegister(vdometrics.NewZoneCollector(dispatcher), vdometrics.NewPackerCollector(pk))
		instrumentation = m
	}

	p, err := pipeline.New(zoneCfg, pipeline.Deps{
		Dispatcher:      dispatcher,
		LBNLocks:        lbnLocks,
		PBNLocks:        pbnLocks,
		HashLocks:       hashLocks,
		Compress:        compress,
		Referencer:      refs,
		Allocator:       alloc,
		BlockMap:        blockMap,
		Dedupe:          idx,
		Journal:         jrnl,
		Device:          dev,
		Ack:             ackr,
		Packer:          pk,
		Instrumentation: instrumentation,
	})
	if err != nil {
		dev.Close()
		jrnl.Close()
		idx.Close()
		return nil, fmt.Errorf("vdo: construct pipeline: %w", err)
	}

	p.Start()
	logger.Info("device started", "path", cfg.Device.Path)

	return &Device{
		pipeline:   p,
		device:     dev,
		journal:    jrnl,
		dedupe:     idx,
		ack:        ackr,
		blockCount: blockCount,
	}, nil
}

// Stop drains every zone and stops the dispatcher. The Device must not be
// submitted to again afterward.
func (d *Device) Stop() {
	d.pipeline.Stop()
}

// Close releases the backing device, journal, and dedupe index. Call
// after Stop.
func (d *Device) Close() error {
	var firstErr error
	if err := d.device.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.journal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.dedupe.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// BlockCount returns the device's logical/physical block capacity.
func (d *Device) BlockCount() uint64 { return d.blockCount }

// recordName hashes content to the 16-byte identifier the dedupe index
// and hash-lock table key on. The original VDO murmur/lz4-derived naming
// is out of scope (§ Non-goals); this stand-in only needs collision
// resistance for the same content producing the same name.
func recordName(content [vio.BlockSize]byte) [16]byte {
	return md5.Sum(content[:])
}

func (d *Device) submit(ctx context.Context, op *vio.Operation) ack.Result {
	ctx, span := telemetry.StartOperationSpan(ctx, operationSpanName(op.Kind), op.ID, op.LBN, telemetry.IOKind(op.Kind.String()))
	defer span.End()

	resultCh := make(chan ack.Result, 1)
	op.Ctx = ctx
	d.pipeline.Submit(op, func(r ack.Result) { resultCh <- r })
	res := <-resultCh
	if res.Err != nil {
		span.RecordError(res.Err)
	}
	return res
}

func operationSpanName(kind vio.IOKind) string {
	switch kind {
	case vio.IOKindWrite, vio.IOKindReadModifyWrite:
		return telemetry.SpanWrite
	case vio.IOKindDiscard:
		return telemetry.SpanDiscard
	case vio.IOKindFlush:
		return telemetry.SpanFlush
	default:
		return telemetry.SpanRead
	}
}

// ReadBlock returns the content currently mapped at lbn, zero-filled if
// lbn has never been written.
func (d *Device) ReadBlock(ctx context.Context, id string, lbn uint64) ([vio.BlockSize]byte, error) {
	op := vio.NewOperation(id, lbn, vio.IOKindRead)
	res := d.submit(ctx, op)
	if res.Err != nil {
		var zero [vio.BlockSize]byte
		return zero, res.Err
	}
	return op.StagingBlock, nil
}

// WriteBlock durably maps lbn to content, deduplicating or compressing it
// where possible. Reports whether the write landed on existing content
// via a dedupe hit.
func (d *Device) WriteBlock(ctx context.Context, id string, lbn uint64, content [vio.BlockSize]byte) (duplicate bool, err error) {
	op := vio.NewOperation(id, lbn, vio.IOKindWrite)
	op.StagingBlock = content
	op.RecordName = recordName(content)
	op.IsZeroBlock = content == [vio.BlockSize]byte{}

	res := d.submit(ctx, op)
	return res.Advisory, res.Err
}

// Discard unmaps length bytes starting offset bytes into lbn's block,
// releasing the reference on whatever physical block was previously mapped
// there. A discard covering the entire block (offset 0, length at least
// BlockSize) unmaps the LBN outright; anything less reads the prior block
// and zeroes just the requested subrange (§3 invariant 5).
func (d *Device) Discard(ctx context.Context, id string, lbn uint64, offset, length uint64) error {
	if offset >= vio.BlockSize {
		return fmt.Errorf("vdo: discard offset %d exceeds block size %d", offset, vio.BlockSize)
	}
	if offset != 0 && offset+length > vio.BlockSize {
		return fmt.Errorf("vdo: sub-block discard [%d,%d) exceeds block size %d", offset, offset+length, vio.BlockSize)
	}

	op := vio.NewOperation(id, lbn, vio.IOKindDiscard)
	op.Offset = uint32(offset)
	op.RemainingDiscard = length
	res := d.submit(ctx, op)
	return res.Err
}

// WriteAt durably writes content into the byteOffset..byteOffset+len(content)
// range of the device, read-modify-writing the single block it falls within
// (§3's offset/length data model). The range must be sector-aligned and
// fall entirely within one block; spanning multiple blocks is rejected, as
// is byteOffset or content landing outside the device's addressable range.
func (d *Device) WriteAt(ctx context.Context, id string, byteOffset uint64, content []byte) error {
	if len(content) == 0 {
		return fmt.Errorf("vdo: WriteAt called with empty content")
	}
	if !vio.SectorAligned(byteOffset) {
		return fmt.Errorf("vdo: byte offset %d is not sector-aligned", byteOffset)
	}

	startBlock, endBlock := vio.Range(byteOffset, uint64(len(content)))
	if startBlock != endBlock {
		return fmt.Errorf("vdo: WriteAt range [%d,%d) spans more than one block", byteOffset, byteOffset+uint64(len(content)))
	}
	if startBlock >= d.blockCount {
		return fmt.Errorf("vdo: WriteAt offset %d is beyond the device's %d blocks", byteOffset, d.blockCount)
	}

	blockStart, blockEnd := vio.Bounds(startBlock)
	if byteOffset+uint64(len(content)) > blockEnd {
		return fmt.Errorf("vdo: WriteAt range [%d,%d) exceeds block bounds [%d,%d)", byteOffset, byteOffset+uint64(len(content)), blockStart, blockEnd)
	}

	op := vio.NewOperation(id, startBlock, vio.IOKindReadModifyWrite)
	op.Offset = vio.OffsetInBlock(byteOffset)
	op.Length = uint32(len(content))
	copy(op.StagingBlock[op.Offset:], content)

	res := d.submit(ctx, op)
	return res.Err
}

// Flush forces the backing device's write-back cache to durable storage.
func (d *Device) Flush(ctx context.Context, id string) error {
	op := vio.NewOperation(id, 0, vio.IOKindFlush)
	res := d.submit(ctx, op)
	return res.Err
}

// Pending reports how many operations are currently in flight, for
// shutdown quiescence checks.
func (d *Device) Pending() int {
	return d.ack.Pending()
}
