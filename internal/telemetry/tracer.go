package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for data-path spans.
const (
	AttrOpID       = "vdo.op_id"
	AttrIOKind     = "vdo.io_kind"
	AttrLBN        = "vdo.lbn"
	AttrPBN        = "vdo.pbn"
	AttrZone       = "vdo.zone"
	AttrPhase      = "vdo.phase"
	AttrRecordName = "vdo.record_name"
	AttrDedupeHit  = "vdo.dedupe_hit"
	AttrCompressed = "vdo.compressed"
	AttrBinSlot    = "vdo.bin_slot"
	AttrDiscardLen = "vdo.discard_length"
	AttrErrorCode  = "vdo.error_code"
)

// Span names for data-path operations.
const (
	SpanRead    = "vdo.read"
	SpanWrite   = "vdo.write"
	SpanDiscard = "vdo.discard"
	SpanFlush   = "vdo.flush"

	SpanDedupeQuery  = "vdo.dedupe.query"
	SpanDedupeVerify = "vdo.dedupe.verify"
	SpanCompress     = "vdo.compress"
	SpanDecompress   = "vdo.decompress"
	SpanPack         = "vdo.pack"
	SpanJournalWrite = "vdo.journal.write"
)

// OpID returns an attribute for a data-path operation's identifier.
func OpID(id string) attribute.KeyValue { return attribute.String(AttrOpID, id) }

// IOKind returns an attribute for the kind of I/O a span covers.
func IOKind(kind string) attribute.KeyValue { return attribute.String(AttrIOKind, kind) }

// LBN returns an attribute for a logical block number.
func LBN(lbn uint64) attribute.KeyValue { return attribute.Int64(AttrLBN, int64(lbn)) }

// PBN returns an attribute for a physical block number.
func PBN(pbn uint64) attribute.KeyValue { return attribute.Int64(AttrPBN, int64(pbn)) }

// Zone returns an attribute naming the zone a span's work ran on.
func Zone(id string) attribute.KeyValue { return attribute.String(AttrZone, id) }

// Phase returns an attribute for a pipeline phase tag.
func Phase(phase string) attribute.KeyValue { return attribute.String(AttrPhase, phase) }

// RecordName returns an attribute for a hex-encoded content hash.
func RecordName(name string) attribute.KeyValue { return attribute.String(AttrRecordName, name) }

// DedupeHit returns an attribute reporting whether a dedupe probe hit.
func DedupeHit(hit bool) attribute.KeyValue { return attribute.Bool(AttrDedupeHit, hit) }

// Compressed returns an attribute reporting whether a fragment compressed
// below the incompressible sentinel.
func Compressed(compressed bool) attribute.KeyValue {
	return attribute.Bool(AttrCompressed, compressed)
}

// BinSlot returns an attribute for a packer bin slot index.
func BinSlot(slot int) attribute.KeyValue { return attribute.Int(AttrBinSlot, slot) }

// DiscardLength returns an attribute for a discard's byte length.
func DiscardLength(length uint64) attribute.KeyValue {
	return attribute.Int64(AttrDiscardLen, int64(length))
}

// ErrorCode returns an attribute for a data-path error's numeric code.
func ErrorCode(code int) attribute.KeyValue { return attribute.Int(AttrErrorCode, code) }

// StartOperationSpan starts the root span covering one Device call
// (ReadBlock/WriteBlock/Discard/Flush) from submission to acknowledgment.
func StartOperationSpan(ctx context.Context, spanName, opID string, lbn uint64, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := append([]attribute.KeyValue{OpID(opID), LBN(lbn)}, attrs...)
	return StartSpan(ctx, spanName, trace.WithAttributes(allAttrs...))
}

// StartPhaseSpan starts a child span for a single pipeline phase running on
// the named zone.
func StartPhaseSpan(ctx context.Context, phase, zoneID string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("vdo.phase.%s", phase), trace.WithAttributes(Phase(phase), Zone(zoneID)))
}
