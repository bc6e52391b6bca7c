package logger

import (
	"log/slog"
)

// Standard field keys for structured logging across the data path.
// Use these keys consistently across all log statements so that log
// aggregation and querying stay stable as components change.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// ========================================================================
	// Zone dispatch
	// ========================================================================
	KeyZone     = "zone"     // Zone name currently executing the callback
	KeyPhase    = "phase"    // Operation phase tag (§3 Operation record)
	KeyPriority = "priority" // Dispatch priority of an enqueued callback

	// ========================================================================
	// Block addressing
	// ========================================================================
	KeyLBN        = "lbn"         // Logical block number
	KeyPBN        = "pbn"         // Physical block number
	KeyOldPBN     = "old_pbn"     // Prior physical block number (for mapping changes)
	KeyOffset     = "offset"      // Intra-block byte offset
	KeyIOKind     = "io_kind"     // read, write, read-modify-write, discard, flush
	KeyRecordName = "record_name" // 16-byte content hash, hex-encoded

	// ========================================================================
	// Locking
	// ========================================================================
	KeyLockKind  = "lock_kind"  // read, write, compressed-write, block-map-write
	KeyHolder    = "holder"     // operation ID currently holding a lock
	KeyWaiters   = "waiters"    // waiter-chain length at the moment of logging
	KeyRole      = "role"       // agent, follower, querier
	KeyProvision = "provision"  // provisional-reference bit state

	// ========================================================================
	// Compression / packing
	// ========================================================================
	KeyCompressedSize = "compressed_size"
	KeySlot           = "slot"
	KeyBinFreeSpace   = "bin_free_space"
	KeyFragmentCount  = "fragment_count"

	// ========================================================================
	// Dedupe
	// ========================================================================
	KeyDedupeHit = "dedupe_hit"
	KeyAdvisory  = "advisory"

	// ========================================================================
	// Journal
	// ========================================================================
	KeyJournalEntryKind = "journal_entry_kind"
	KeyJournalSlot      = "journal_slot"

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyError      = "error"       // Error message
	KeyErrorCode  = "error_code"  // Numeric error code
	KeyOpID       = "op_id"       // Debug-only operation identifier (uuid)
)

// TraceID returns a slog.Attr for the OpenTelemetry trace ID.
func TraceID(id string) slog.Attr { return slog.String(KeyTraceID, id) }

// SpanID returns a slog.Attr for the OpenTelemetry span ID.
func SpanID(id string) slog.Attr { return slog.String(KeySpanID, id) }

// Zone returns a slog.Attr naming the zone executing the current callback.
func Zone(name string) slog.Attr { return slog.String(KeyZone, name) }

// Phase returns a slog.Attr for the operation's current phase tag.
func Phase(phase string) slog.Attr { return slog.String(KeyPhase, phase) }

// Priority returns a slog.Attr for a callback's dispatch priority.
func Priority(p int) slog.Attr { return slog.Int(KeyPriority, p) }

// LBN returns a slog.Attr for a logical block number.
func LBN(lbn uint64) slog.Attr { return slog.Uint64(KeyLBN, lbn) }

// PBN returns a slog.Attr for a physical block number.
func PBN(pbn uint64) slog.Attr { return slog.Uint64(KeyPBN, pbn) }

// OldPBN returns a slog.Attr for a prior physical block number.
func OldPBN(pbn uint64) slog.Attr { return slog.Uint64(KeyOldPBN, pbn) }

// Offset returns a slog.Attr for an intra-block byte offset.
func Offset(off uint32) slog.Attr { return slog.Uint64(KeyOffset, uint64(off)) }

// IOKind returns a slog.Attr for the request kind.
func IOKind(kind string) slog.Attr { return slog.String(KeyIOKind, kind) }

// RecordName returns a slog.Attr for a hex-encoded content hash.
func RecordName(hex string) slog.Attr { return slog.String(KeyRecordName, hex) }

// LockKind returns a slog.Attr for a lock kind.
func LockKind(kind string) slog.Attr { return slog.String(KeyLockKind, kind) }

// Holder returns a slog.Attr for the operation ID holding a lock.
func Holder(id string) slog.Attr { return slog.String(KeyHolder, id) }

// Waiters returns a slog.Attr for a waiter-chain length.
func Waiters(n int) slog.Attr { return slog.Int(KeyWaiters, n) }

// Role returns a slog.Attr for a hash-lock/packer-bin role.
func Role(role string) slog.Attr { return slog.String(KeyRole, role) }

// Provisional returns a slog.Attr for the provisional-reference bit.
func Provisional(set bool) slog.Attr { return slog.Bool(KeyProvision, set) }

// CompressedSize returns a slog.Attr for a fragment's compressed size.
func CompressedSize(n int) slog.Attr { return slog.Int(KeyCompressedSize, n) }

// Slot returns a slog.Attr for a packer slot index.
func Slot(i int) slog.Attr { return slog.Int(KeySlot, i) }

// BinFreeSpace returns a slog.Attr for a packer bin's remaining free space.
func BinFreeSpace(n int) slog.Attr { return slog.Int(KeyBinFreeSpace, n) }

// FragmentCount returns a slog.Attr for the number of fragments in a bin.
func FragmentCount(n int) slog.Attr { return slog.Int(KeyFragmentCount, n) }

// DedupeHit returns a slog.Attr for a dedupe probe result.
func DedupeHit(hit bool) slog.Attr { return slog.Bool(KeyDedupeHit, hit) }

// Advisory returns a slog.Attr marking a result as advisory (unverified).
func Advisory(advisory bool) slog.Attr { return slog.Bool(KeyAdvisory, advisory) }

// JournalEntryKind returns a slog.Attr for a journal entry kind.
func JournalEntryKind(kind string) slog.Attr { return slog.String(KeyJournalEntryKind, kind) }

// JournalSlot returns a slog.Attr for a journal slot index.
func JournalSlot(n uint64) slog.Attr { return slog.Uint64(KeyJournalSlot, n) }

// DurationMs returns a slog.Attr for a duration in milliseconds.
func DurationMs(ms float64) slog.Attr { return slog.Float64(KeyDurationMs, ms) }

// Err returns a slog.Attr for an error, or a zero-value Attr if err is nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// ErrorCode returns a slog.Attr for a numeric error code.
func ErrorCode(code int) slog.Attr { return slog.Int(KeyErrorCode, code) }

// OpID returns a slog.Attr for a debug-only operation identifier.
func OpID(id string) slog.Attr { return slog.String(KeyOpID, id) }
