// Package bio is the physical backing device contract: a flat address
// space of vio.BlockSize blocks addressed by PBN, submitted to from the
// bio-submit zone and completed back through the bio-ack zone (§2, §6).
// Fragmenting larger block-device requests into 4 KiB operations happens
// upstream of this package; it only ever sees whole blocks.
package bio

import (
	"context"

	"github.com/marmos91/vdodedupe/pkg/vio"
)

// Device is the physical backing store every PBN ultimately resolves
// against. Implementations need not be safe for concurrent use by more
// than one physical zone at a time per PBN (§5's "zone affinity" model
// already serializes access), but must be safe across zones.
type Device interface {
	ReadBlock(ctx context.Context, pbn uint64) ([vio.BlockSize]byte, error)
	WriteBlock(ctx context.Context, pbn uint64, block [vio.BlockSize]byte) error
	Flush(ctx context.Context) error
	Close() error
}
