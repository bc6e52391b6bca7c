package bio

import (
	"context"
	"sync"

	"github.com/marmos91/vdodedupe/pkg/vio"
)

// MemoryDevice is an in-memory Device for tests; unwritten PBNs read as
// zero-filled blocks.
type MemoryDevice struct {
	mu     sync.RWMutex
	blocks map[uint64][vio.BlockSize]byte
	closed bool
}

// NewMemoryDevice constructs an empty in-memory device.
func NewMemoryDevice() *MemoryDevice {
	return &MemoryDevice{blocks: make(map[uint64][vio.BlockSize]byte)}
}

func (d *MemoryDevice) ReadBlock(ctx context.Context, pbn uint64) ([vio.BlockSize]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return [vio.BlockSize]byte{}, ErrDeviceClosed
	}
	return d.blocks[pbn], nil
}

func (d *MemoryDevice) WriteBlock(ctx context.Context, pbn uint64, block [vio.BlockSize]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceClosed
	}
	d.blocks[pbn] = block
	return nil
}

func (d *MemoryDevice) Flush(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDeviceClosed
	}
	return nil
}

func (d *MemoryDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// BlockCount returns how many distinct PBNs have been written, for
// tests asserting on device occupancy.
func (d *MemoryDevice) BlockCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.blocks)
}

var _ Device = (*MemoryDevice)(nil)
