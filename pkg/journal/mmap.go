//go:build !windows

// mmap.go provides memory-mapped file backing for the journal gateway.
//
// Each Commit call appends one or more fixed-size records to an
// append-only log and msyncs them before invoking the caller's
// callback, so a committed slot is guaranteed durable by the time the
// acknowledger runs.
//
// File format:
//
//	Header (64 bytes):
//	  - Magic: "VDOJ" (4 bytes)
//	  - Version: uint16 (2 bytes)
//	  - Entry count: uint32 (4 bytes)
//	  - Next write offset: uint64 (8 bytes)
//	  - Reserved: 46 bytes
//
//	Records (fixed 32 bytes each):
//	  - Slot: uint64 (8 bytes)
//	  - Kind: uint8 (1 byte)
//	  - State: uint8 (1 byte)
//	  - Reserved: uint16 (2 bytes)
//	  - LBN: uint64 (8 bytes)
//	  - PBN: uint64 (8 bytes)
//	  - CRC32: uint32 (4 bytes)
//
// Recovery replays every record in slot order.
package journal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/marmos91/vdodedupe/pkg/vio"
)

const (
	mmapMagic        = "VDOJ"
	mmapVersion      = uint16(1)
	mmapHeaderSize   = 64
	mmapInitialSize  = 16 * 1024 * 1024
	mmapGrowthFactor = 2

	recordSize = 32
)

const (
	headerOffsetMagic      = 0
	headerOffsetVersion    = 4
	headerOffsetEntryCount = 6
	headerOffsetNextOffset = 10
)

type mmapHeader struct {
	Magic      [4]byte
	Version    uint16
	EntryCount uint32
	NextOffset uint64
}

// MmapPersister is the mmap-backed reference implementation of Gateway.
type MmapPersister struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	data   []byte
	size   uint64
	header *mmapHeader
	closed bool

	nextSlot uint64
}

var _ Gateway = (*MmapPersister)(nil)

// NewMmapPersister opens or creates a journal file under dir.
func NewMmapPersister(dir string) (*MmapPersister, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	p := &MmapPersister{path: dir}
	if err := p.init(); err != nil {
		return nil, fmt.Errorf("init journal: %w", err)
	}
	return p, nil
}

func (p *MmapPersister) init() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	filePath := filepath.Join(p.path, "journal.dat")
	if _, err := os.Stat(filePath); err == nil {
		return p.openExisting(filePath)
	}
	return p.createNew(filePath)
}

func (p *MmapPersister) createNew(filePath string) error {
	f, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}

	if err := f.Truncate(int64(mmapInitialSize)); err != nil {
		f.Close()
		return fmt.Errorf("truncate file: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, mmapInitialSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return fmt.Errorf("mmap: %w", err)
	}

	p.file = f
	p.data = data
	p.size = mmapInitialSize
	p.header = &mmapHeader{Version: mmapVersion, NextOffset: mmapHeaderSize}
	copy(p.header.Magic[:], mmapMagic)
	p.writeHeader()

	return nil
}

func (p *MmapPersister) openExisting(filePath string) error {
	f, err := os.OpenFile(filePath, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat file: %w", err)
	}

	size := uint64(info.Size())
	if size < mmapHeaderSize {
		f.Close()
		return ErrCorrupted
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return fmt.Errorf("mmap: %w", err)
	}

	p.file = f
	p.data = data
	p.size = size

	header := &mmapHeader{}
	copy(header.Magic[:], data[headerOffsetMagic:headerOffsetVersion])
	header.Version = binary.LittleEndian.Uint16(data[headerOffsetVersion:headerOffsetEntryCount])
	header.EntryCount = binary.LittleEndian.Uint32(data[headerOffsetEntryCount:headerOffsetNextOffset])
	header.NextOffset = binary.LittleEndian.Uint64(data[headerOffsetNextOffset:])

	if string(header.Magic[:]) != mmapMagic {
		p.closeLocked()
		return ErrCorrupted
	}
	if header.Version != mmapVersion {
		p.closeLocked()
		return ErrVersionMismatch
	}

	p.header = header
	// Slots can hold several entries, so the next slot follows the last
	// record's slot rather than the entry count.
	if header.NextOffset >= mmapHeaderSize+recordSize && header.NextOffset <= size {
		last := header.NextOffset - recordSize
		p.nextSlot = binary.LittleEndian.Uint64(data[last:last+8]) + 1
	}

	return nil
}

// Commit appends entries as one journal slot and msyncs them before
// invoking cb. Entries within a slot are replayed in the order given.
func (p *MmapPersister) Commit(entries []Entry, cb CommitCallback) {
	p.mu.Lock()
	slot, err := p.commitLocked(entries)
	p.mu.Unlock()
	cb(slot, err)
}

func (p *MmapPersister) commitLocked(entries []Entry) (uint64, error) {
	if p.closed {
		return 0, ErrClosed
	}

	needed := uint64(len(entries)) * recordSize
	if err := p.ensureSpace(needed); err != nil {
		return 0, err
	}

	slot := p.nextSlot
	offset := p.header.NextOffset
	for _, e := range entries {
		encodeRecord(p.data[offset:offset+recordSize], slot, e)
		offset += recordSize
	}

	p.header.NextOffset = offset
	p.header.EntryCount += uint32(len(entries))
	p.writeHeader()
	if err := unix.Msync(p.data, unix.MS_SYNC); err != nil {
		return 0, fmt.Errorf("msync: %w", err)
	}

	p.nextSlot++
	return slot, nil
}

// Replay returns every committed entry in slot order.
func (p *MmapPersister) Replay() ([]Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}

	var entries []Entry
	for offset := uint64(mmapHeaderSize); offset < p.header.NextOffset; offset += recordSize {
		if offset+recordSize > p.size {
			return nil, ErrCorrupted
		}
		_, e, err := decodeRecord(p.data[offset : offset+recordSize])
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func encodeRecord(buf []byte, slot uint64, e Entry) {
	binary.LittleEndian.PutUint64(buf[0:8], slot)
	buf[8] = byte(e.Kind)
	buf[9] = byte(e.State)
	binary.LittleEndian.PutUint16(buf[10:12], 0)
	binary.LittleEndian.PutUint64(buf[12:20], e.LBN)
	binary.LittleEndian.PutUint64(buf[20:28], e.PBN)
	binary.LittleEndian.PutUint32(buf[28:32], crc32.ChecksumIEEE(buf[0:28]))
}

func decodeRecord(buf []byte) (uint64, Entry, error) {
	sum := crc32.ChecksumIEEE(buf[0:28])
	if binary.LittleEndian.Uint32(buf[28:32]) != sum {
		return 0, Entry{}, ErrCorrupted
	}
	slot := binary.LittleEndian.Uint64(buf[0:8])
	e := Entry{
		Kind:  EntryKind(buf[8]),
		State: vio.MappingState(buf[9]),
		LBN:   binary.LittleEndian.Uint64(buf[12:20]),
		PBN:   binary.LittleEndian.Uint64(buf[20:28]),
	}
	return slot, e, nil
}

func (p *MmapPersister) writeHeader() {
	copy(p.data[headerOffsetMagic:], p.header.Magic[:])
	binary.LittleEndian.PutUint16(p.data[headerOffsetVersion:], p.header.Version)
	binary.LittleEndian.PutUint32(p.data[headerOffsetEntryCount:], p.header.EntryCount)
	binary.LittleEndian.PutUint64(p.data[headerOffsetNextOffset:], p.header.NextOffset)
}

func (p *MmapPersister) ensureSpace(needed uint64) error {
	if p.header.NextOffset+needed <= p.size {
		return nil
	}

	newSize := p.size * mmapGrowthFactor
	for p.header.NextOffset+needed > newSize {
		newSize *= mmapGrowthFactor
	}

	if err := unix.Munmap(p.data); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	if err := p.file.Truncate(int64(newSize)); err != nil {
		return fmt.Errorf("truncate: %w", err)
	}

	data, err := unix.Mmap(int(p.file.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap: %w", err)
	}

	p.data = data
	p.size = newSize
	return nil
}

// Close releases resources held by the persister.
func (p *MmapPersister) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked()
}

func (p *MmapPersister) closeLocked() error {
	if p.closed {
		return nil
	}
	p.closed = true

	if p.data != nil {
		_ = unix.Msync(p.data, unix.MS_SYNC)
		if err := unix.Munmap(p.data); err != nil {
			return fmt.Errorf("munmap: %w", err)
		}
		p.data = nil
	}
	if p.file != nil {
		if err := p.file.Close(); err != nil {
			return fmt.Errorf("close file: %w", err)
		}
		p.file = nil
	}
	return nil
}
