// Package blockformat encodes and decodes the on-disk compressed-block
// header (§6): a fixed-slot-count header describing where each packed
// fragment's bytes begin within the 4 KiB block, followed by the
// fragments themselves concatenated in slot order.
package blockformat

import (
	"encoding/binary"

	"github.com/marmos91/vdodedupe/internal/vdoerrors"
	"github.com/marmos91/vdodedupe/pkg/vio"
)

// CompressionType identifies the codec used for every fragment in a v2
// header. v1 headers carry no type byte and are implicitly LZ4.
type CompressionType uint8

const (
	CompressionNone CompressionType = 0
	CompressionLZ4  CompressionType = 1
)

const (
	v1HeaderSize = 4 + 4 + vio.MaxCompressionSlots*2
	v2HeaderSize = v1HeaderSize + 1

	sizesOffset = 8
)

// HeaderSizeV2 is the fixed number of header bytes a v2-encoded block
// spends before its fragment data area begins; callers bin-packing
// fragments budget against vio.BlockSize - HeaderSizeV2.
const HeaderSizeV2 = v2HeaderSize

// Header is the decoded form of a compressed block's header.
type Header struct {
	MajorVersion uint32
	MinorVersion uint32
	Sizes        [vio.MaxCompressionSlots]uint16
	Type         CompressionType

	dataAreaOffset int
}

// EncodeV2 packs fragments (already compressed, in slot order) into a
// full vio.BlockSize block with a v2 header. len(fragments) must be <=
// vio.MaxCompressionSlots and the fragments' total size plus the header
// must fit within vio.BlockSize.
func EncodeV2(fragments [][]byte, compType CompressionType) ([vio.BlockSize]byte, error) {
	var block [vio.BlockSize]byte
	vdoerrors.Assert(len(fragments) <= vio.MaxCompressionSlots, "too many fragments for one compressed block")

	binary.LittleEndian.PutUint32(block[0:4], 2)
	binary.LittleEndian.PutUint32(block[4:8], 0)

	offset := v2HeaderSize
	for i, frag := range fragments {
		binary.LittleEndian.PutUint16(block[sizesOffset+i*2:], uint16(len(frag)))
		if offset+len(frag) > vio.BlockSize {
			return block, vdoerrors.ErrInvalidFragment
		}
		copy(block[offset:], frag)
		offset += len(frag)
	}
	block[sizesOffset+vio.MaxCompressionSlots*2] = byte(compType)

	return block, nil
}

// DecodeV2 parses a v2 header (with an explicit compression type byte).
func DecodeV2(block []byte) (*Header, error) {
	return decode(block, true)
}

// DecodeV1 parses a v1 header (no type byte; compression type is
// implicitly LZ4).
func DecodeV1(block []byte) (*Header, error) {
	return decode(block, false)
}

func decode(block []byte, hasType bool) (*Header, error) {
	minSize := v1HeaderSize
	if hasType {
		minSize = v2HeaderSize
	}
	if len(block) < minSize {
		return nil, vdoerrors.ErrInvalidFragment
	}

	h := &Header{
		MajorVersion: binary.LittleEndian.Uint32(block[0:4]),
		MinorVersion: binary.LittleEndian.Uint32(block[4:8]),
	}
	for i := 0; i < vio.MaxCompressionSlots; i++ {
		h.Sizes[i] = binary.LittleEndian.Uint16(block[sizesOffset+i*2:])
	}

	if hasType {
		h.Type = CompressionType(block[sizesOffset+vio.MaxCompressionSlots*2])
		h.dataAreaOffset = v2HeaderSize
	} else {
		h.Type = CompressionLZ4
		h.dataAreaOffset = v1HeaderSize
	}

	return h, nil
}

// Fragment returns the byte range of slot's fragment within block's data
// area. It fails with ErrInvalidFragment if the fragment would run past
// the block.
func (h *Header) Fragment(block []byte, slot int) ([]byte, error) {
	vdoerrors.Assert(slot >= 0 && slot < vio.MaxCompressionSlots, "fragment slot out of range")

	start := h.dataAreaOffset
	for i := 0; i < slot; i++ {
		start += int(h.Sizes[i])
	}
	end := start + int(h.Sizes[slot])
	if end > len(block) || end > vio.BlockSize {
		return nil, vdoerrors.ErrInvalidFragment
	}
	return block[start:end], nil
}
