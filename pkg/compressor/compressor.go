// Package compressor implements the per-CPU-zone block compressor (C7).
// It runs on a CPU zone with per-thread scratch state, since the
// underlying codec is not safe to share across concurrent callers.
package compressor

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/lz4"

	"github.com/marmos91/vdodedupe/internal/vdoerrors"
	"github.com/marmos91/vdodedupe/pkg/vio"
)

// HeaderSize is the per-fragment overhead reserved when deciding whether
// a compressed fragment is worth packing (§4.6: "≥ 4096 − header").
const HeaderSize = 8

// Context is per-goroutine compressor scratch state. One Context must
// exist per CPU-zone worker; it is not safe to share across goroutines.
type Context struct {
	writer *lz4.Writer
	buf    bytes.Buffer
}

// NewContext constructs scratch state for one CPU-zone worker.
func NewContext() *Context {
	c := &Context{}
	c.writer = lz4.NewWriter(&c.buf)
	return c
}

// Compress reads op.StagingBlock and fills op.CompressionBlock with the
// compressed fragment, setting op.CompressionSize to its length. If the
// compressor produces a fragment of zero bytes or one that would not
// beat leaving the block uncompressed (≥ BlockSize − HeaderSize),
// CompressionSize is set to vio.IncompressibleSentinel instead (§4.6).
func (c *Context) Compress(op *vio.Operation) {
	c.buf.Reset()
	c.writer.Reset(&c.buf)

	if _, err := c.writer.Write(op.StagingBlock[:]); err != nil {
		op.CompressionSize = vio.IncompressibleSentinel
		return
	}
	if err := c.writer.Close(); err != nil {
		op.CompressionSize = vio.IncompressibleSentinel
		return
	}

	n := c.buf.Len()
	if n <= 0 || n >= vio.BlockSize-HeaderSize {
		op.CompressionSize = vio.IncompressibleSentinel
		return
	}

	copy(op.CompressionBlock[:n], c.buf.Bytes())
	op.CompressionSize = n
}

// Decompress is the inverse of Compress: it decodes src into dst and
// fails with vdoerrors.ErrInvalidFragment if the decoded length does not
// equal exactly vio.BlockSize.
func Decompress(src []byte, dst *[vio.BlockSize]byte) error {
	reader := lz4.NewReader(bytes.NewReader(src))
	n, err := io.ReadFull(reader, dst[:])
	if n != vio.BlockSize || (err != nil && err != io.EOF && err != io.ErrUnexpectedEOF) {
		return vdoerrors.ErrInvalidFragment
	}
	var extra [1]byte
	if m, _ := reader.Read(extra[:]); m > 0 {
		return vdoerrors.ErrInvalidFragment
	}
	return nil
}
