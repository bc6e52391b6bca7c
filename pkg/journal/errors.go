package journal

import "errors"

// Journal errors
var (
	// ErrClosed is returned by any call made after Close.
	ErrClosed = errors.New("journal: gateway closed")

	// ErrCorrupted is returned when Replay encounters a record whose
	// checksum does not match its contents.
	ErrCorrupted = errors.New("journal: corrupted record")

	// ErrVersionMismatch is returned when an existing journal file's
	// header carries a version this build does not understand.
	ErrVersionMismatch = errors.New("journal: version mismatch")

	// ErrUnsupportedPlatform is returned by the mmap-backed gateway on
	// platforms without a POSIX mmap implementation.
	ErrUnsupportedPlatform = errors.New("journal: mmap persistence unsupported on this platform")
)
