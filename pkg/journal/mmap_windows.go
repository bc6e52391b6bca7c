//go:build windows

// mmap_windows.go stubs journal persistence on Windows, where this
// package's POSIX mmap/msync calls are unavailable.
package journal

// MmapPersister is not supported on Windows.
type MmapPersister struct{}

var _ Gateway = (*MmapPersister)(nil)

// NewMmapPersister always fails on Windows.
func NewMmapPersister(_ string) (*MmapPersister, error) {
	return nil, ErrUnsupportedPlatform
}

func (p *MmapPersister) Commit(_ []Entry, cb CommitCallback) {
	cb(0, ErrUnsupportedPlatform)
}

func (p *MmapPersister) Replay() ([]Entry, error) {
	return nil, ErrUnsupportedPlatform
}

func (p *MmapPersister) Close() error {
	return nil
}
