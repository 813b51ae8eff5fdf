package mmap

import "errors"

// Hint tells the kernel how a readonly segment file is going to be read.
type Hint uint8

const (
	// HintNone leaves the kernel's readahead policy alone.
	HintNone Hint = iota
	// HintPointReads suits files probed at scattered offsets: sorted index
	// lookups and single-row reads from store parts. Readahead is turned off.
	HintPointReads
	// HintScan suits files read front to back, such as blobs streamed out
	// by a backup or restore.
	HintScan
	// HintRelease says the pages will not be read again soon.
	HintRelease
)

func (h Hint) String() string {
	switch h {
	case HintPointReads:
		return "point-reads"
	case HintScan:
		return "scan"
	case HintRelease:
		return "release"
	}
	return "none"
}

var (
	// ErrClosed is returned by reads on a closed mapping.
	ErrClosed = errors.New("mmap: mapping is closed")
	// ErrInvalidSize is returned for files too large to map on this platform.
	ErrInvalidSize = errors.New("mmap: invalid file size")
	// ErrOutOfBounds is returned by Slice for ranges past the end of the file.
	ErrOutOfBounds = errors.New("mmap: out of bounds")
	// ErrInvalidOffset is returned by ReadAt for negative offsets.
	ErrInvalidOffset = errors.New("mmap: invalid offset")
)
