package table

import (
	"errors"
	"fmt"

	"github.com/hupe1980/segtable/internal/segment"
)

var (
	// ErrClosed is returned for operations on a closed table.
	ErrClosed = errors.New("table: closed")
	// ErrInvalidArgument is returned for bad row ids, index ids and rows.
	ErrInvalidArgument = errors.New("table: invalid argument")
	// ErrNotFound is returned when an id refers to a deleted row.
	ErrNotFound = errors.New("table: row not found")
	// ErrCapacityExceeded is returned when rollover would exceed MaxSegments.
	ErrCapacityExceeded = errors.New("table: segment capacity exceeded")
	// ErrCorrupt is returned when the on-disk layout cannot be loaded.
	ErrCorrupt = errors.New("table: corrupt")
)

// DuplicateKeyError reports a unique index violation.
type DuplicateKeyError struct {
	Index string
	// Key is the offending key rendered as JSON.
	Key        string
	SegmentDir string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("table: duplicate key %s in index %q (segment %s)", e.Key, e.Index, e.SegmentDir)
}

func (e *DuplicateKeyError) Unwrap() error { return segment.ErrDuplicate }
