package segtable

import (
	"errors"
	"fmt"

	"github.com/hupe1980/segtable/internal/compress"
	"github.com/hupe1980/segtable/internal/hash"
	"github.com/hupe1980/segtable/internal/index"
	"github.com/hupe1980/segtable/internal/manifest"
	"github.com/hupe1980/segtable/internal/segment"
	"github.com/hupe1980/segtable/internal/storage"
	"github.com/hupe1980/segtable/internal/store"
	"github.com/hupe1980/segtable/internal/table"
	"github.com/hupe1980/segtable/schema"
)

var (
	// ErrDuplicate is matched by every unique index violation.
	ErrDuplicate = errors.New("duplicate key")

	// ErrInvalidArgument is returned for malformed ids, index ids, rows and
	// missing table directories or schemas.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound is returned when an id refers to a deleted row, or a backup
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrCorrupt is returned when persisted data fails validation.
	ErrCorrupt = errors.New("corrupt data")

	// ErrCapacityExceeded is returned when the segment limit is reached.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrClosed is returned for operations on a closed table.
	ErrClosed = errors.New("table closed")
)

// ErrDuplicateKey reports a unique index violation.
//
// errors.Is(err, ErrDuplicate) holds for every ErrDuplicateKey. The original
// underlying error can be accessed via errors.Unwrap.
type ErrDuplicateKey struct {
	// Index is the comma-joined field list of the violated index.
	Index string
	// Key is the conflicting key rendered as JSON.
	Key string
	// SegmentDir is the segment already holding the key.
	SegmentDir string
	cause      error
}

func (e *ErrDuplicateKey) Error() string {
	return fmt.Sprintf("duplicate key %s in index %q (segment %s)", e.Key, e.Index, e.SegmentDir)
}

func (e *ErrDuplicateKey) Unwrap() []error { return []error{ErrDuplicate, e.cause} }

func translateError(err error) error {
	if err == nil {
		return nil
	}

	var dk *table.DuplicateKeyError
	if errors.As(err, &dk) {
		return &ErrDuplicateKey{Index: dk.Index, Key: dk.Key, SegmentDir: dk.SegmentDir, cause: err}
	}
	if errors.Is(err, segment.ErrDuplicate) {
		return fmt.Errorf("%w: %w", ErrDuplicate, err)
	}

	if errors.Is(err, table.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	if errors.Is(err, table.ErrNotFound) ||
		errors.Is(err, storage.ErrNotFound) ||
		errors.Is(err, manifest.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if errors.Is(err, table.ErrCapacityExceeded) {
		return fmt.Errorf("%w: %w", ErrCapacityExceeded, err)
	}

	// Argument normalization.
	if errors.Is(err, table.ErrInvalidArgument) ||
		errors.Is(err, schema.ErrInvalidSchema) ||
		errors.Is(err, schema.ErrMalformedRow) ||
		errors.Is(err, compress.ErrUnknownCodec) ||
		errors.Is(err, storage.ErrUnknownBackend) {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	if errors.Is(err, table.ErrCorrupt) ||
		errors.Is(err, segment.ErrCorrupt) ||
		errors.Is(err, store.ErrCorrupt) ||
		errors.Is(err, index.ErrCorrupt) ||
		errors.Is(err, compress.ErrCorruptBlock) ||
		errors.Is(err, hash.ErrChecksumMismatch) ||
		errors.Is(err, manifest.ErrIncompatibleVersion) ||
		errors.Is(err, manifest.ErrCorrupt) {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	return err
}
