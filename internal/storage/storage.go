package storage

import "errors"

var (
	// ErrNotFound is returned for ids that hold no row.
	ErrNotFound = errors.New("storage: row not found")
	// ErrReadOnly is returned when mutating an immutable backend.
	ErrReadOnly = errors.New("storage: read only")
	// ErrUnknownBackend is returned by the registry for unregistered names.
	ErrUnknownBackend = errors.New("storage: unknown backend")
)

// SortOrder is the iteration order an index guarantees.
type SortOrder int

const (
	Ascending SortOrder = iota
	Descending
	Unordered
)

func (o SortOrder) String() string {
	switch o {
	case Ascending:
		return "ascending"
	case Descending:
		return "descending"
	default:
		return "unordered"
	}
}

// ReadableStore maps local row ids to encoded rows.
type ReadableStore interface {
	NumDataRows() int64
	DataStorageSize() int64
	// GetValueAppend appends the row stored under id to dst.
	GetValueAppend(id int64, dst []byte) ([]byte, error)
	NewStoreIterForward() StoreIterator
	NewStoreIterBackward() StoreIterator
}

// WritableStore is a mutable ReadableStore.
type WritableStore interface {
	ReadableStore
	// Append stores row under the next id and returns it.
	Append(row []byte) (int64, error)
	Replace(id int64, row []byte) error
	// Remove drops the row. Removing the last row shrinks the store.
	Remove(id int64) error
	Clear() error
	Flush() error
	Save(path string) error
}

// StoreIterator walks a store in id order.
type StoreIterator interface {
	// Next returns the next row. The value is only valid until the next call.
	Next() (id int64, val []byte, ok bool)
	// Seek positions the iterator so that Next returns the first row at or
	// after id (forward) or at or before id (backward).
	Seek(id int64)
	Reset()
	Close() error
}

// ReadableIndex maps encoded keys to local row ids.
type ReadableIndex interface {
	NumIndexRows() int64
	IndexStorageSize() int64
	SortOrder() SortOrder
	IsUnique() bool
	// SearchExact appends every id stored under key to dst.
	SearchExact(key []byte, dst []int64) []int64
	NewIndexIterForward() IndexIterator
	NewIndexIterBackward() IndexIterator
}

// WritableIndex is a mutable ReadableIndex.
type WritableIndex interface {
	ReadableIndex
	// Insert adds (key, id). It returns false when the index is unique and
	// key is already present.
	Insert(key []byte, id int64) (bool, error)
	// Remove deletes (key, id) and reports whether it existed.
	Remove(key []byte, id int64) (bool, error)
	// Replace moves key from oldID to newID.
	Replace(key []byte, oldID, newID int64) (bool, error)
	Clear() error
	Flush() error
	Save(path string) error
}

// IndexIterator walks (key, id) pairs in index order. Unordered indexes
// produce an arbitrary but stable order.
type IndexIterator interface {
	Next() (id int64, key []byte, ok bool)
	// SeekLowerBound positions at the first entry not ordered before key and
	// returns it. Backward iterators position at the last entry not ordered
	// after key. ret is 0 on an exact key match, 1 when the entry differs
	// from key, and -1 when no such entry exists.
	SeekLowerBound(key []byte) (ret int, id int64, found []byte)
	Reset()
	Close() error
}
