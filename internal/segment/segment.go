package segment

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/hupe1980/segtable/internal/bitmap"
	"github.com/hupe1980/segtable/internal/cache"
	"github.com/hupe1980/segtable/internal/fs"
	"github.com/hupe1980/segtable/internal/index"
	"github.com/hupe1980/segtable/internal/resource"
	"github.com/hupe1980/segtable/internal/storage"
	"github.com/hupe1980/segtable/internal/store"
	"github.com/hupe1980/segtable/schema"
)

var (
	// ErrDuplicate is returned when a unique index already holds the key.
	ErrDuplicate = errors.New("segment: duplicate key")
	// ErrReadOnly is returned for row mutations on a readonly segment.
	ErrReadOnly = errors.New("segment: readonly")
	// ErrCorrupt is returned when segment files disagree with each other.
	ErrCorrupt = errors.New("segment: corrupt")
	// ErrStaleBuild is returned by Install when a tombstone the build
	// purged was rolled back in the meantime.
	ErrStaleBuild = errors.New("segment: stale build")
)

// DuplicateError reports which index rejected a key.
type DuplicateError struct {
	Index int
	Key   []byte
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("segment: duplicate key in index %d", e.Index)
}

func (e *DuplicateError) Unwrap() error { return ErrDuplicate }

// File names inside a segment directory.
const (
	StoreFile   = "store"
	DelFile     = "isDel"
	PurgedFile  = "isPurged"
	IndexPrefix = "index-"
	PartPrefix  = "store-"

	WritablePrefix = "wr-"
	ReadonlyPrefix = "rd-"
	TmpSuffix      = ".tmp"
)

// IndexFile returns the file name of the index called name.
func IndexFile(name string) string { return IndexPrefix + name }

// PartFile returns the file name of the n-th readonly part.
func PartFile(n int) string { return fmt.Sprintf("%s%04d", PartPrefix, n) }

// DirName returns the directory name of segment seq.
func DirName(kind Kind, seq int) string {
	if kind == KindReadonly {
		return fmt.Sprintf("%s%04d", ReadonlyPrefix, seq)
	}
	return fmt.Sprintf("%s%04d", WritablePrefix, seq)
}

// ParseDirName parses wr-NNNN and rd-NNNN, with or without the build suffix.
func ParseDirName(name string) (kind Kind, seq int, tmp bool, ok bool) {
	if strings.HasSuffix(name, TmpSuffix) {
		tmp = true
		name = strings.TrimSuffix(name, TmpSuffix)
	}
	switch {
	case strings.HasPrefix(name, WritablePrefix):
		kind, name = KindWritable, name[len(WritablePrefix):]
	case strings.HasPrefix(name, ReadonlyPrefix):
		kind, name = KindReadonly, name[len(ReadonlyPrefix):]
	default:
		return 0, 0, false, false
	}
	seq, err := strconv.Atoi(name)
	if err != nil || seq < 0 {
		return 0, 0, false, false
	}
	return kind, seq, tmp, true
}

// Kind distinguishes writable from readonly segments.
type Kind int

const (
	KindWritable Kind = iota
	KindReadonly
)

func (k Kind) String() string {
	if k == KindReadonly {
		return "readonly"
	}
	return "writable"
}

// Env carries what segments need from their table.
type Env struct {
	FS         fs.FileSystem
	Logger     *slog.Logger
	Registry   *storage.Registry
	Cache      cache.BlockCache
	Controller *resource.Controller
	// StoreBackend names the writable store backend, store.BackendMem when empty.
	StoreBackend string
}

func (e Env) withDefaults() Env {
	if e.FS == nil {
		e.FS = fs.Default
	}
	if e.Logger == nil {
		e.Logger = slog.Default()
	}
	if e.Registry == nil {
		e.Registry = DefaultRegistry()
	}
	if e.StoreBackend == "" {
		e.StoreBackend = store.BackendMem
	}
	return e
}

func (e Env) storageEnv() storage.Env {
	return storage.Env{FS: e.FS, Logger: e.Logger}
}

// DefaultRegistry returns a registry holding the bundled backends.
func DefaultRegistry() *storage.Registry {
	r := storage.NewRegistry()
	store.Register(r)
	index.Register(r)
	return r
}

// IndexBackend returns the writable backend name for idx.
func IndexBackend(idx *schema.Index) string {
	if idx.Ordered {
		return index.BackendBTree
	}
	return index.BackendHash
}

func indexOptions(idx *schema.Index) storage.IndexOptions {
	return storage.IndexOptions{
		Name:    idx.Name,
		Unique:  idx.Unique,
		Ordered: idx.Ordered,
		Compare: idx.Key.CompareData,
	}
}

// Segment is the part of a segment the table reads through.
type Segment interface {
	Kind() Kind
	Dir() string
	// NumDataRows is the local id bound, deleted rows included.
	NumDataRows() int64
	DelVec() *bitmap.DelVec
	Index(i int) storage.ReadableIndex
	DataStorageSize() int64
	IndexStorageSize() int64
	GetValueAppend(id int64, dst []byte) ([]byte, error)
	// Store iterators return rows that are physically present. Tombstones
	// are left to the caller.
	NewStoreIterForward() storage.StoreIterator
	NewStoreIterBackward() storage.StoreIterator
	// Delete tombstones id and reports whether it was live.
	Delete(id int64) (bool, error)
	// Flush persists pending changes into Dir.
	Flush() error
	// Save writes a complete copy into dir.
	Save(dir string) error
	Close() error
}

// LiveIDs appends the ids stored under key in index i that are not deleted.
func LiveIDs(s Segment, i int, key []byte, dst []int64) []int64 {
	start := len(dst)
	dst = s.Index(i).SearchExact(key, dst)
	del := s.DelVec()
	out := dst[:start]
	for _, id := range dst[start:] {
		if !del.IsDeleted(id) {
			out = append(out, id)
		}
	}
	return out
}

// HasLiveKey reports whether index i holds key for a live row other than skip.
func HasLiveKey(s Segment, i int, key []byte, skip int64) bool {
	var buf [4]int64
	for _, id := range LiveIDs(s, i, key, buf[:0]) {
		if id != skip {
			return true
		}
	}
	return false
}

// IndexKey projects the parsed row cols onto index idx.
func IndexKey(idx *schema.Index, cols schema.Columns, dst []byte) ([]byte, error) {
	return idx.Key.SelectParent(cols, dst)
}
