package index

import (
	"bytes"
	"encoding/binary"
	"slices"
	"sort"
	"sync"

	"github.com/hupe1980/segtable/internal/fs"
	"github.com/hupe1980/segtable/internal/hash"
	"github.com/hupe1980/segtable/internal/storage"
)

const hashMagic = 0x48534148 // "HASH"

var _ storage.WritableIndex = (*Hash)(nil)

// Hash is an unordered writable index. Iterators walk a snapshot taken when
// they start, sorted with opts.Compare (byte order when unset) so that the
// order matches the sorted index a segment is converted into.
type Hash struct {
	fsys    fs.FileSystem
	unique  bool
	compare func(a, b []byte) int

	mu   sync.RWMutex
	m    map[string][]int64
	rows int64
	size int64
}

// NewHash returns an empty unordered index.
func NewHash(fsys fs.FileSystem, opts storage.IndexOptions) *Hash {
	if fsys == nil {
		fsys = fs.Default
	}
	compare := opts.Compare
	if compare == nil {
		compare = bytes.Compare
	}
	return &Hash{fsys: fsys, unique: opts.Unique, compare: compare, m: make(map[string][]int64)}
}

func (h *Hash) NumIndexRows() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rows
}

func (h *Hash) IndexStorageSize() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size + h.rows*8
}

func (h *Hash) SortOrder() storage.SortOrder { return storage.Unordered }

func (h *Hash) IsUnique() bool { return h.unique }

func (h *Hash) SearchExact(key []byte, dst []int64) []int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append(dst, h.m[string(key)]...)
}

func (h *Hash) Insert(key []byte, id int64) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids, ok := h.m[string(key)]
	if ok && h.unique {
		return false, nil
	}
	if slices.Contains(ids, id) {
		return true, nil
	}
	if !ok {
		h.size += int64(len(key))
	}
	h.m[string(key)] = append(ids, id)
	h.rows++
	return true, nil
}

func (h *Hash) Remove(key []byte, id int64) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := h.m[string(key)]
	i := slices.Index(ids, id)
	if i < 0 {
		return false, nil
	}
	ids = slices.Delete(ids, i, i+1)
	if len(ids) == 0 {
		delete(h.m, string(key))
		h.size -= int64(len(key))
	} else {
		h.m[string(key)] = ids
	}
	h.rows--
	return true, nil
}

func (h *Hash) Replace(key []byte, oldID, newID int64) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := h.m[string(key)]
	i := slices.Index(ids, oldID)
	if i < 0 {
		return false, nil
	}
	ids[i] = newID
	return true, nil
}

func (h *Hash) Clear() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	clear(h.m)
	h.rows, h.size = 0, 0
	return nil
}

func (h *Hash) Flush() error { return nil }

func (h *Hash) snapshot() []entry {
	h.mu.RLock()
	out := make([]entry, 0, h.rows)
	for k, ids := range h.m {
		for _, id := range ids {
			out = append(out, entry{key: []byte(k), id: id})
		}
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if c := h.compare(out[i].key, out[j].key); c != 0 {
			return c < 0
		}
		return out[i].id < out[j].id
	})
	return out
}

// Save uses the BTree file layout under its own magic.
func (h *Hash) Save(path string) error {
	entries := h.snapshot()
	buf := binary.LittleEndian.AppendUint32(nil, hashMagic)
	buf = binary.AppendUvarint(buf, uint64(len(entries)))
	for _, e := range entries {
		buf = binary.AppendUvarint(buf, uint64(len(e.key)))
		buf = append(buf, e.key...)
		buf = binary.AppendVarint(buf, e.id)
	}
	return fs.WriteFileAtomic(h.fsys, path, hash.AppendFooter(buf))
}

// LoadHash reads an index written by Save.
func LoadHash(fsys fs.FileSystem, opts storage.IndexOptions, path string) (*Hash, error) {
	h := NewHash(fsys, opts)
	err := readEntries(h.fsys, path, hashMagic, func(key []byte, id int64) {
		if _, ok := h.m[string(key)]; !ok {
			h.size += int64(len(key))
		}
		h.m[string(key)] = append(h.m[string(key)], id)
		h.rows++
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Hash) NewIndexIterForward() storage.IndexIterator {
	return &sliceIter{load: h.snapshot, compare: h.compare}
}

func (h *Hash) NewIndexIterBackward() storage.IndexIterator {
	return &sliceIter{load: h.snapshot, compare: h.compare, backward: true}
}

// sliceIter walks a sorted entry snapshot.
type sliceIter struct {
	load     func() []entry
	compare  func(a, b []byte) int
	backward bool

	entries []entry
	loaded  bool
	pos     int
}

func (it *sliceIter) ensure() {
	if it.loaded {
		return
	}
	it.entries, it.loaded = it.load(), true
	if it.backward {
		it.pos = len(it.entries) - 1
	} else {
		it.pos = 0
	}
}

func (it *sliceIter) Next() (int64, []byte, bool) {
	it.ensure()
	if it.pos < 0 || it.pos >= len(it.entries) {
		return -1, nil, false
	}
	e := it.entries[it.pos]
	if it.backward {
		it.pos--
	} else {
		it.pos++
	}
	return e.id, e.key, true
}

func (it *sliceIter) SeekLowerBound(key []byte) (int, int64, []byte) {
	it.loaded = false
	it.ensure()
	i := sort.Search(len(it.entries), func(i int) bool { return it.compare(it.entries[i].key, key) >= 0 })
	if it.backward {
		// last entry not after key
		j := sort.Search(len(it.entries), func(i int) bool { return it.compare(it.entries[i].key, key) > 0 })
		i = j - 1
	}
	it.pos = i
	id, found, ok := it.Next()
	if !ok {
		return -1, -1, nil
	}
	if it.compare(found, key) != 0 {
		return 1, id, found
	}
	return 0, id, found
}

func (it *sliceIter) Reset() {
	it.loaded = false
	it.entries = nil
}

func (it *sliceIter) Close() error {
	it.entries = nil
	return nil
}
