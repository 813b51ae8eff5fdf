package index

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/google/btree"

	"github.com/hupe1980/segtable/internal/fs"
	"github.com/hupe1980/segtable/internal/hash"
	"github.com/hupe1980/segtable/internal/storage"
)

// ErrCorrupt is returned when an index file fails validation.
var ErrCorrupt = errors.New("index: corrupt file")

const (
	btreeMagic  = 0x45455242 // "BREE"
	btreeDegree = 32
)

type entry struct {
	key []byte
	id  int64
}

var _ storage.WritableIndex = (*BTree)(nil)

// BTree is an ordered writable index of (key, id) pairs.
type BTree struct {
	fsys    fs.FileSystem
	unique  bool
	compare func(a, b []byte) int

	mu   sync.RWMutex
	tree *btree.BTreeG[entry]
	size int64
}

// NewBTree returns an empty ordered index. compare defaults to bytes.Compare.
func NewBTree(fsys fs.FileSystem, opts storage.IndexOptions) *BTree {
	if fsys == nil {
		fsys = fs.Default
	}
	compare := opts.Compare
	if compare == nil {
		compare = bytes.Compare
	}
	b := &BTree{fsys: fsys, unique: opts.Unique, compare: compare}
	b.tree = btree.NewG(btreeDegree, b.less)
	return b
}

func (b *BTree) less(x, y entry) bool {
	if c := b.compare(x.key, y.key); c != 0 {
		return c < 0
	}
	return x.id < y.id
}

func (b *BTree) NumIndexRows() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int64(b.tree.Len())
}

func (b *BTree) IndexStorageSize() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size + int64(b.tree.Len())*8
}

func (b *BTree) SortOrder() storage.SortOrder { return storage.Ascending }

func (b *BTree) IsUnique() bool { return b.unique }

// hasKeyLocked reports whether any entry holds key.
func (b *BTree) hasKeyLocked(key []byte) bool {
	found := false
	b.tree.AscendGreaterOrEqual(entry{key: key, id: math.MinInt64}, func(e entry) bool {
		found = b.compare(e.key, key) == 0
		return false
	})
	return found
}

func (b *BTree) SearchExact(key []byte, dst []int64) []int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.tree.AscendGreaterOrEqual(entry{key: key, id: math.MinInt64}, func(e entry) bool {
		if b.compare(e.key, key) != 0 {
			return false
		}
		dst = append(dst, e.id)
		return true
	})
	return dst
}

func (b *BTree) Insert(key []byte, id int64) (bool, error) {
	e := entry{key: bytes.Clone(key), id: id}
	if e.key == nil {
		e.key = []byte{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unique && b.hasKeyLocked(key) {
		return false, nil
	}
	if _, replaced := b.tree.ReplaceOrInsert(e); !replaced {
		b.size += int64(len(e.key))
	}
	return true, nil
}

func (b *BTree) Remove(key []byte, id int64) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	old, ok := b.tree.Delete(entry{key: key, id: id})
	if ok {
		b.size -= int64(len(old.key))
	}
	return ok, nil
}

func (b *BTree) Replace(key []byte, oldID, newID int64) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	old, ok := b.tree.Delete(entry{key: key, id: oldID})
	if !ok {
		return false, nil
	}
	old.id = newID
	b.tree.ReplaceOrInsert(old)
	return true, nil
}

func (b *BTree) Clear() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tree.Clear(false)
	b.size = 0
	return nil
}

func (b *BTree) Flush() error { return nil }

// Save writes [magic u32][count uvarint]{[keyLen uvarint][key][id varint]}...
// [crc32c u32] in index order.
func (b *BTree) Save(path string) error {
	b.mu.RLock()
	buf := make([]byte, 0, 16+b.size+int64(b.tree.Len())*4)
	buf = binary.LittleEndian.AppendUint32(buf, btreeMagic)
	buf = binary.AppendUvarint(buf, uint64(b.tree.Len()))
	b.tree.Ascend(func(e entry) bool {
		buf = binary.AppendUvarint(buf, uint64(len(e.key)))
		buf = append(buf, e.key...)
		buf = binary.AppendVarint(buf, e.id)
		return true
	})
	b.mu.RUnlock()
	return fs.WriteFileAtomic(b.fsys, path, hash.AppendFooter(buf))
}

// LoadBTree reads an index written by Save.
func LoadBTree(fsys fs.FileSystem, opts storage.IndexOptions, path string) (*BTree, error) {
	b := NewBTree(fsys, opts)
	err := readEntries(b.fsys, path, btreeMagic, func(key []byte, id int64) {
		b.tree.ReplaceOrInsert(entry{key: key, id: id})
		b.size += int64(len(key))
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func readEntries(fsys fs.FileSystem, path string, magic uint32, add func(key []byte, id int64)) error {
	data, err := fs.ReadFile(fsys, path)
	if err != nil {
		return err
	}
	payload, err := hash.SplitFooter(data)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCorrupt, path, err)
	}
	if len(payload) < 4 || binary.LittleEndian.Uint32(payload) != magic {
		return fmt.Errorf("%w: %s: bad magic", ErrCorrupt, path)
	}
	p := payload[4:]
	count, n := binary.Uvarint(p)
	if n <= 0 {
		return fmt.Errorf("%w: %s: bad count", ErrCorrupt, path)
	}
	p = p[n:]
	for i := uint64(0); i < count; i++ {
		l, n := binary.Uvarint(p)
		if n <= 0 || l > uint64(len(p)-n) {
			return fmt.Errorf("%w: %s: entry %d truncated", ErrCorrupt, path, i)
		}
		key := make([]byte, l)
		copy(key, p[n:])
		p = p[n+int(l):]
		id, m := binary.Varint(p)
		if m <= 0 {
			return fmt.Errorf("%w: %s: entry %d has no id", ErrCorrupt, path, i)
		}
		p = p[m:]
		add(key, id)
	}
	if len(p) != 0 {
		return fmt.Errorf("%w: %s: %d trailing bytes", ErrCorrupt, path, len(p))
	}
	return nil
}

func (b *BTree) NewIndexIterForward() storage.IndexIterator {
	return &btreeIter{b: b}
}

func (b *BTree) NewIndexIterBackward() storage.IndexIterator {
	return &btreeIter{b: b, backward: true}
}

// btreeIter is a re-seeking cursor: it remembers the last entry returned and
// looks up its successor on every Next, so concurrent mutations never
// invalidate it.
type btreeIter struct {
	b        *BTree
	backward bool
	started  bool
	// inclusive is set after a seek: the next entry may equal last.
	inclusive bool
	last      entry
}

func (it *btreeIter) Next() (int64, []byte, bool) {
	it.b.mu.RLock()
	defer it.b.mu.RUnlock()
	var (
		out   entry
		found bool
	)
	visit := func(e entry) bool {
		if it.started && !it.inclusive && e.id == it.last.id && it.b.compare(e.key, it.last.key) == 0 {
			return true
		}
		out, found = e, true
		return false
	}
	switch {
	case !it.started && !it.backward:
		it.b.tree.Ascend(visit)
	case !it.started:
		it.b.tree.Descend(visit)
	case !it.backward:
		it.b.tree.AscendGreaterOrEqual(it.last, visit)
	default:
		it.b.tree.DescendLessOrEqual(it.last, visit)
	}
	if !found {
		if it.started {
			it.inclusive = false
		}
		return -1, nil, false
	}
	it.started, it.inclusive, it.last = true, false, out
	return out.id, out.key, true
}

func (it *btreeIter) SeekLowerBound(key []byte) (int, int64, []byte) {
	it.started, it.inclusive = true, true
	it.last = entry{key: key, id: math.MinInt64}
	if it.backward {
		it.last.id = math.MaxInt64
	}
	id, found, ok := it.Next()
	if !ok {
		return -1, -1, nil
	}
	if it.b.compare(found, key) != 0 {
		return 1, id, found
	}
	return 0, id, found
}

func (it *btreeIter) Reset() {
	it.started, it.inclusive = false, false
	it.last = entry{}
}

func (it *btreeIter) Close() error { return nil }
