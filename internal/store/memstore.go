package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/segtable/internal/fs"
	"github.com/hupe1980/segtable/internal/hash"
	"github.com/hupe1980/segtable/internal/storage"
)

// ErrCorrupt is returned when a store file fails validation.
var ErrCorrupt = errors.New("store: corrupt file")

const memStoreMagic = 0x5254534d // "MSTR"

var _ storage.WritableStore = (*MemStore)(nil)

// MemStore is a slice backed writable store. Removed rows leave a hole
// unless they are the last row, in which case the store shrinks.
type MemStore struct {
	fsys fs.FileSystem

	mu   sync.RWMutex
	rows [][]byte // nil marks a removed row
	size int64
}

// NewMemStore returns an empty store persisting through fsys.
func NewMemStore(fsys fs.FileSystem) *MemStore {
	if fsys == nil {
		fsys = fs.Default
	}
	return &MemStore{fsys: fsys}
}

// NumDataRows returns the id bound, holes included.
func (s *MemStore) NumDataRows() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.rows))
}

// DataStorageSize returns the total payload bytes.
func (s *MemStore) DataStorageSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

func (s *MemStore) GetValueAppend(id int64, dst []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id < 0 || id >= int64(len(s.rows)) || s.rows[id] == nil {
		return dst, fmt.Errorf("%w: %d", storage.ErrNotFound, id)
	}
	return append(dst, s.rows[id]...), nil
}

func (s *MemStore) Append(row []byte) (int64, error) {
	cp := make([]byte, len(row))
	copy(cp, row)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, cp)
	s.size += int64(len(cp))
	return int64(len(s.rows) - 1), nil
}

func (s *MemStore) Replace(id int64, row []byte) error {
	cp := make([]byte, len(row))
	copy(cp, row)
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 0 || id >= int64(len(s.rows)) {
		return fmt.Errorf("%w: %d", storage.ErrNotFound, id)
	}
	s.size += int64(len(cp) - len(s.rows[id]))
	s.rows[id] = cp
	return nil
}

func (s *MemStore) Remove(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 0 || id >= int64(len(s.rows)) || s.rows[id] == nil {
		return fmt.Errorf("%w: %d", storage.ErrNotFound, id)
	}
	s.size -= int64(len(s.rows[id]))
	if id == int64(len(s.rows))-1 {
		s.rows[id] = nil
		s.rows = s.rows[:id]
		return nil
	}
	s.rows[id] = nil
	return nil
}

func (s *MemStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = nil
	s.size = 0
	return nil
}

// Flush is a no-op, MemStore is durable only through Save.
func (s *MemStore) Flush() error { return nil }

// Save writes the store as
// [magic u32][count uvarint]{[len+1 uvarint][bytes]}...[crc32c u32];
// a zero length marks a hole.
func (s *MemStore) Save(path string) error {
	s.mu.RLock()
	buf := make([]byte, 0, 16+s.size+int64(len(s.rows))*2)
	buf = binary.LittleEndian.AppendUint32(buf, memStoreMagic)
	buf = binary.AppendUvarint(buf, uint64(len(s.rows)))
	for _, r := range s.rows {
		if r == nil {
			buf = binary.AppendUvarint(buf, 0)
			continue
		}
		buf = binary.AppendUvarint(buf, uint64(len(r))+1)
		buf = append(buf, r...)
	}
	s.mu.RUnlock()
	return fs.WriteFileAtomic(s.fsys, path, hash.AppendFooter(buf))
}

// LoadMemStore reads a store written by Save.
func LoadMemStore(fsys fs.FileSystem, path string) (*MemStore, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	data, err := fs.ReadFile(fsys, path)
	if err != nil {
		return nil, err
	}
	payload, err := hash.SplitFooter(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupt, path, err)
	}
	if len(payload) < 4 || binary.LittleEndian.Uint32(payload) != memStoreMagic {
		return nil, fmt.Errorf("%w: %s: bad magic", ErrCorrupt, path)
	}
	p := payload[4:]
	count, n := binary.Uvarint(p)
	if n <= 0 || count > uint64(len(p)) {
		return nil, fmt.Errorf("%w: %s: bad row count", ErrCorrupt, path)
	}
	p = p[n:]
	s := &MemStore{fsys: fsys, rows: make([][]byte, 0, count)}
	for i := uint64(0); i < count; i++ {
		l, n := binary.Uvarint(p)
		if n <= 0 || (l > 0 && l-1 > uint64(len(p)-n)) {
			return nil, fmt.Errorf("%w: %s: row %d truncated", ErrCorrupt, path, i)
		}
		p = p[n:]
		if l == 0 {
			s.rows = append(s.rows, nil)
			continue
		}
		row := make([]byte, l-1)
		copy(row, p)
		p = p[l-1:]
		s.rows = append(s.rows, row)
		s.size += int64(len(row))
	}
	if len(p) != 0 {
		return nil, fmt.Errorf("%w: %s: %d trailing bytes", ErrCorrupt, path, len(p))
	}
	return s, nil
}

func (s *MemStore) NewStoreIterForward() storage.StoreIterator {
	return &memStoreIter{s: s, step: 1}
}

func (s *MemStore) NewStoreIterBackward() storage.StoreIterator {
	it := &memStoreIter{s: s, step: -1}
	it.Reset()
	return it
}

type memStoreIter struct {
	s    *MemStore
	pos  int64
	step int64
	buf  []byte
}

func (it *memStoreIter) Next() (int64, []byte, bool) {
	it.s.mu.RLock()
	defer it.s.mu.RUnlock()
	n := int64(len(it.s.rows))
	if it.step < 0 && it.pos >= n {
		it.pos = n - 1
	}
	for it.pos >= 0 && it.pos < n {
		id := it.pos
		it.pos += it.step
		if r := it.s.rows[id]; r != nil {
			it.buf = append(it.buf[:0], r...)
			return id, it.buf, true
		}
	}
	return -1, nil, false
}

func (it *memStoreIter) Seek(id int64) { it.pos = id }

func (it *memStoreIter) Reset() {
	if it.step > 0 {
		it.pos = 0
		return
	}
	it.pos = it.s.NumDataRows() - 1
}

func (it *memStoreIter) Close() error { return nil }
