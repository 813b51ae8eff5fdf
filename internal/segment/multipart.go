package segment

import (
	"errors"
	"fmt"
	"sort"

	"github.com/hupe1980/segtable/internal/storage"
	"github.com/hupe1980/segtable/internal/store"
)

var _ storage.ReadableStore = (*MultiPartStore)(nil)

// MultiPartStore concatenates readonly parts into one id space. starts is
// the prefix sum of part row counts.
type MultiPartStore struct {
	parts  []*store.Part
	starts []int64
}

// NewMultiPartStore takes ownership of parts.
func NewMultiPartStore(parts []*store.Part) *MultiPartStore {
	m := &MultiPartStore{parts: parts, starts: make([]int64, len(parts)+1)}
	for i, p := range parts {
		m.starts[i+1] = m.starts[i] + p.NumDataRows()
	}
	return m
}

func (m *MultiPartStore) NumParts() int { return len(m.parts) }

func (m *MultiPartStore) NumDataRows() int64 { return m.starts[len(m.parts)] }

func (m *MultiPartStore) DataStorageSize() int64 {
	var n int64
	for _, p := range m.parts {
		n += p.DataStorageSize()
	}
	return n
}

// locate maps id to a part and its id inside the part.
func (m *MultiPartStore) locate(id int64) (int, int64, bool) {
	if id < 0 || id >= m.NumDataRows() {
		return 0, 0, false
	}
	i := sort.Search(len(m.parts), func(i int) bool { return m.starts[i+1] > id })
	return i, id - m.starts[i], true
}

func (m *MultiPartStore) GetValueAppend(id int64, dst []byte) ([]byte, error) {
	i, local, ok := m.locate(id)
	if !ok {
		return dst, fmt.Errorf("%w: %d", storage.ErrNotFound, id)
	}
	return m.parts[i].GetValueAppend(local, dst)
}

func (m *MultiPartStore) NewStoreIterForward() storage.StoreIterator {
	return &multiPartIter{m: m, step: 1}
}

func (m *MultiPartStore) NewStoreIterBackward() storage.StoreIterator {
	return &multiPartIter{m: m, step: -1, pos: m.NumDataRows() - 1}
}

func (m *MultiPartStore) Close() error {
	var errs []error
	for _, p := range m.parts {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}

type multiPartIter struct {
	m    *MultiPartStore
	pos  int64
	step int64
	buf  []byte
}

func (it *multiPartIter) Next() (int64, []byte, bool) {
	for it.pos >= 0 && it.pos < it.m.NumDataRows() {
		id := it.pos
		it.pos += it.step
		var err error
		it.buf, err = it.m.GetValueAppend(id, it.buf[:0])
		if err != nil {
			continue
		}
		return id, it.buf, true
	}
	return -1, nil, false
}

func (it *multiPartIter) Seek(id int64) { it.pos = id }

func (it *multiPartIter) Reset() {
	if it.step > 0 {
		it.pos = 0
		return
	}
	it.pos = it.m.NumDataRows() - 1
}

func (it *multiPartIter) Close() error { return nil }
