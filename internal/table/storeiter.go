package table

import (
	"sort"

	"github.com/hupe1980/segtable/internal/segment"
	"github.com/hupe1980/segtable/internal/storage"
)

type storeSub struct {
	seg  segment.Segment
	gen  uint64
	it   storage.StoreIterator
	base int64
	// last is the local id returned last. It is only meaningful once
	// started is set.
	last    int64
	started bool
}

// StoreIterator walks the rows of every segment in global id order,
// skipping deleted rows. It tolerates concurrent inserts and background
// conversion. A forward iterator picks up segments appended after it was
// opened. After Clear it is exhausted.
type StoreIterator struct {
	t        *Table
	backward bool
	epoch    uint64
	gen      uint64
	subs     []storeSub
	cur      int
	done     bool
	closed   bool
}

// NewStoreIterForward returns an iterator in ascending id order.
func (t *Table) NewStoreIterForward() (*StoreIterator, error) {
	return t.newStoreIter(false)
}

// NewStoreIterBackward returns an iterator in descending id order. Rows
// appended after it was opened are not visited.
func (t *Table) NewStoreIterBackward() (*StoreIterator, error) {
	return t.newStoreIter(true)
}

func (t *Table) newStoreIter(backward bool) (*StoreIterator, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	t.lock.RLock()
	defer t.lock.RUnlock()
	it := &StoreIterator{t: t, backward: backward, epoch: t.epoch.Load(), gen: t.structGen.Load()}
	for i := range t.segs {
		it.subs = append(it.subs, it.newSub(i))
	}
	if backward {
		it.cur = len(it.subs) - 1
	}
	t.scanRef.Add(1)
	return it, nil
}

func (it *StoreIterator) newSub(i int) storeSub {
	s := it.t.segs[i]
	sub := storeSub{seg: s.seg, gen: s.gen, base: it.t.rowNumVec[i]}
	if it.backward {
		sub.it = s.seg.NewStoreIterBackward()
	} else {
		sub.it = s.seg.NewStoreIterForward()
	}
	return sub
}

// sync brings the sub-iterators in line with the segment list. The caller
// holds the table read lock.
func (it *StoreIterator) sync() bool {
	t := it.t
	if t.closed.Load() || t.epoch.Load() != it.epoch {
		it.done = true
		return false
	}
	gen := t.structGen.Load()
	if gen == it.gen {
		return true
	}
	for i := range it.subs {
		if t.segs[i].gen == it.subs[i].gen {
			continue
		}
		old := it.subs[i]
		_ = old.it.Close() // Intentionally ignore: in-memory iterators
		sub := it.newSub(i)
		if old.started {
			sub.started, sub.last = true, old.last
			if it.backward {
				sub.it.Seek(old.last - 1)
			} else {
				sub.it.Seek(old.last + 1)
			}
		}
		it.subs[i] = sub
	}
	if !it.backward {
		for i := len(it.subs); i < len(t.segs); i++ {
			it.subs = append(it.subs, it.newSub(i))
		}
	}
	it.gen = gen
	return true
}

// Next returns the next live row and its global id. val is only valid
// until the next call.
func (it *StoreIterator) Next() (id int64, val []byte, ok bool) {
	if it.closed || it.done {
		return -1, nil, false
	}
	it.t.lock.RLock()
	defer it.t.lock.RUnlock()
	if !it.sync() {
		return -1, nil, false
	}
	for it.cur >= 0 && it.cur < len(it.subs) {
		sub := &it.subs[it.cur]
		local, v, ok := sub.it.Next()
		if !ok {
			if it.backward {
				it.cur--
				continue
			}
			// The last segment stays current so rows appended later are seen.
			if it.cur == len(it.subs)-1 {
				return -1, nil, false
			}
			it.cur++
			continue
		}
		sub.last, sub.started = local, true
		if sub.seg.DelVec().IsDeleted(local) {
			continue
		}
		return sub.base + local, v, true
	}
	return -1, nil, false
}

// Seek positions the iterator so that Next returns the first live row at or
// after id (forward) or at or before id (backward).
func (it *StoreIterator) Seek(id int64) {
	if it.closed {
		return
	}
	it.t.lock.RLock()
	defer it.t.lock.RUnlock()
	if !it.sync() || len(it.subs) == 0 {
		return
	}
	if id < 0 {
		id = 0
	}
	total := it.subs[len(it.subs)-1].base + it.subs[len(it.subs)-1].seg.NumDataRows()
	if it.backward && id >= total {
		id = total - 1
	}
	i := sort.Search(len(it.subs), func(i int) bool {
		return it.subs[i].base+it.subs[i].seg.NumDataRows() > id
	})
	if i == len(it.subs) {
		i = len(it.subs) - 1
	}
	for j := range it.subs {
		sub := &it.subs[j]
		sub.it.Reset()
		sub.started = false
		if j != i {
			continue
		}
		local := id - sub.base
		sub.it.Seek(local)
		sub.started = true
		if it.backward {
			sub.last = local + 1
		} else {
			sub.last = local - 1
		}
	}
	it.cur = i
}

// SeekExact positions the iterator at id and returns the row when id is
// live. Iteration continues after id.
func (it *StoreIterator) SeekExact(id int64) ([]byte, bool) {
	it.Seek(id)
	got, val, ok := it.Next()
	if !ok || got != id {
		if ok {
			// Next already moved past id; step back so the row it found is
			// returned again.
			it.Seek(got)
		}
		return nil, false
	}
	return val, true
}

// Reset restarts the iterator over the current segment list.
func (it *StoreIterator) Reset() {
	if it.closed {
		return
	}
	t := it.t
	t.lock.RLock()
	defer t.lock.RUnlock()
	for _, sub := range it.subs {
		_ = sub.it.Close() // Intentionally ignore: in-memory iterators
	}
	it.subs = it.subs[:0]
	for i := range t.segs {
		it.subs = append(it.subs, it.newSub(i))
	}
	it.epoch, it.gen, it.done = t.epoch.Load(), t.structGen.Load(), false
	it.cur = 0
	if it.backward {
		it.cur = len(it.subs) - 1
	}
}

// Close releases the iterator. Compaction may proceed once every iterator
// is closed.
func (it *StoreIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	for _, sub := range it.subs {
		_ = sub.it.Close() // Intentionally ignore: in-memory iterators
	}
	it.subs = nil
	it.t.scanRef.Add(-1)
	return nil
}
