package table

import (
	"math"

	"github.com/hupe1980/segtable/internal/queue"
	"github.com/hupe1980/segtable/internal/segment"
	"github.com/hupe1980/segtable/internal/storage"
)

type indexSub struct {
	seg  segment.Segment
	gen  uint64
	it   storage.IndexIterator
	base int64

	// head is the entry the sub-iterator produced but the merge has not
	// consumed yet.
	head   []byte
	headID int64
	valid  bool

	// last is the most recently consumed entry.
	last    []byte
	lastID  int64
	started bool
}

// IndexIterator merges one index across every segment. Ordered indexes are
// merged by key, ties going to the older segment (the newer one when
// iterating backward). Unordered indexes are walked segment by segment.
type IndexIterator struct {
	t        *Table
	indexID  int
	backward bool
	ordered  bool
	cmp      func(a, b []byte) int

	epoch uint64
	gen   uint64
	subs  []indexSub
	heap  *queue.Heap[int]
	// primed is set once every sub-iterator has a head.
	primed bool

	key     []byte
	hasLast bool
	done    bool
	closed  bool
}

// NewIndexIterForward returns an iterator over index indexID in index order.
func (t *Table) NewIndexIterForward(indexID int) (*IndexIterator, error) {
	return t.newIndexIter(indexID, false)
}

// NewIndexIterBackward returns an iterator over index indexID in reverse
// index order.
func (t *Table) NewIndexIterBackward(indexID int) (*IndexIterator, error) {
	return t.newIndexIter(indexID, true)
}

func (t *Table) newIndexIter(indexID int, backward bool) (*IndexIterator, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if err := t.checkIndex(indexID); err != nil {
		return nil, err
	}
	idx := t.cfg.Indexes[indexID]
	it := &IndexIterator{
		t:        t,
		indexID:  indexID,
		backward: backward,
		ordered:  idx.Ordered,
		cmp:      idx.Key.CompareData,
	}
	it.heap = queue.New(0, it.less)
	t.lock.RLock()
	defer t.lock.RUnlock()
	it.epoch, it.gen = t.epoch.Load(), t.structGen.Load()
	for i := range t.segs {
		it.subs = append(it.subs, it.newSub(i))
	}
	t.scanRef.Add(1)
	return it, nil
}

func (it *IndexIterator) less(a, b int) bool {
	if it.ordered {
		if c := it.cmp(it.subs[a].head, it.subs[b].head); c != 0 {
			if it.backward {
				return c > 0
			}
			return c < 0
		}
	}
	if it.backward {
		return a > b
	}
	return a < b
}

func (it *IndexIterator) newSub(i int) indexSub {
	s := it.t.segs[i]
	sub := indexSub{seg: s.seg, gen: s.gen, base: it.t.rowNumVec[i]}
	if it.backward {
		sub.it = s.seg.Index(it.indexID).NewIndexIterBackward()
	} else {
		sub.it = s.seg.Index(it.indexID).NewIndexIterForward()
	}
	return sub
}

// before reports whether (key, id) comes before (k2, id2) in iteration order.
func (it *IndexIterator) before(key []byte, id int64, k2 []byte, id2 int64) bool {
	c := it.cmp(key, k2)
	if it.backward {
		c = -c
		id, id2 = id2, id
	}
	if c != 0 {
		return c < 0
	}
	return id < id2
}

func (sub *indexSub) setHead(id int64, key []byte, ok bool) {
	sub.valid = ok
	if ok {
		sub.head = append(sub.head[:0], key...)
		sub.headID = id
	}
}

func (sub *indexSub) advance() {
	id, key, ok := sub.it.Next()
	sub.setHead(id, key, ok)
}

// seekTo positions sub so that its head is the first entry not before
// (key, id). inclusive=false skips (key, id) itself.
func (it *IndexIterator) seekTo(sub *indexSub, key []byte, id int64, inclusive bool) {
	r, got, found := sub.it.SeekLowerBound(key)
	sub.setHead(got, found, r >= 0)
	for sub.valid && it.cmp(sub.head, key) == 0 {
		if inclusive && !it.before(sub.head, sub.headID, key, id) {
			return
		}
		if !inclusive && it.before(key, id, sub.head, sub.headID) {
			return
		}
		sub.advance()
	}
}

// sync brings the sub-iterators in line with the segment list. The caller
// holds the table read lock.
func (it *IndexIterator) sync() bool {
	t := it.t
	if t.closed.Load() || t.epoch.Load() != it.epoch {
		it.done = true
		return false
	}
	gen := t.structGen.Load()
	if gen == it.gen {
		return true
	}
	changed := false
	for i := range it.subs {
		if t.segs[i].gen == it.subs[i].gen {
			continue
		}
		old := &it.subs[i]
		_ = old.it.Close() // Intentionally ignore: in-memory iterators
		sub := it.newSub(i)
		sub.last, sub.lastID, sub.started = old.last, old.lastID, old.started
		if it.primed {
			switch {
			case old.valid:
				it.seekTo(&sub, old.head, old.headID, true)
			case old.started:
				it.seekTo(&sub, old.last, old.lastID, false)
			default:
				sub.advance()
			}
		}
		it.subs[i] = sub
		changed = true
	}
	if !it.backward {
		for i := len(it.subs); i < len(t.segs); i++ {
			sub := it.newSub(i)
			if it.primed {
				if it.hasLast && it.ordered {
					r, id, key := sub.it.SeekLowerBound(it.key)
					sub.setHead(id, key, r >= 0)
				} else {
					sub.advance()
				}
			}
			it.subs = append(it.subs, sub)
			changed = true
		}
	}
	it.gen = gen
	if changed && it.primed {
		it.rebuildHeap()
	}
	return true
}

func (it *IndexIterator) rebuildHeap() {
	it.heap.Reset()
	for i := range it.subs {
		if it.subs[i].valid {
			it.heap.Push(i)
		}
	}
}

func (it *IndexIterator) prime() {
	for i := range it.subs {
		it.subs[i].advance()
	}
	it.primed = true
	it.rebuildHeap()
}

// Next returns the next live (id, key) pair. key is only valid until the
// next call.
func (it *IndexIterator) Next() (id int64, key []byte, ok bool) {
	if it.closed || it.done {
		return -1, nil, false
	}
	it.t.lock.RLock()
	defer it.t.lock.RUnlock()
	if !it.sync() {
		return -1, nil, false
	}
	if !it.primed {
		it.prime()
	}
	return it.nextLocked()
}

func (it *IndexIterator) nextLocked() (int64, []byte, bool) {
	for {
		top, ok := it.heap.Top()
		if !ok && !it.backward && it.repoll() {
			continue
		}
		if !ok {
			return -1, nil, false
		}
		sub := &it.subs[top]
		id := sub.headID
		it.key = append(it.key[:0], sub.head...)
		sub.last = append(sub.last[:0], sub.head...)
		sub.lastID, sub.started = id, true
		sub.advance()
		if sub.valid {
			it.heap.FixTop()
		} else {
			it.heap.Pop()
		}
		if sub.seg.DelVec().IsDeleted(id) {
			continue
		}
		it.hasLast = true
		return sub.base + id, it.key, true
	}
}

// repoll gives exhausted forward sub-iterators another chance, so entries
// added to the active segment after exhaustion are returned. Entries that
// sort before the last returned key are dropped.
func (it *IndexIterator) repoll() bool {
	found := false
	for i := range it.subs {
		sub := &it.subs[i]
		if sub.valid {
			continue
		}
		if !sub.started {
			sub.advance()
		} else {
			it.seekTo(sub, sub.last, sub.lastID, false)
		}
		for sub.valid && it.hasLast && it.ordered && it.cmp(sub.head, it.key) < 0 {
			sub.advance()
		}
		if sub.valid {
			it.heap.Push(i)
			found = true
		}
	}
	return found
}

// SeekLowerBound positions every sub-iterator at its lower bound for key and
// returns the first live entry. ret is 0 on an exact match, 1 when the entry
// found has a different key, and -1 when nothing is left.
func (it *IndexIterator) SeekLowerBound(key []byte) (ret int, id int64, found []byte) {
	if it.closed || it.done {
		return -1, -1, nil
	}
	it.t.lock.RLock()
	defer it.t.lock.RUnlock()
	if !it.sync() {
		return -1, -1, nil
	}
	// An exhausted sub must resume at key, so record key as consumed with an
	// id that sorts before every real one.
	first := int64(math.MinInt64)
	if it.backward {
		first = math.MaxInt64
	}
	for i := range it.subs {
		sub := &it.subs[i]
		r, got, k := sub.it.SeekLowerBound(key)
		sub.setHead(got, k, r >= 0)
		sub.last = append(sub.last[:0], key...)
		sub.lastID, sub.started = first, true
	}
	it.primed = true
	it.rebuildHeap()
	id, found, ok := it.nextLocked()
	if !ok {
		return -1, -1, nil
	}
	if it.cmp(found, key) == 0 {
		return 0, id, found
	}
	return 1, id, found
}

// SeekExact returns the global id of a live row stored under key, preferring
// the newest segment.
func (it *IndexIterator) SeekExact(key []byte) (int64, bool) {
	if it.closed || it.done {
		return -1, false
	}
	t := it.t
	t.lock.RLock()
	defer t.lock.RUnlock()
	if !it.sync() {
		return -1, false
	}
	var buf [4]int64
	for i := len(t.segs) - 1; i >= 0; i-- {
		ids := segment.LiveIDs(t.segs[i].seg, it.indexID, key, buf[:0])
		if len(ids) > 0 {
			return t.rowNumVec[i] + ids[0], true
		}
	}
	return -1, false
}

// Reset restarts the iterator over the current segment list.
func (it *IndexIterator) Reset() {
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
	it.heap.Reset()
	it.epoch, it.gen = t.epoch.Load(), t.structGen.Load()
	it.primed, it.hasLast, it.done = false, false, false
}

// Close releases the iterator.
func (it *IndexIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	for _, sub := range it.subs {
		_ = sub.it.Close() // Intentionally ignore: in-memory iterators
	}
	it.subs = nil
	it.heap.Reset()
	it.t.scanRef.Add(-1)
	return nil
}
