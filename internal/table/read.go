package table

import (
	"errors"
	"fmt"

	"github.com/hupe1980/segtable/internal/segment"
	"github.com/hupe1980/segtable/internal/storage"
)

// GetValueAppend appends the row stored under id to dst.
func (t *Table) GetValueAppend(id int64, dst []byte) ([]byte, error) {
	if t.closed.Load() {
		return dst, ErrClosed
	}
	t.lock.RLock()
	defer t.lock.RUnlock()
	i, local, err := t.locate(id)
	if err != nil {
		return dst, err
	}
	seg := t.segs[i].seg
	if seg.DelVec().IsDeleted(local) {
		return dst, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	out, err := seg.GetValueAppend(local, dst)
	if errors.Is(err, storage.ErrNotFound) {
		return dst, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return out, err
}

// IsDeleted reports whether id refers to a deleted row.
func (t *Table) IsDeleted(id int64) (bool, error) {
	t.lock.RLock()
	defer t.lock.RUnlock()
	i, local, err := t.locate(id)
	if err != nil {
		return false, err
	}
	return t.segs[i].seg.DelVec().IsDeleted(local), nil
}

// IndexSearchExact returns the global ids of live rows stored under key.
func (t *Table) IndexSearchExact(indexID int, key []byte) ([]int64, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if err := t.checkIndex(indexID); err != nil {
		return nil, err
	}
	t.lock.RLock()
	defer t.lock.RUnlock()
	var out, buf []int64
	for i, s := range t.segs {
		buf = segment.LiveIDs(s.seg, indexID, key, buf[:0])
		for _, id := range buf {
			out = append(out, t.rowNumVec[i]+id)
		}
	}
	return out, nil
}

// IndexKeyExists reports whether any live row is stored under key.
func (t *Table) IndexKeyExists(indexID int, key []byte) (bool, error) {
	if t.closed.Load() {
		return false, ErrClosed
	}
	if err := t.checkIndex(indexID); err != nil {
		return false, err
	}
	t.lock.RLock()
	defer t.lock.RUnlock()
	for i := len(t.segs) - 1; i >= 0; i-- {
		if segment.HasLiveKey(t.segs[i].seg, indexID, key, -1) {
			return true, nil
		}
	}
	return false, nil
}
