package table

import (
	"errors"
	"fmt"

	"github.com/hupe1980/segtable/internal/rwlock"
	"github.com/hupe1980/segtable/internal/segment"
	"github.com/hupe1980/segtable/schema"
)

func (t *Table) parseRow(row []byte) (schema.Columns, error) {
	cols, err := t.cfg.Row.ParseRow(row)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return cols, nil
}

// uniqueKeys projects cols onto every unique index. Non-unique positions
// stay nil.
func (t *Table) uniqueKeys(cols schema.Columns) ([][]byte, error) {
	keys := make([][]byte, len(t.cfg.Indexes))
	for i, idx := range t.cfg.Indexes {
		if !idx.Unique {
			continue
		}
		k, err := segment.IndexKey(idx, cols, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}
		keys[i] = k
	}
	return keys, nil
}

func (t *Table) duplicate(i int, key []byte, dir string) error {
	idx := t.cfg.Indexes[i]
	return &DuplicateKeyError{Index: idx.Name, Key: idx.Key.ToJSON(key), SegmentDir: dir}
}

// checkUnique looks for live occurrences of keys in segments [from, to).
// skipSeg/skipID exclude one row, the one being replaced. The caller holds
// the lock.
func (t *Table) checkUnique(keys [][]byte, from, to, skipSeg int, skipID int64) error {
	for s := from; s < to; s++ {
		seg := t.segs[s].seg
		skip := int64(-1)
		if s == skipSeg {
			skip = skipID
		}
		for i, k := range keys {
			if k == nil {
				continue
			}
			if segment.HasLiveKey(seg, i, k, skip) {
				return t.duplicate(i, k, seg.Dir())
			}
		}
	}
	return nil
}

// InsertRow appends row and returns its global id.
func (t *Table) InsertRow(row []byte) (int64, error) {
	if t.closed.Load() {
		return -1, ErrClosed
	}
	cols, err := t.parseRow(row)
	if err != nil {
		return -1, err
	}
	keys, err := t.uniqueKeys(cols)
	if err != nil {
		return -1, err
	}
	g := rwlock.NewGuard(&t.lock)
	defer g.Release()
	g.RLock()
	if err := t.maybeRollover(g); err != nil {
		return -1, err
	}
	checked := len(t.segs) - 1
	if t.cfg.HasUnique() {
		if err := t.checkUnique(keys, 0, checked, -1, -1); err != nil {
			return -1, err
		}
	}
	if !g.Upgrade() && t.cfg.HasUnique() {
		// Segments may have been appended while the lock was released. The
		// previously active one can hold rows inserted in the gap.
		if n := len(t.segs) - 1; n > checked {
			if err := t.checkUnique(keys, checked, n, -1, -1); err != nil {
				return -1, err
			}
		}
	}
	if t.closed.Load() {
		return -1, ErrClosed
	}
	return t.appendLocked(row, cols)
}

// appendLocked inserts into the active segment. The caller holds the write
// lock and has checked every frozen segment.
func (t *Table) appendLocked(row []byte, cols schema.Columns) (int64, error) {
	local, err := t.wr.Insert(row, cols)
	if err != nil {
		var dup *segment.DuplicateError
		if errors.As(err, &dup) {
			return -1, t.duplicate(dup.Index, dup.Key, t.wr.Dir())
		}
		return -1, err
	}
	n := len(t.segs)
	t.rowNumVec[n] = t.rowNumVec[n-1] + t.wr.NumDataRows()
	return t.rowNumVec[n-1] + local, nil
}

// insertLocked is the insert path for callers already holding the write
// lock.
func (t *Table) insertLocked(g *rwlock.Guard, row []byte, cols schema.Columns, keys [][]byte) (int64, error) {
	if err := t.maybeRollover(g); err != nil {
		return -1, err
	}
	if err := t.checkUnique(keys, 0, len(t.segs)-1, -1, -1); err != nil {
		return -1, err
	}
	return t.appendLocked(row, cols)
}

// ReplaceRow overwrites the row under id. Rows in the active segment are
// updated in place and keep their id. Rows in frozen segments are
// tombstoned and reinserted, so the returned id differs. Replacing a
// deleted row inserts it.
func (t *Table) ReplaceRow(id int64, row []byte) (int64, error) {
	if t.closed.Load() {
		return -1, ErrClosed
	}
	cols, err := t.parseRow(row)
	if err != nil {
		return -1, err
	}
	keys, err := t.uniqueKeys(cols)
	if err != nil {
		return -1, err
	}
	g := rwlock.NewGuard(&t.lock)
	defer g.Release()
	g.Lock()
	i, local, err := t.locate(id)
	if err != nil {
		return -1, err
	}
	seg := t.segs[i].seg
	if seg.DelVec().IsDeleted(local) {
		return t.insertLocked(g, row, cols, keys)
	}
	last := len(t.segs) - 1
	if i == last {
		if err := t.checkUnique(keys, 0, last, -1, -1); err != nil {
			return -1, err
		}
		if err := t.wr.Update(local, row, cols); err != nil {
			var dup *segment.DuplicateError
			if errors.As(err, &dup) {
				return -1, t.duplicate(dup.Index, dup.Key, t.wr.Dir())
			}
			return -1, err
		}
		return id, nil
	}

	if err := t.checkUnique(keys, 0, len(t.segs), i, local); err != nil {
		return -1, err
	}
	// Roll over first so that nothing after the tombstone can fail on
	// capacity. A background build may already have seen the tombstone.
	if err := t.maybeRollover(g); err != nil {
		return -1, err
	}
	if _, err := seg.Delete(local); err != nil {
		return -1, err
	}
	newID, err := t.insertLocked(g, row, cols, keys)
	if err != nil {
		seg.DelVec().Undelete(local)
		return -1, err
	}
	return newID, nil
}

// RemoveRow deletes the row under id. Removing a deleted row is a no-op.
// Removing the last row of the active segment gives its id back: NumRows
// shrinks, the id is handed out again by the next insert, and removing it
// a second time fails with ErrInvalidArgument until then.
func (t *Table) RemoveRow(id int64) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	i, local, err := t.locate(id)
	if err != nil {
		return err
	}
	seg := t.segs[i].seg
	if seg.DelVec().IsDeleted(local) {
		return nil
	}
	if i < len(t.segs)-1 {
		_, err := seg.Delete(local)
		return err
	}
	shrunk, err := t.wr.Remove(local)
	if err != nil {
		return err
	}
	if shrunk {
		t.rowNumVec[len(t.segs)]--
	}
	return nil
}

// maybeRollover freezes the active segment once it reached the size limit.
// g holds at least the read lock and is returned in the same mode.
func (t *Table) maybeRollover(g *rwlock.Guard) error {
	if t.wr.DataStorageSize() < t.cfg.MaxWrSegSize {
		return nil
	}
	if g.State() == rwlock.Read {
		g.Upgrade()
		defer g.Downgrade()
		if t.wr.DataStorageSize() < t.cfg.MaxWrSegSize {
			return nil
		}
	}
	return t.rolloverLocked()
}

func (t *Table) rolloverLocked() error {
	if len(t.segs) >= t.cfg.MaxSegments {
		return fmt.Errorf("%w: %d segments", ErrCapacityExceeded, len(t.segs))
	}
	w, err := segment.NewWritable(t.env, t.cfg, t.segDir(segment.KindWritable, len(t.segs)))
	if err != nil {
		return err
	}
	old := t.wr
	old.Freeze()
	t.segs = append(t.segs, slot{seg: w, gen: t.newGen()})
	t.rowNumVec = append(t.rowNumVec, t.rowNumVec[len(t.rowNumVec)-1])
	t.wr = w
	t.structGen.Add(1)
	t.logger.Info("Rolled over writable segment", "segment", len(t.segs)-2, "rows", old.NumDataRows())
	t.obs.OnRollover(len(t.segs))
	if !t.opts.DisableAutoCompaction {
		t.enqueue(old)
	}
	return nil
}

// Rollover freezes the active segment regardless of its size.
func (t *Table) Rollover() error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.rolloverLocked()
}

func (t *Table) hookTarget(indexID int, id int64) (*segment.Writable, int64, error) {
	if err := t.checkIndex(indexID); err != nil {
		return nil, 0, err
	}
	i, local, err := t.locate(id)
	if err != nil {
		return nil, 0, err
	}
	w, ok := t.segs[i].seg.(*segment.Writable)
	if !ok {
		t.logger.Warn("Index hook on readonly segment ignored", "segment", i, "index", t.cfg.Indexes[indexID].Name, "row", id)
		return nil, 0, nil
	}
	return w, local, nil
}

// IndexInsert adds (key, id) to an index directly, for log replay.
func (t *Table) IndexInsert(indexID int, key []byte, id int64) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	w, local, err := t.hookTarget(indexID, id)
	if w == nil || err != nil {
		return err
	}
	ok, err := w.IndexInsert(indexID, key, local)
	if err != nil {
		return err
	}
	if !ok {
		return t.duplicate(indexID, key, w.Dir())
	}
	return nil
}

// IndexRemove removes (key, id) from an index directly.
func (t *Table) IndexRemove(indexID int, key []byte, id int64) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	w, local, err := t.hookTarget(indexID, id)
	if w == nil || err != nil {
		return err
	}
	_, err = w.IndexRemove(indexID, key, local)
	return err
}

// IndexReplace moves key from id to newID. Both ids must live in the same
// segment.
func (t *Table) IndexReplace(indexID int, key []byte, id, newID int64) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	w, local, err := t.hookTarget(indexID, id)
	if w == nil || err != nil {
		return err
	}
	j, newLocal, err := t.locate(newID)
	if err != nil {
		return err
	}
	if t.segs[j].seg != segment.Segment(w) {
		return fmt.Errorf("%w: ids %d and %d are in different segments", ErrInvalidArgument, id, newID)
	}
	_, err = w.IndexReplace(indexID, key, local, newLocal)
	return err
}
