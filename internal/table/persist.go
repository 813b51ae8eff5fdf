package table

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/hupe1980/segtable/internal/segment"
)

// Flush persists every segment with pending changes and the table metadata.
func (t *Table) Flush() error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.lock.RLock()
	defer t.lock.RUnlock()
	var errs []error
	for i, s := range t.segs {
		if err := s.seg.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush segment %d: %w", i, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	return t.writeMeta(t.dir)
}

// Save writes a complete copy of the table into dir, which can later be
// passed to Open. Frozen segments are copied without the table lock. The
// scan reference keeps them from being converted meanwhile.
func (t *Table) Save(dir string) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if same, _ := samePath(dir, t.dir); same {
		t.logger.Warn("Save into own directory skipped", "dir", dir)
		return nil
	}
	if err := t.env.FS.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	t.scanRef.Add(1)
	defer t.scanRef.Add(-1)

	t.lock.RLock()
	first := make([]segment.Segment, 0, len(t.segs))
	for _, s := range t.segs[:len(t.segs)-1] {
		first = append(first, s.seg)
	}
	t.lock.RUnlock()

	for i, seg := range first {
		if err := seg.Save(filepath.Join(dir, segment.DirName(seg.Kind(), i))); err != nil {
			return fmt.Errorf("save segment %d: %w", i, err)
		}
	}

	// Segments appended while the first pass ran, plus the active one.
	t.lock.RLock()
	defer t.lock.RUnlock()
	for i := len(first); i < len(t.segs); i++ {
		seg := t.segs[i].seg
		if err := seg.Save(filepath.Join(dir, segment.DirName(seg.Kind(), i))); err != nil {
			return fmt.Errorf("save segment %d: %w", i, err)
		}
	}
	if err := t.writeMeta(dir); err != nil {
		return err
	}
	t.logger.Info("Saved table", "dir", dir, "segments", len(t.segs))
	return nil
}

func samePath(a, b string) (bool, error) {
	aa, err := filepath.Abs(a)
	if err != nil {
		return false, err
	}
	bb, err := filepath.Abs(b)
	if err != nil {
		return false, err
	}
	return filepath.Clean(aa) == filepath.Clean(bb), nil
}
