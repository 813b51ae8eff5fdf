package segment

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/segtable/internal/bitmap"
	"github.com/hupe1980/segtable/internal/fs"
	"github.com/hupe1980/segtable/internal/index"
	"github.com/hupe1980/segtable/internal/storage"
	"github.com/hupe1980/segtable/internal/store"
	"github.com/hupe1980/segtable/schema"
)

var _ Segment = (*Readonly)(nil)

// Readonly is an immutable segment produced by ConvFrom. Local ids are
// logical: rows deleted before conversion are purged from the parts, and
// physical = logical - purged.Rank(logical) addresses the parts.
type Readonly struct {
	env     Env
	cfg     *schema.Config
	dir     string
	isDel   *bitmap.DelVec
	purged  *bitmap.DelVec
	indices []*index.Sorted
	// parts holds the columns no index covers, nil when there are none.
	parts *MultiPartStore

	dirty  atomic.Bool
	saveMu sync.Mutex
}

// OpenReadonly maps the segment stored in dir.
func OpenReadonly(env Env, cfg *schema.Config, dir string) (_ *Readonly, err error) {
	env = env.withDefaults()
	r := &Readonly{env: env, cfg: cfg, dir: dir}
	defer func() {
		if err != nil {
			_ = r.Close() // Intentionally ignore: cleanup path
		}
	}()
	if r.purged, err = bitmap.Load(env.FS, filepath.Join(dir, PurgedFile)); err != nil {
		return nil, fmt.Errorf("load purge bits: %w", err)
	}
	if r.isDel, err = bitmap.Load(env.FS, filepath.Join(dir, DelFile)); err != nil {
		return nil, fmt.Errorf("load tombstones: %w", err)
	}
	if r.isDel.Size() != r.purged.Size() {
		return nil, fmt.Errorf("%w: %s has %d tombstones for %d rows", ErrCorrupt, dir, r.isDel.Size(), r.purged.Size())
	}
	for _, idx := range cfg.Indexes {
		s, err := index.OpenSorted(filepath.Join(dir, IndexFile(idx.Name)), indexOptions(idx))
		if err != nil {
			return nil, fmt.Errorf("open index %q: %w", idx.Name, err)
		}
		r.indices = append(r.indices, s)
	}
	if cfg.Remain != nil {
		if err := r.openParts(); err != nil {
			return nil, err
		}
		if want := r.purged.Size() - r.purged.DelCount(); r.parts.NumDataRows() != want {
			return nil, fmt.Errorf("%w: %s parts hold %d rows, want %d", ErrCorrupt, dir, r.parts.NumDataRows(), want)
		}
	}
	return r, nil
}

func (r *Readonly) openParts() error {
	entries, err := r.env.FS.ReadDir(r.dir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), PartPrefix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	parts := make([]*store.Part, 0, len(names))
	for _, name := range names {
		p, err := store.OpenPart(filepath.Join(r.dir, name), r.env.Cache)
		if err != nil {
			for _, q := range parts {
				_ = q.Close() // Intentionally ignore: cleanup path
			}
			return fmt.Errorf("open part %s: %w", name, err)
		}
		parts = append(parts, p)
	}
	r.parts = NewMultiPartStore(parts)
	return nil
}

func (r *Readonly) Kind() Kind { return KindReadonly }

func (r *Readonly) Dir() string { return r.dir }

func (r *Readonly) NumDataRows() int64 { return r.isDel.Size() }

func (r *Readonly) DelVec() *bitmap.DelVec { return r.isDel }

// Purged returns the rows that were deleted before conversion.
func (r *Readonly) Purged() *bitmap.DelVec { return r.purged }

func (r *Readonly) Index(i int) storage.ReadableIndex { return r.indices[i] }

// NumParts returns the number of row parts.
func (r *Readonly) NumParts() int {
	if r.parts == nil {
		return 0
	}
	return r.parts.NumParts()
}

func (r *Readonly) DataStorageSize() int64 {
	if r.parts == nil {
		return 0
	}
	return r.parts.DataStorageSize()
}

func (r *Readonly) IndexStorageSize() int64 {
	var n int64
	for _, s := range r.indices {
		n += s.IndexStorageSize()
	}
	return n
}

// GetValueAppend rebuilds the row from the index keys and the remaining
// column group.
func (r *Readonly) GetValueAppend(id int64, dst []byte) ([]byte, error) {
	if r.purged.IsDeleted(id) {
		return dst, fmt.Errorf("%w: %d", storage.ErrNotFound, id)
	}
	owners := r.cfg.Owners
	cols := make(schema.Columns, len(owners))
	groups := make([]schema.Columns, len(r.indices))
	var remain schema.Columns
	for c, o := range owners {
		if o.Group >= 0 {
			if groups[o.Group] == nil {
				key, ok := r.indices[o.Group].KeyOf(id)
				if !ok {
					return dst, fmt.Errorf("%w: row %d missing from index %q", ErrCorrupt, id, r.cfg.Indexes[o.Group].Name)
				}
				g, err := r.cfg.Indexes[o.Group].Key.ParseRow(key)
				if err != nil {
					return dst, fmt.Errorf("%w: key of row %d: %w", ErrCorrupt, id, err)
				}
				groups[o.Group] = g
			}
			cols[c] = groups[o.Group][o.Pos]
			continue
		}
		if remain == nil {
			buf, err := r.parts.GetValueAppend(id-r.purged.Rank(id), nil)
			if err != nil {
				return dst, err
			}
			if remain, err = r.cfg.Remain.ParseRow(buf); err != nil {
				return dst, fmt.Errorf("%w: part row %d: %w", ErrCorrupt, id, err)
			}
		}
		cols[c] = remain[o.Pos]
	}
	return r.cfg.Row.AppendRow(dst, cols)
}

func (r *Readonly) NewStoreIterForward() storage.StoreIterator {
	return &readonlyIter{r: r, step: 1}
}

func (r *Readonly) NewStoreIterBackward() storage.StoreIterator {
	return &readonlyIter{r: r, step: -1, pos: r.NumDataRows() - 1}
}

// Delete tombstones id. The change is persisted by the next Flush.
func (r *Readonly) Delete(id int64) (bool, error) {
	ok, err := r.isDel.Delete(id)
	if ok {
		r.dirty.Store(true)
	}
	return ok, err
}

// Dirty reports whether tombstones changed since the last flush.
func (r *Readonly) Dirty() bool { return r.dirty.Load() }

// Flush rewrites the tombstone file if it changed.
func (r *Readonly) Flush() error {
	if !r.dirty.Swap(false) {
		return nil
	}
	r.saveMu.Lock()
	defer r.saveMu.Unlock()
	if err := r.isDel.Save(r.env.FS, filepath.Join(r.dir, DelFile)); err != nil {
		r.dirty.Store(true)
		return err
	}
	return nil
}

// Save copies the immutable files into dir and writes current tombstones.
func (r *Readonly) Save(dir string) error {
	if filepath.Clean(dir) == filepath.Clean(r.dir) {
		return r.Flush()
	}
	r.saveMu.Lock()
	defer r.saveMu.Unlock()
	if err := r.env.FS.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	entries, err := r.env.FS.ReadDir(r.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || e.Name() == DelFile {
			continue
		}
		data, err := fs.ReadFile(r.env.FS, filepath.Join(r.dir, e.Name()))
		if err != nil {
			return err
		}
		if err := fs.WriteFileAtomic(r.env.FS, filepath.Join(dir, e.Name()), data); err != nil {
			return fmt.Errorf("copy %s: %w", e.Name(), err)
		}
	}
	return r.isDel.Save(r.env.FS, filepath.Join(dir, DelFile))
}

func (r *Readonly) Close() error {
	var errs []error
	for _, s := range r.indices {
		errs = append(errs, s.Close())
	}
	r.indices = nil
	if r.parts != nil {
		errs = append(errs, r.parts.Close())
		r.parts = nil
	}
	return errors.Join(errs...)
}

type readonlyIter struct {
	r    *Readonly
	pos  int64
	step int64
	buf  []byte
}

func (it *readonlyIter) Next() (int64, []byte, bool) {
	n := it.r.NumDataRows()
	for it.pos >= 0 && it.pos < n {
		id := it.pos
		it.pos += it.step
		if it.r.purged.IsDeleted(id) {
			continue
		}
		var err error
		it.buf, err = it.r.GetValueAppend(id, it.buf[:0])
		if err != nil {
			it.r.env.Logger.Warn("Skipping unreadable row", "segment", it.r.dir, "row", id, "error", err)
			continue
		}
		return id, it.buf, true
	}
	return -1, nil, false
}

func (it *readonlyIter) Seek(id int64) { it.pos = id }

func (it *readonlyIter) Reset() {
	if it.step > 0 {
		it.pos = 0
		return
	}
	it.pos = it.r.NumDataRows() - 1
}

func (it *readonlyIter) Close() error { return nil }
