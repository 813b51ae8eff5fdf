package segment

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/segtable/internal/bitmap"
	"github.com/hupe1980/segtable/internal/storage"
	"github.com/hupe1980/segtable/schema"
)

var _ Segment = (*Writable)(nil)

// Writable is a mutable segment. Only the table's active segment receives
// appends; frozen writable segments only take tombstones and index hooks
// until they are converted.
type Writable struct {
	env   Env
	cfg   *schema.Config
	dir   string
	store storage.WritableStore
	// indices align with cfg.Indexes.
	indices []storage.WritableIndex
	// order lists index positions with unique indexes first.
	order []int
	isDel *bitmap.DelVec

	frozen atomic.Bool
	dirty  atomic.Bool
	saveMu sync.Mutex
}

// NewWritable creates an empty segment in dir.
func NewWritable(env Env, cfg *schema.Config, dir string) (*Writable, error) {
	env = env.withDefaults()
	if err := env.FS.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	sb, err := env.Registry.Store(env.StoreBackend)
	if err != nil {
		return nil, err
	}
	w := newWritable(env, cfg, dir)
	w.store = sb.New(env.storageEnv())
	for i, idx := range cfg.Indexes {
		ib, err := env.Registry.Index(IndexBackend(idx))
		if err != nil {
			return nil, err
		}
		w.indices[i] = ib.New(env.storageEnv(), indexOptions(idx))
	}
	w.isDel = bitmap.New(0)
	w.dirty.Store(true)
	return w, nil
}

// LoadWritable opens a segment saved in dir.
func LoadWritable(env Env, cfg *schema.Config, dir string) (*Writable, error) {
	env = env.withDefaults()
	sb, err := env.Registry.Store(env.StoreBackend)
	if err != nil {
		return nil, err
	}
	w := newWritable(env, cfg, dir)
	w.store, err = sb.Load(env.storageEnv(), filepath.Join(dir, StoreFile))
	if err != nil {
		return nil, fmt.Errorf("load store: %w", err)
	}
	for i, idx := range cfg.Indexes {
		ib, err := env.Registry.Index(IndexBackend(idx))
		if err != nil {
			return nil, err
		}
		w.indices[i], err = ib.Load(env.storageEnv(), indexOptions(idx), filepath.Join(dir, IndexFile(idx.Name)))
		if err != nil {
			return nil, fmt.Errorf("load index %q: %w", idx.Name, err)
		}
	}
	w.isDel, err = bitmap.Load(env.FS, filepath.Join(dir, DelFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
		w.isDel = bitmap.New(w.store.NumDataRows())
	case err != nil:
		return nil, fmt.Errorf("load tombstones: %w", err)
	}
	if w.isDel.Size() != w.store.NumDataRows() {
		return nil, fmt.Errorf("%w: %s has %d tombstones for %d rows", ErrCorrupt, dir, w.isDel.Size(), w.store.NumDataRows())
	}
	return w, nil
}

func newWritable(env Env, cfg *schema.Config, dir string) *Writable {
	w := &Writable{
		env:     env,
		cfg:     cfg,
		dir:     dir,
		indices: make([]storage.WritableIndex, len(cfg.Indexes)),
	}
	for i, idx := range cfg.Indexes {
		if idx.Unique {
			w.order = append(w.order, i)
		}
	}
	for i, idx := range cfg.Indexes {
		if !idx.Unique {
			w.order = append(w.order, i)
		}
	}
	return w
}

func (w *Writable) Kind() Kind { return KindWritable }

func (w *Writable) Dir() string { return w.dir }

func (w *Writable) NumDataRows() int64 { return w.isDel.Size() }

func (w *Writable) DelVec() *bitmap.DelVec { return w.isDel }

func (w *Writable) Index(i int) storage.ReadableIndex { return w.indices[i] }

// WritableIndex exposes index i for direct mutation.
func (w *Writable) WritableIndex(i int) storage.WritableIndex { return w.indices[i] }

func (w *Writable) DataStorageSize() int64 { return w.store.DataStorageSize() }

func (w *Writable) IndexStorageSize() int64 {
	var n int64
	for _, idx := range w.indices {
		n += idx.IndexStorageSize()
	}
	return n
}

func (w *Writable) GetValueAppend(id int64, dst []byte) ([]byte, error) {
	return w.store.GetValueAppend(id, dst)
}

func (w *Writable) NewStoreIterForward() storage.StoreIterator { return w.store.NewStoreIterForward() }

func (w *Writable) NewStoreIterBackward() storage.StoreIterator { return w.store.NewStoreIterBackward() }

// Freeze marks the segment as no longer active.
func (w *Writable) Freeze() { w.frozen.Store(true) }

func (w *Writable) Frozen() bool { return w.frozen.Load() }

// Dirty reports whether changes are pending a Flush.
func (w *Writable) Dirty() bool { return w.dirty.Load() }

func (w *Writable) keys(cols schema.Columns) ([][]byte, error) {
	keys := make([][]byte, len(w.cfg.Indexes))
	for i, idx := range w.cfg.Indexes {
		k, err := IndexKey(idx, cols, nil)
		if err != nil {
			return nil, err
		}
		keys[i] = k
	}
	return keys, nil
}

// Insert appends row and adds its keys to every index, unique indexes
// first. On a uniqueness violation every applied change is rolled back and
// a *DuplicateError is returned.
func (w *Writable) Insert(row []byte, cols schema.Columns) (int64, error) {
	if w.Frozen() {
		return -1, fmt.Errorf("%w: append to frozen segment %s", ErrReadOnly, w.dir)
	}
	keys, err := w.keys(cols)
	if err != nil {
		return -1, err
	}
	id, err := w.store.Append(row)
	if err != nil {
		return -1, err
	}
	if want := w.isDel.Size(); id != want {
		_ = w.store.Remove(id) // Intentionally ignore: cleanup path
		return -1, fmt.Errorf("%w: store assigned id %d, want %d", ErrCorrupt, id, want)
	}
	done := make([]int, 0, len(w.order))
	rollback := func() {
		for _, i := range done {
			_, _ = w.indices[i].Remove(keys[i], id) // Intentionally ignore: rollback path
		}
		_ = w.store.Remove(id) // Intentionally ignore: rollback path
	}
	for _, i := range w.order {
		ok, err := w.indices[i].Insert(keys[i], id)
		if err != nil {
			rollback()
			return -1, err
		}
		if !ok {
			rollback()
			return -1, &DuplicateError{Index: i, Key: keys[i]}
		}
		done = append(done, i)
	}
	if _, err := w.isDel.Append(false); err != nil {
		rollback()
		return -1, err
	}
	w.dirty.Store(true)
	return id, nil
}

// Update replaces the row under id in place. Only keys that changed touch
// the indexes. Changed unique keys are inserted before anything is
// removed, so a violation leaves the segment untouched.
func (w *Writable) Update(id int64, row []byte, cols schema.Columns) error {
	if w.isDel.IsDeleted(id) {
		return fmt.Errorf("%w: %d", storage.ErrNotFound, id)
	}
	old, err := w.store.GetValueAppend(id, nil)
	if err != nil {
		return err
	}
	oldCols, err := w.cfg.Row.ParseRow(old)
	if err != nil {
		return fmt.Errorf("%w: stored row %d: %w", ErrCorrupt, id, err)
	}
	oldKeys, err := w.keys(oldCols)
	if err != nil {
		return err
	}
	newKeys, err := w.keys(cols)
	if err != nil {
		return err
	}

	var inserted []int
	for _, i := range w.order {
		if !w.cfg.Indexes[i].Unique || bytes.Equal(oldKeys[i], newKeys[i]) {
			continue
		}
		ok, err := w.indices[i].Insert(newKeys[i], id)
		if err != nil || !ok {
			for _, j := range inserted {
				_, _ = w.indices[j].Remove(newKeys[j], id) // Intentionally ignore: rollback path
			}
			if err != nil {
				return err
			}
			return &DuplicateError{Index: i, Key: newKeys[i]}
		}
		inserted = append(inserted, i)
	}
	for _, i := range inserted {
		if _, err := w.indices[i].Remove(oldKeys[i], id); err != nil {
			return err
		}
	}
	for _, i := range w.order {
		if w.cfg.Indexes[i].Unique || bytes.Equal(oldKeys[i], newKeys[i]) {
			continue
		}
		if _, err := w.indices[i].Remove(oldKeys[i], id); err != nil {
			return err
		}
		if _, err := w.indices[i].Insert(newKeys[i], id); err != nil {
			return err
		}
	}
	if err := w.store.Replace(id, row); err != nil {
		return err
	}
	w.dirty.Store(true)
	return nil
}

// Remove drops id from the indexes and the store and tombstones it. The
// segment shrinks only when id is its last row, which is reported.
func (w *Writable) Remove(id int64) (shrunk bool, err error) {
	if w.isDel.IsDeleted(id) {
		return false, nil
	}
	row, err := w.store.GetValueAppend(id, nil)
	if err != nil {
		return false, err
	}
	cols, err := w.cfg.Row.ParseRow(row)
	if err != nil {
		return false, fmt.Errorf("%w: stored row %d: %w", ErrCorrupt, id, err)
	}
	keys, err := w.keys(cols)
	if err != nil {
		return false, err
	}
	for i, idx := range w.indices {
		if _, err := idx.Remove(keys[i], id); err != nil {
			return false, err
		}
	}
	if err := w.store.Remove(id); err != nil {
		return false, err
	}
	if _, err := w.isDel.Delete(id); err != nil {
		return false, err
	}
	w.dirty.Store(true)
	if id == w.isDel.Size()-1 {
		w.isDel.PopBack()
		return true, nil
	}
	return false, nil
}

// Delete tombstones id without touching the store or the indexes.
func (w *Writable) Delete(id int64) (bool, error) {
	ok, err := w.isDel.Delete(id)
	if ok {
		w.dirty.Store(true)
	}
	return ok, err
}

// IndexInsert adds (key, id) to index i directly.
func (w *Writable) IndexInsert(i int, key []byte, id int64) (bool, error) {
	w.dirty.Store(true)
	return w.indices[i].Insert(key, id)
}

// IndexRemove removes (key, id) from index i directly.
func (w *Writable) IndexRemove(i int, key []byte, id int64) (bool, error) {
	w.dirty.Store(true)
	return w.indices[i].Remove(key, id)
}

// IndexReplace moves key from oldID to newID in index i.
func (w *Writable) IndexReplace(i int, key []byte, oldID, newID int64) (bool, error) {
	w.dirty.Store(true)
	return w.indices[i].Replace(key, oldID, newID)
}

// Flush persists the segment into its own directory if anything changed
// since the last flush.
func (w *Writable) Flush() error {
	if !w.dirty.Swap(false) {
		return nil
	}
	if err := w.store.Flush(); err != nil {
		w.dirty.Store(true)
		return err
	}
	for _, idx := range w.indices {
		if err := idx.Flush(); err != nil {
			w.dirty.Store(true)
			return err
		}
	}
	if err := w.Save(w.dir); err != nil {
		w.dirty.Store(true)
		return err
	}
	return nil
}

// Save writes the store, every index and the tombstones into dir.
func (w *Writable) Save(dir string) error {
	w.saveMu.Lock()
	defer w.saveMu.Unlock()
	if err := w.env.FS.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := w.store.Save(filepath.Join(dir, StoreFile)); err != nil {
		return fmt.Errorf("save store: %w", err)
	}
	for i, idx := range w.indices {
		if err := idx.Save(filepath.Join(dir, IndexFile(w.cfg.Indexes[i].Name))); err != nil {
			return fmt.Errorf("save index %q: %w", w.cfg.Indexes[i].Name, err)
		}
	}
	if err := w.isDel.Save(w.env.FS, filepath.Join(dir, DelFile)); err != nil {
		return fmt.Errorf("save tombstones: %w", err)
	}
	return nil
}

// Close releases nothing for the bundled in-memory backends.
func (w *Writable) Close() error { return nil }
