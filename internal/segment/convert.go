package segment

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/segtable/internal/bitmap"
	"github.com/hupe1980/segtable/internal/compress"
	"github.com/hupe1980/segtable/internal/index"
	"github.com/hupe1980/segtable/internal/store"
	"github.com/hupe1980/segtable/schema"
)

// DefaultPartSize bounds the raw bytes of one readonly part when the table
// does not set ReadonlyDataMemSize.
const DefaultPartSize = 64 << 20

// Build is a converted segment waiting in its build directory.
type Build struct {
	env  Env
	cfg  *schema.Config
	dir  string
	base *bitmap.DelVec
	rows int64
}

// Dir returns the build directory.
func (b *Build) Dir() string { return b.dir }

// LiveRows returns the number of rows written.
func (b *Build) LiveRows() int64 { return b.rows }

// ConvFrom writes a readonly image of src into dir. Rows deleted when the
// conversion starts are purged. src must be frozen and must not be mutated
// except through Delete until Install or Abort.
func ConvFrom(ctx context.Context, env Env, src *Writable, dir string) (*Build, error) {
	env = env.withDefaults()
	cfg := src.cfg
	codec, err := compress.ParseCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}
	partSize := cfg.ReadonlyDataMemSize
	if partSize <= 0 {
		partSize = DefaultPartSize
	}
	if err := env.FS.RemoveAll(dir); err != nil {
		return nil, err
	}
	if err := env.FS.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	b := &Build{env: env, cfg: cfg, dir: dir, base: src.isDel.Clone()}
	ok := false
	defer func() {
		if !ok {
			b.Abort()
		}
	}()
	n := b.base.Size()

	vecs := make([]*SortableStrVec, len(cfg.Indexes))
	for i, idx := range cfg.Indexes {
		vecs[i] = NewSortableStrVec(idx.Key.CompareData)
	}
	partOpts := store.PartWriterOptions{Codec: codec, Controller: env.Controller}
	if cfg.Remain != nil {
		partOpts.FixedLen = cfg.Remain.FixedRowLen()
	}
	var (
		pw        *store.PartWriter
		parts     int
		partBytes int64
		keyBuf    []byte
		remBuf    []byte
	)
	finishPart := func() error {
		if pw == nil {
			return nil
		}
		err := pw.Finish()
		pw = nil
		return err
	}

	defer func() {
		if pw != nil {
			pw.Abort()
		}
	}()

	it := src.store.NewStoreIterForward()
	defer func() { _ = it.Close() }()
	for {
		id, row, more := it.Next()
		if !more || id >= n {
			break
		}
		if b.base.IsDeleted(id) {
			continue
		}
		if b.rows%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		cols, err := cfg.Row.ParseRow(row)
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %w", ErrCorrupt, id, err)
		}
		for i, idx := range cfg.Indexes {
			if keyBuf, err = IndexKey(idx, cols, keyBuf[:0]); err != nil {
				return nil, err
			}
			vecs[i].Append(keyBuf, id)
		}
		if cfg.Remain != nil {
			if pw == nil {
				pw, err = store.CreatePart(ctx, env.FS, filepath.Join(dir, PartFile(parts)), partOpts)
				if err != nil {
					return nil, err
				}
				parts++
				partBytes = 0
			}
			if remBuf, err = cfg.Remain.SelectParent(cols, remBuf[:0]); err != nil {
				return nil, err
			}
			if err := pw.Add(remBuf); err != nil {
				return nil, err
			}
			partBytes += int64(len(remBuf))
			if partBytes >= partSize {
				if err := finishPart(); err != nil {
					return nil, err
				}
			}
		}
		b.rows++
	}
	if err := finishPart(); err != nil {
		return nil, err
	}
	if want := n - b.base.DelCount(); b.rows != want {
		return nil, fmt.Errorf("%w: %s holds %d live rows, tombstones expect %d", ErrCorrupt, src.dir, b.rows, want)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, idx := range cfg.Indexes {
		vec := vecs[i]
		path := filepath.Join(dir, IndexFile(idx.Name))
		cmp := idx.Key.CompareData
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			vec.Sort()
			return index.BuildSorted(env.FS, path, vec, n, cmp)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("build indexes: %w", err)
	}
	if err := b.base.Save(env.FS, filepath.Join(dir, PurgedFile)); err != nil {
		return nil, err
	}
	ok = true
	return b, nil
}

// Install reconciles the tombstones with deletes that happened during the
// build, moves the build directory to final and opens it. The caller holds
// the table's write lock so current cannot change underneath. A row the
// build purged that is live again in current makes Install fail with
// ErrStaleBuild and the build has to be redone.
func (b *Build) Install(current *bitmap.DelVec, final string) (*Readonly, error) {
	if revived := b.base.NewlyDeleted(current); len(revived) > 0 {
		return nil, fmt.Errorf("%w: %d rows undeleted since the build started", ErrStaleBuild, len(revived))
	}
	isDel := b.base.Clone()
	for _, id := range current.NewlyDeleted(b.base) {
		if _, err := isDel.Delete(id); err != nil {
			return nil, err
		}
	}
	if err := isDel.Save(b.env.FS, filepath.Join(b.dir, DelFile)); err != nil {
		return nil, err
	}
	if err := b.env.FS.RemoveAll(final); err != nil {
		return nil, err
	}
	if err := b.env.FS.Rename(b.dir, final); err != nil {
		return nil, err
	}
	ro, err := OpenReadonly(b.env, b.cfg, final)
	if err != nil {
		_ = b.env.FS.RemoveAll(final) // Intentionally ignore: cleanup path
		return nil, err
	}
	return ro, nil
}

// Abort removes the build directory.
func (b *Build) Abort() {
	_ = b.env.FS.RemoveAll(b.dir) // Intentionally ignore: cleanup path
}
