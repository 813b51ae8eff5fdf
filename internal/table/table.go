package table

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/segtable/internal/cache"
	"github.com/hupe1980/segtable/internal/fs"
	"github.com/hupe1980/segtable/internal/resource"
	"github.com/hupe1980/segtable/internal/rwlock"
	"github.com/hupe1980/segtable/internal/scheduler"
	"github.com/hupe1980/segtable/internal/segment"
	"github.com/hupe1980/segtable/internal/storage"
	"github.com/hupe1980/segtable/schema"
)

const (
	DefaultMaxWritableSegmentSize = 32 << 20
	DefaultMaxSegments            = 4096
	DefaultCompactionRetryDelay   = 500 * time.Millisecond
)

// Options holds the collaborators of a table. Zero values select defaults.
type Options struct {
	FS       fs.FileSystem
	Logger   *slog.Logger
	Metrics  MetricsObserver
	Registry *storage.Registry
	// StoreBackend names the writable store backend.
	StoreBackend string
	Cache        cache.BlockCache
	Controller   *resource.Controller
	// Scheduler runs background compaction. When nil the table owns one
	// with CompactionWorkers workers.
	Scheduler         *scheduler.Scheduler
	CompactionWorkers int
	// DisableAutoCompaction keeps rollover from enqueueing conversions.
	DisableAutoCompaction bool
	CompactionRetryDelay  time.Duration
	// Configure adjusts the table description before use, both for new
	// tables and for tables loaded from dbmeta.json.
	Configure func(cfg *schema.Config)
}

type slot struct {
	seg segment.Segment
	// gen changes whenever the segment in this position is replaced.
	gen uint64
}

// Table is a composite table over a directory of segments.
type Table struct {
	cfg    *schema.Config
	dir    string
	opts   Options
	env    segment.Env
	logger *slog.Logger
	obs    MetricsObserver

	lock rwlock.RWLock
	// Guarded by lock.
	segs      []slot
	rowNumVec []int64
	wr        *segment.Writable
	nextGen   uint64

	// structGen changes on any change of the segment list. epoch changes on
	// Clear, which invalidates open iterators.
	structGen atomic.Uint64
	epoch     atomic.Uint64
	scanRef   atomic.Int64
	closed    atomic.Bool

	sched    *scheduler.Scheduler
	ownSched bool

	pendingMu sync.Mutex
	pending   map[*segment.Writable]bool
	convLocks sync.Map // *segment.Writable -> *sync.Mutex
}

func newTable(dir string, cfg *schema.Config, opts Options) *Table {
	if opts.FS == nil {
		opts.FS = fs.Default
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Metrics == nil {
		opts.Metrics = &NoopMetricsObserver{}
	}
	if opts.Registry == nil {
		opts.Registry = segment.DefaultRegistry()
	}
	if opts.CompactionRetryDelay <= 0 {
		opts.CompactionRetryDelay = DefaultCompactionRetryDelay
	}
	if cfg.MaxWrSegSize <= 0 {
		cfg.MaxWrSegSize = DefaultMaxWritableSegmentSize
	}
	if cfg.MaxSegments <= 0 {
		cfg.MaxSegments = DefaultMaxSegments
	}
	logger := opts.Logger.With("table", dir)
	t := &Table{
		cfg:    cfg,
		dir:    dir,
		opts:   opts,
		logger: logger,
		obs:    opts.Metrics,
		env: segment.Env{
			FS:           opts.FS,
			Logger:       logger,
			Registry:     opts.Registry,
			Cache:        opts.Cache,
			Controller:   opts.Controller,
			StoreBackend: opts.StoreBackend,
		},
		pending: make(map[*segment.Writable]bool),
	}
	t.sched = opts.Scheduler
	if t.sched == nil {
		t.ownSched = true
		t.sched = scheduler.New(scheduler.Config{
			Workers:    opts.CompactionWorkers,
			Controller: opts.Controller,
			Logger:     logger,
			OnQueueDepth: func(high, low int) {
				t.obs.OnQueueDepth("flush", high)
				t.obs.OnQueueDepth("convert", low)
			},
		})
	}
	return t
}

// Create initializes an empty table in dir. dir must not hold a table.
func Create(dir string, cfg *schema.Config, opts Options) (*Table, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: missing schema", ErrInvalidArgument)
	}
	if opts.Configure != nil {
		opts.Configure(cfg)
	}
	t := newTable(dir, cfg, opts)
	if _, err := t.env.FS.Stat(t.metaPath(dir)); err == nil {
		return nil, fmt.Errorf("%w: %s already holds a table", ErrInvalidArgument, dir)
	}
	if err := t.env.FS.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	w, err := segment.NewWritable(t.env, cfg, t.segDir(segment.KindWritable, 0))
	if err != nil {
		return nil, err
	}
	t.segs = []slot{{seg: w, gen: t.newGen()}}
	t.rowNumVec = []int64{0, 0}
	t.wr = w
	if err := w.Flush(); err != nil {
		return nil, err
	}
	if err := t.writeMeta(dir); err != nil {
		return nil, err
	}
	t.start()
	return t, nil
}

// Open loads the table stored in dir.
func Open(dir string, opts Options) (*Table, error) {
	fsys := opts.FS
	if fsys == nil {
		fsys = fs.Default
	}
	data, err := fs.ReadFile(fsys, filepath.Join(dir, schema.MetaFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: no %s in %s", ErrInvalidArgument, schema.MetaFileName, dir)
		}
		return nil, err
	}
	cfg := &schema.Config{}
	if err := cfg.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if opts.Configure != nil {
		opts.Configure(cfg)
	}
	t := newTable(dir, cfg, opts)
	if err := t.load(); err != nil {
		t.closeSegments()
		return nil, err
	}
	t.start()
	// Frozen writable segments left behind by a crash or a clean close with
	// pending conversions.
	if !t.opts.DisableAutoCompaction {
		for _, s := range t.segs[:len(t.segs)-1] {
			if w, ok := s.seg.(*segment.Writable); ok {
				t.enqueue(w)
			}
		}
	}
	return t, nil
}

func (t *Table) load() error {
	entries, err := t.env.FS.ReadDir(t.dir)
	if err != nil {
		return err
	}
	type found struct{ wr, rd bool }
	bySeq := map[int]*found{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		kind, seq, tmp, ok := segment.ParseDirName(e.Name())
		if !ok {
			continue
		}
		if tmp {
			t.logger.Info("Removing abandoned build directory", "dir", e.Name())
			if err := t.env.FS.RemoveAll(filepath.Join(t.dir, e.Name())); err != nil {
				return err
			}
			continue
		}
		f := bySeq[seq]
		if f == nil {
			f = &found{}
			bySeq[seq] = f
		}
		if kind == segment.KindReadonly {
			f.rd = true
		} else {
			f.wr = true
		}
	}
	seqs := make([]int, 0, len(bySeq))
	for seq := range bySeq {
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)
	t.rowNumVec = []int64{0}
	for i, seq := range seqs {
		if seq != i {
			return fmt.Errorf("%w: segment %d missing", ErrCorrupt, i)
		}
		f := bySeq[seq]
		var seg segment.Segment
		if f.rd {
			if f.wr {
				// The conversion finished but the old directory survived.
				t.logger.Info("Removing converted writable segment", "segment", seq)
				if err := t.env.FS.RemoveAll(t.segDir(segment.KindWritable, seq)); err != nil {
					return err
				}
			}
			ro, err := segment.OpenReadonly(t.env, t.cfg, t.segDir(segment.KindReadonly, seq))
			if err != nil {
				return fmt.Errorf("%w: segment %d: %w", ErrCorrupt, seq, err)
			}
			seg = ro
		} else {
			w, err := segment.LoadWritable(t.env, t.cfg, t.segDir(segment.KindWritable, seq))
			if err != nil {
				return fmt.Errorf("%w: segment %d: %w", ErrCorrupt, seq, err)
			}
			seg = w
		}
		t.segs = append(t.segs, slot{seg: seg, gen: t.newGen()})
		t.rowNumVec = append(t.rowNumVec, t.rowNumVec[i]+seg.NumDataRows())
	}
	if n := len(t.segs); n > 0 {
		for _, s := range t.segs[:n-1] {
			if w, ok := s.seg.(*segment.Writable); ok {
				w.Freeze()
			}
		}
		if w, ok := t.segs[n-1].seg.(*segment.Writable); ok {
			t.wr = w
			return nil
		}
	}
	w, err := segment.NewWritable(t.env, t.cfg, t.segDir(segment.KindWritable, len(t.segs)))
	if err != nil {
		return err
	}
	t.segs = append(t.segs, slot{seg: w, gen: t.newGen()})
	t.rowNumVec = append(t.rowNumVec, t.rowNumVec[len(t.rowNumVec)-1])
	t.wr = w
	return nil
}

func (t *Table) start() {
	if t.ownSched {
		t.sched.Start()
	}
}

func (t *Table) newGen() uint64 {
	t.nextGen++
	return t.nextGen
}

func (t *Table) segDir(kind segment.Kind, seq int) string {
	return filepath.Join(t.dir, segment.DirName(kind, seq))
}

func (t *Table) metaPath(dir string) string {
	return filepath.Join(dir, schema.MetaFileName)
}

func (t *Table) writeMeta(dir string) error {
	data, err := t.cfg.MarshalJSON()
	if err != nil {
		return err
	}
	return fs.WriteFileAtomic(t.env.FS, t.metaPath(dir), data)
}

// Config returns the table description.
func (t *Table) Config() *schema.Config { return t.cfg }

// Dir returns the table directory.
func (t *Table) Dir() string { return t.dir }

// Logger returns the table logger.
func (t *Table) Logger() *slog.Logger { return t.logger }

// locate maps a global id to a segment position and local id. The caller
// holds the lock.
func (t *Table) locate(id int64) (int, int64, error) {
	if id < 0 || id >= t.rowNumVec[len(t.rowNumVec)-1] {
		return 0, 0, fmt.Errorf("%w: row id %d out of range", ErrInvalidArgument, id)
	}
	i := sort.Search(len(t.segs), func(i int) bool { return t.rowNumVec[i+1] > id })
	return i, id - t.rowNumVec[i], nil
}

func (t *Table) indexOf(w *segment.Writable) int {
	for i, s := range t.segs {
		if s.seg == segment.Segment(w) {
			return i
		}
	}
	return -1
}

func (t *Table) checkIndex(indexID int) error {
	if indexID < 0 || indexID >= len(t.cfg.Indexes) {
		return fmt.Errorf("%w: index id %d", ErrInvalidArgument, indexID)
	}
	return nil
}

// NumRows returns the global id bound, deleted rows included.
func (t *Table) NumRows() int64 {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return t.rowNumVec[len(t.rowNumVec)-1]
}

// NumSegments returns the current segment count.
func (t *Table) NumSegments() int {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return len(t.segs)
}

// Clear drops every row and starts over with one empty writable segment.
// Open iterators are exhausted afterwards.
func (t *Table) Clear() error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	old := t.segs
	t.segs = nil
	t.epoch.Add(1)
	t.structGen.Add(1)
	var errs []error
	for _, s := range old {
		errs = append(errs, s.seg.Close())
		errs = append(errs, t.env.FS.RemoveAll(s.seg.Dir()))
	}
	t.pendingMu.Lock()
	clear(t.pending)
	t.pendingMu.Unlock()
	w, err := segment.NewWritable(t.env, t.cfg, t.segDir(segment.KindWritable, 0))
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	t.segs = []slot{{seg: w, gen: t.newGen()}}
	t.rowNumVec = []int64{0, 0}
	t.wr = w
	return errors.Join(errs...)
}

// Close flushes and closes the table. Queued conversions are abandoned and
// resumed by the next Open.
func (t *Table) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	if t.ownSched {
		t.sched.Stop(true)
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	var errs []error
	for i, s := range t.segs {
		if err := s.seg.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush segment %d: %w", i, err))
		}
	}
	errs = append(errs, t.writeMeta(t.dir))
	t.closeSegments()
	return errors.Join(errs...)
}

func (t *Table) closeSegments() {
	for _, s := range t.segs {
		_ = s.seg.Close() // Intentionally ignore: close path
	}
}

// DropTable closes the table and removes its directory.
func (t *Table) DropTable() error {
	if err := t.Close(); err != nil {
		t.logger.Warn("Close before drop failed", "error", err)
	}
	return t.env.FS.RemoveAll(t.dir)
}
