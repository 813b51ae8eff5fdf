package segtable

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"time"

	"github.com/hupe1980/segtable/internal/cache"
	"github.com/hupe1980/segtable/internal/compress"
	"github.com/hupe1980/segtable/internal/resource"
	"github.com/hupe1980/segtable/internal/table"
	"github.com/hupe1980/segtable/schema"
)

// Stats is a point-in-time summary of a table.
type Stats = table.Stats

// SegmentStats describes one segment of a table.
type SegmentStats = table.SegmentStats

// Table is a segmented row table with secondary indexes.
//
// Rows are appended to a writable segment. Full writable segments are frozen
// and converted to compressed readonly segments in the background. Row ids
// are stable across conversion.
//
// Table is safe for concurrent use.
type Table struct {
	t       *table.Table
	opts    options
	logger  *Logger
	metrics MetricsCollector
	cache   cache.BlockCache
}

// Open loads the table stored in dir. If dir does not hold a table and
// WithSchema was given, a new table is created.
func Open(dir string, optFns ...Option) (*Table, error) {
	o := applyOptions(optFns)
	if o.compression != "" {
		if _, err := compress.ParseCodec(o.compression); err != nil {
			return nil, translateError(err)
		}
	}
	fsys := o.fileSystem()
	tbl := &Table{
		opts:    o,
		logger:  o.logger.WithTable(dir),
		metrics: o.metricsCollector,
	}
	topts := tbl.tableOptions()

	_, err := fsys.Stat(filepath.Join(dir, schema.MetaFileName))
	switch {
	case err == nil:
		tbl.t, err = table.Open(dir, topts)
	case errors.Is(err, os.ErrNotExist) && o.schema != nil:
		tbl.t, err = table.Create(dir, o.schema, topts)
	case errors.Is(err, os.ErrNotExist):
		err = fmt.Errorf("%w: %s holds no table and no schema was given", ErrInvalidArgument, dir)
	}
	if err != nil {
		tbl.closeCache()
		return nil, translateError(err)
	}
	return tbl, nil
}

func (tbl *Table) tableOptions() table.Options {
	o := tbl.opts
	var rc *resource.Controller
	if o.memoryLimit > 0 || o.ioLimit > 0 || o.compactionWorkers > 0 {
		rc = resource.NewController(resource.Config{
			MemoryLimitBytes:     o.memoryLimit,
			MaxBackgroundWorkers: int64(o.compactionWorkers),
			IOLimitBytesPerSec:   o.ioLimit,
		})
	}
	if o.blockCacheSize > 0 {
		tbl.cache = cache.NewShardedLRUBlockCache(o.blockCacheSize, rc)
	}
	return table.Options{
		FS:                    o.fs,
		Logger:                tbl.logger.Logger,
		Metrics:               o.metricsObserver,
		StoreBackend:          o.storeBackend,
		Cache:                 tbl.cache,
		Controller:            rc,
		CompactionWorkers:     o.compactionWorkers,
		DisableAutoCompaction: !o.autoCompaction,
		CompactionRetryDelay:  o.compactionRetry,
		Configure:             o.configure,
	}
}

func (tbl *Table) closeCache() {
	if tbl.cache != nil {
		_ = tbl.cache.Close() // Intentionally ignore: close path
	}
}

// Config returns the table description.
func (tbl *Table) Config() *schema.Config { return tbl.t.Config() }

// Dir returns the table directory.
func (tbl *Table) Dir() string { return tbl.t.Dir() }

// Logger returns the table logger.
func (tbl *Table) Logger() *Logger { return tbl.logger }

// IndexID resolves an index by its comma-joined field list, e.g. "a,b".
func (tbl *Table) IndexID(name string) (int, error) {
	i, ok := tbl.t.Config().IndexByName(name)
	if !ok {
		return -1, fmt.Errorf("%w: unknown index %q", ErrInvalidArgument, name)
	}
	return i, nil
}

// NumRows returns the number of row ids handed out, deleted ones included.
func (tbl *Table) NumRows() int64 { return tbl.t.NumRows() }

// NumSegments returns the number of segments.
func (tbl *Table) NumSegments() int { return tbl.t.NumSegments() }

// InsertRow appends an encoded row and returns its id.
func (tbl *Table) InsertRow(ctx context.Context, row []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	start := time.Now()
	id, err := tbl.t.InsertRow(row)
	err = translateError(err)
	tbl.metrics.RecordInsert(time.Since(start), err)
	tbl.logger.LogInsert(ctx, id, len(row), err)
	return id, err
}

// Insert encodes values with the row schema and appends the row.
func (tbl *Table) Insert(ctx context.Context, values map[string]any) (int64, error) {
	row, err := tbl.t.Config().Row.EncodeValues(values)
	if err != nil {
		return -1, translateError(err)
	}
	return tbl.InsertRow(ctx, row)
}

// ReplaceRow replaces the row under id. The returned id equals id when the
// row could be updated in place, otherwise the old row is deleted and the
// new one appended under a new id.
func (tbl *Table) ReplaceRow(ctx context.Context, id int64, row []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	start := time.Now()
	newID, err := tbl.t.ReplaceRow(id, row)
	err = translateError(err)
	tbl.metrics.RecordReplace(time.Since(start), err)
	tbl.logger.LogReplace(ctx, id, newID, err)
	return newID, err
}

// RemoveRow deletes the row under id. Removing a deleted row is a no-op.
//
// The one exception is the newest row: when id is the last row of the
// active segment the id is given back and NumRows shrinks. Until another
// row is inserted, removing that id again fails with ErrInvalidArgument.
func (tbl *Table) RemoveRow(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	err := translateError(tbl.t.RemoveRow(id))
	tbl.metrics.RecordRemove(time.Since(start), err)
	tbl.logger.LogRemove(ctx, id, err)
	return err
}

// GetValueAppend appends the row stored under id to dst.
func (tbl *Table) GetValueAppend(id int64, dst []byte) ([]byte, error) {
	out, err := tbl.t.GetValueAppend(id, dst)
	return out, translateError(err)
}

// Get returns the decoded columns of the row stored under id.
func (tbl *Table) Get(id int64) (map[string]any, error) {
	row, err := tbl.t.GetValueAppend(id, nil)
	if err != nil {
		return nil, translateError(err)
	}
	vals, err := tbl.t.Config().Row.DecodeValues(row)
	return vals, translateError(err)
}

// IsDeleted reports whether id refers to a deleted row.
func (tbl *Table) IsDeleted(id int64) (bool, error) {
	ok, err := tbl.t.IsDeleted(id)
	return ok, translateError(err)
}

// IndexKey encodes values with the key schema of an index.
func (tbl *Table) IndexKey(indexID int, values map[string]any) ([]byte, error) {
	idx := tbl.t.Config().Indexes
	if indexID < 0 || indexID >= len(idx) {
		return nil, fmt.Errorf("%w: index %d", ErrInvalidArgument, indexID)
	}
	key, err := idx[indexID].Key.EncodeValues(values)
	return key, translateError(err)
}

// IndexSearchExact returns the ids of live rows stored under key.
func (tbl *Table) IndexSearchExact(indexID int, key []byte) ([]int64, error) {
	ids, err := tbl.t.IndexSearchExact(indexID, key)
	return ids, translateError(err)
}

// IndexKeyExists reports whether a live row is stored under key.
func (tbl *Table) IndexKeyExists(indexID int, key []byte) (bool, error) {
	ok, err := tbl.t.IndexKeyExists(indexID, key)
	return ok, translateError(err)
}

// IndexInsert adds an external index entry for the row under id.
func (tbl *Table) IndexInsert(indexID int, key []byte, id int64) error {
	return translateError(tbl.t.IndexInsert(indexID, key, id))
}

// IndexRemove removes an external index entry.
func (tbl *Table) IndexRemove(indexID int, key []byte, id int64) error {
	return translateError(tbl.t.IndexRemove(indexID, key, id))
}

// IndexReplace moves an index entry from id to newID.
func (tbl *Table) IndexReplace(indexID int, key []byte, id, newID int64) error {
	return translateError(tbl.t.IndexReplace(indexID, key, id, newID))
}

// Rollover freezes the active segment and starts a new one.
func (tbl *Table) Rollover() error {
	return translateError(tbl.t.Rollover())
}

// Compact converts every frozen writable segment behind the active one. It
// reports false when nothing was converted, including when scans are open.
func (tbl *Table) Compact(ctx context.Context) (bool, error) {
	start := time.Now()
	ok, err := tbl.t.Compact(ctx)
	err = translateError(err)
	tbl.logger.LogCompaction(ctx, ok, time.Since(start), err)
	return ok, err
}

// WaitIdle blocks until queued background compaction has run.
func (tbl *Table) WaitIdle(ctx context.Context) error {
	return translateError(tbl.t.WaitIdle(ctx))
}

// Flush persists every segment and the table metadata.
func (tbl *Table) Flush() error {
	return translateError(tbl.t.Flush())
}

// Save writes a consistent copy of the table into dir.
func (tbl *Table) Save(ctx context.Context, dir string) error {
	err := translateError(tbl.t.Save(dir))
	tbl.logger.LogSave(ctx, dir, err)
	return err
}

// Clear removes every row and segment. Row ids restart at 0 and open
// iterators are exhausted.
func (tbl *Table) Clear() error {
	return translateError(tbl.t.Clear())
}

// Stats returns a summary of the table.
func (tbl *Table) Stats() (Stats, error) {
	st, err := tbl.t.Stats()
	return st, translateError(err)
}

// Close flushes and closes the table. Further calls return nil.
func (tbl *Table) Close() error {
	err := tbl.t.Close()
	tbl.closeCache()
	return translateError(err)
}

// DropTable closes the table and removes its directory.
func (tbl *Table) DropTable() error {
	err := tbl.t.DropTable()
	tbl.closeCache()
	return translateError(err)
}

// StoreIterator walks live rows in id order.
type StoreIterator struct {
	it      *table.StoreIterator
	metrics MetricsCollector
	start   time.Time
	rows    int
}

// NewStoreIterForward returns an iterator over live rows in ascending id
// order. Rows appended while the iterator is open are returned too.
func (tbl *Table) NewStoreIterForward() (*StoreIterator, error) {
	it, err := tbl.t.NewStoreIterForward()
	if err != nil {
		return nil, translateError(err)
	}
	return &StoreIterator{it: it, metrics: tbl.metrics, start: time.Now()}, nil
}

// NewStoreIterBackward returns an iterator over live rows in descending id
// order.
func (tbl *Table) NewStoreIterBackward() (*StoreIterator, error) {
	it, err := tbl.t.NewStoreIterBackward()
	if err != nil {
		return nil, translateError(err)
	}
	return &StoreIterator{it: it, metrics: tbl.metrics, start: time.Now()}, nil
}

// Next returns the next live row. The row is only valid until the next call.
func (it *StoreIterator) Next() (id int64, row []byte, ok bool) {
	id, row, ok = it.it.Next()
	if ok {
		it.rows++
	}
	return id, row, ok
}

// Seek positions the iterator so that Next returns the first live row at or
// after id, or at or before id for backward iterators.
func (it *StoreIterator) Seek(id int64) { it.it.Seek(id) }

// SeekExact positions the iterator at id and returns its row if it is live.
func (it *StoreIterator) SeekExact(id int64) ([]byte, bool) { return it.it.SeekExact(id) }

// Reset restarts the iterator.
func (it *StoreIterator) Reset() { it.it.Reset() }

// Close releases the iterator. Compaction backs off while iterators are open.
func (it *StoreIterator) Close() error {
	if it.metrics != nil {
		it.metrics.RecordScan(it.rows, time.Since(it.start))
		it.metrics = nil
	}
	return it.it.Close()
}

// IndexIterator walks the entries of one index merged across segments.
type IndexIterator struct {
	it      *table.IndexIterator
	metrics MetricsCollector
	start   time.Time
	rows    int
}

// NewIndexIterForward returns an iterator over the live entries of an index
// in key order. Entries of unordered indexes are returned segment by segment.
func (tbl *Table) NewIndexIterForward(indexID int) (*IndexIterator, error) {
	it, err := tbl.t.NewIndexIterForward(indexID)
	if err != nil {
		return nil, translateError(err)
	}
	return &IndexIterator{it: it, metrics: tbl.metrics, start: time.Now()}, nil
}

// NewIndexIterBackward returns an iterator over the live entries of an index
// in reverse key order.
func (tbl *Table) NewIndexIterBackward(indexID int) (*IndexIterator, error) {
	it, err := tbl.t.NewIndexIterBackward(indexID)
	if err != nil {
		return nil, translateError(err)
	}
	return &IndexIterator{it: it, metrics: tbl.metrics, start: time.Now()}, nil
}

// Next returns the next live entry.
func (it *IndexIterator) Next() (id int64, key []byte, ok bool) {
	id, key, ok = it.it.Next()
	if ok {
		it.rows++
	}
	return id, key, ok
}

// SeekLowerBound positions the iterator at the first entry not before key in
// iteration order and consumes it. ret is 0 for an exact match, 1 when a
// later key was found and -1 when no entry remains.
func (it *IndexIterator) SeekLowerBound(key []byte) (ret int, id int64, found []byte) {
	return it.it.SeekLowerBound(key)
}

// SeekExact returns the id of a live entry stored under key, preferring the
// newest segment.
func (it *IndexIterator) SeekExact(key []byte) (int64, bool) { return it.it.SeekExact(key) }

// Reset restarts the iterator.
func (it *IndexIterator) Reset() { it.it.Reset() }

// Close releases the iterator.
func (it *IndexIterator) Close() error {
	if it.metrics != nil {
		it.metrics.RecordScan(it.rows, time.Since(it.start))
		it.metrics = nil
	}
	return it.it.Close()
}

// All returns a sequence over live rows in id order. The iterator is closed
// when the loop ends.
//
//	for id, row := range tbl.All() {
//	    fmt.Println(id, tbl.Config().Row.ToJSON(row))
//	}
func (tbl *Table) All() iter.Seq2[int64, []byte] {
	return func(yield func(int64, []byte) bool) {
		it, err := tbl.NewStoreIterForward()
		if err != nil {
			return
		}
		defer func() { _ = it.Close() }()
		for {
			id, row, ok := it.Next()
			if !ok || !yield(id, row) {
				return
			}
		}
	}
}

// IndexAll returns a sequence over the live entries of an index.
func (tbl *Table) IndexAll(indexID int) iter.Seq2[int64, []byte] {
	return func(yield func(int64, []byte) bool) {
		it, err := tbl.NewIndexIterForward(indexID)
		if err != nil {
			return
		}
		defer func() { _ = it.Close() }()
		for {
			id, key, ok := it.Next()
			if !ok || !yield(id, key) {
				return
			}
		}
	}
}
