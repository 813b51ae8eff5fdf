package table

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/segtable/internal/scheduler"
	"github.com/hupe1980/segtable/internal/segment"
)

// enqueue schedules the two-stage compaction of a frozen segment: flush at
// high priority, then conversion at low priority. A segment is enqueued at
// most once until its conversion ends.
func (t *Table) enqueue(w *segment.Writable) {
	t.pendingMu.Lock()
	if t.pending[w] {
		t.pendingMu.Unlock()
		return
	}
	t.pending[w] = true
	t.pendingMu.Unlock()
	if err := t.sched.Submit(scheduler.PriorityHigh, func(ctx context.Context) { t.flushTask(ctx, w) }); err != nil {
		t.logger.Warn("Compaction not scheduled", "dir", w.Dir(), "error", err)
		t.done(w)
	}
}

func (t *Table) done(w *segment.Writable) {
	t.pendingMu.Lock()
	delete(t.pending, w)
	t.pendingMu.Unlock()
}

func (t *Table) convLock(w *segment.Writable) *sync.Mutex {
	mu, _ := t.convLocks.LoadOrStore(w, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (t *Table) flushTask(ctx context.Context, w *segment.Writable) {
	start := time.Now()
	t.lock.RLock()
	if t.closed.Load() || t.indexOf(w) < 0 {
		t.lock.RUnlock()
		t.done(w)
		return
	}
	err := w.Flush()
	rows := w.NumDataRows()
	t.lock.RUnlock()
	t.obs.OnFlush(time.Since(start), rows, err)
	if err != nil {
		t.logger.Error("Background flush failed", "dir", w.Dir(), "error", err)
		t.done(w)
		return
	}
	t.submitConvert(w, 0)
}

func (t *Table) submitConvert(w *segment.Writable, delay time.Duration) {
	task := func(ctx context.Context) { t.convertTask(ctx, w) }
	var err error
	if delay > 0 {
		err = t.sched.SubmitAfter(delay, scheduler.PriorityLow, task)
	} else {
		err = t.sched.Submit(scheduler.PriorityLow, task)
	}
	if err != nil {
		t.done(w)
	}
}

func (t *Table) convertTask(ctx context.Context, w *segment.Writable) {
	if t.closed.Load() {
		t.done(w)
		return
	}
	if n := t.scanRef.Load(); n > 0 {
		t.logger.Warn("Compaction backing off", "dir", w.Dir(), "scans", n, "retry", t.opts.CompactionRetryDelay)
		t.submitConvert(w, t.opts.CompactionRetryDelay)
		return
	}
	defer t.done(w)
	if _, err := t.convertSegment(ctx, w); err != nil {
		t.logger.Error("Background conversion failed", "dir", w.Dir(), "error", err)
	}
}

// convertSegment builds the readonly replacement of w without holding the
// table lock and swaps it in under the write lock. It reports whether w
// was replaced by this call.
func (t *Table) convertSegment(ctx context.Context, w *segment.Writable) (converted bool, err error) {
	mu := t.convLock(w)
	mu.Lock()
	defer mu.Unlock()

	t.lock.RLock()
	idx := t.indexOf(w)
	t.lock.RUnlock()
	if idx < 0 || !w.Frozen() {
		return false, nil
	}

	start := time.Now()
	var rows int64
	defer func() {
		t.obs.OnConversion(time.Since(start), rows, err)
	}()

	var ro *segment.Readonly
	for attempt := 1; ; attempt++ {
		ro, rows, err = t.buildReadonly(ctx, w, idx)
		if err == nil {
			break
		}
		if !errors.Is(err, segment.ErrStaleBuild) || attempt == maxConvertAttempts {
			return false, err
		}
		t.logger.Warn("Rebuilding converted segment", "dir", w.Dir(), "attempt", attempt, "error", err)
	}
	if ro == nil {
		return false, nil
	}
	// t.lock is held from here until the swap.
	t.segs[idx] = slot{seg: ro, gen: t.newGen()}
	t.structGen.Add(1)
	t.lock.Unlock()

	t.convLocks.Delete(w)
	_ = w.Close() // Intentionally ignore: in-memory backends
	if err := t.env.FS.RemoveAll(w.Dir()); err != nil {
		t.logger.Warn("Removing converted segment failed", "dir", w.Dir(), "error", err)
	}
	t.obs.OnThroughput("convert", ro.DataStorageSize()+ro.IndexStorageSize())
	t.logger.Info("Converted segment", "segment", idx, "rows", rows, "parts", ro.NumParts(), "duration", time.Since(start))
	return true, nil
}

// Compact converts, oldest first, the contiguous run of writable segments
// right before the active one. It returns false without doing anything
// while scans are open or when there is nothing to convert.
func (t *Table) Compact(ctx context.Context) (bool, error) {
	if t.closed.Load() {
		return false, ErrClosed
	}
	if t.scanRef.Load() > 0 {
		return false, nil
	}
	t.lock.RLock()
	n := len(t.segs)
	var run []*segment.Writable
	for i := n - 2; i >= 0; i-- {
		w, ok := t.segs[i].seg.(*segment.Writable)
		if !ok {
			break
		}
		run = append(run, w)
	}
	t.lock.RUnlock()
	if len(run) == 0 {
		return false, nil
	}
	var errs []error
	for i := len(run) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if _, err := t.convertSegment(ctx, run[i]); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return false, err
	}
	return true, nil
}

// WaitIdle blocks until the background queues are drained. Back-off
// retries that have not fired yet are not waited for.
func (t *Table) WaitIdle(ctx context.Context) error {
	return t.sched.WaitIdle(ctx)
}

// maxConvertAttempts bounds rebuilds after ErrStaleBuild.
const maxConvertAttempts = 3

// buildReadonly converts w and installs the result. On success it returns
// with t.lock write-locked. A nil segment with a nil error means w was
// dropped or the table closed while building.
func (t *Table) buildReadonly(ctx context.Context, w *segment.Writable, idx int) (*segment.Readonly, int64, error) {
	build, err := segment.ConvFrom(ctx, t.env, w, t.segDir(segment.KindReadonly, idx)+segment.TmpSuffix)
	if err != nil {
		return nil, 0, fmt.Errorf("convert segment %d: %w", idx, err)
	}
	rows := build.LiveRows()

	t.lock.Lock()
	if t.closed.Load() || t.indexOf(w) != idx {
		t.lock.Unlock()
		build.Abort()
		return nil, rows, nil
	}
	ro, err := build.Install(w.DelVec(), t.segDir(segment.KindReadonly, idx))
	if err != nil {
		t.lock.Unlock()
		build.Abort()
		return nil, rows, fmt.Errorf("install segment %d: %w", idx, err)
	}
	if ro.NumDataRows() != w.NumDataRows() {
		t.lock.Unlock()
		_ = ro.Close() // Intentionally ignore: cleanup path
		_ = t.env.FS.RemoveAll(ro.Dir())
		return nil, rows, fmt.Errorf("%w: segment %d converted to %d rows, want %d", ErrCorrupt, idx, ro.NumDataRows(), w.NumDataRows())
	}
	return ro, rows, nil
}
