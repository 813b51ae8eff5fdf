package segtable

import (
	"sync/atomic"
	"time"

	"github.com/hupe1980/segtable/internal/table"
)

// MetricsObserver receives background events of a table: flushes,
// conversions, rollovers, queue depths and throughput.
type MetricsObserver = table.MetricsObserver

// NoopMetricsObserver is a no-op implementation of MetricsObserver.
type NoopMetricsObserver = table.NoopMetricsObserver

// MetricsCollector defines an interface for collecting foreground metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
// The metrics/prometheus package provides one.
type MetricsCollector interface {
	// RecordInsert is called after each insert operation.
	// duration is the total time taken, err is nil if successful.
	RecordInsert(duration time.Duration, err error)

	// RecordReplace is called after each replace operation.
	RecordReplace(duration time.Duration, err error)

	// RecordRemove is called after each remove operation.
	RecordRemove(duration time.Duration, err error)

	// RecordScan is called when an iterator is closed.
	// rows is the number of rows returned, duration the lifetime of the iterator.
	RecordScan(rows int, duration time.Duration)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordInsert(time.Duration, error)  {}
func (NoopMetricsCollector) RecordReplace(time.Duration, error) {}
func (NoopMetricsCollector) RecordRemove(time.Duration, error)  {}
func (NoopMetricsCollector) RecordScan(int, time.Duration)      {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	InsertCount       atomic.Int64
	InsertErrors      atomic.Int64
	InsertTotalNanos  atomic.Int64
	ReplaceCount      atomic.Int64
	ReplaceErrors     atomic.Int64
	ReplaceTotalNanos atomic.Int64
	RemoveCount       atomic.Int64
	RemoveErrors      atomic.Int64
	ScanCount         atomic.Int64
	ScanRows          atomic.Int64
	ScanTotalNanos    atomic.Int64
}

// RecordInsert implements MetricsCollector.
func (b *BasicMetricsCollector) RecordInsert(duration time.Duration, err error) {
	b.InsertCount.Add(1)
	b.InsertTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.InsertErrors.Add(1)
	}
}

// RecordReplace implements MetricsCollector.
func (b *BasicMetricsCollector) RecordReplace(duration time.Duration, err error) {
	b.ReplaceCount.Add(1)
	b.ReplaceTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.ReplaceErrors.Add(1)
	}
}

// RecordRemove implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRemove(duration time.Duration, err error) {
	b.RemoveCount.Add(1)
	if err != nil {
		b.RemoveErrors.Add(1)
	}
}

// RecordScan implements MetricsCollector.
func (b *BasicMetricsCollector) RecordScan(rows int, duration time.Duration) {
	b.ScanCount.Add(1)
	b.ScanRows.Add(int64(rows))
	b.ScanTotalNanos.Add(duration.Nanoseconds())
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		InsertCount:     b.InsertCount.Load(),
		InsertErrors:    b.InsertErrors.Load(),
		InsertAvgNanos:  avg(b.InsertTotalNanos.Load(), b.InsertCount.Load()),
		ReplaceCount:    b.ReplaceCount.Load(),
		ReplaceErrors:   b.ReplaceErrors.Load(),
		ReplaceAvgNanos: avg(b.ReplaceTotalNanos.Load(), b.ReplaceCount.Load()),
		RemoveCount:     b.RemoveCount.Load(),
		RemoveErrors:    b.RemoveErrors.Load(),
		ScanCount:       b.ScanCount.Load(),
		ScanRows:        b.ScanRows.Load(),
		ScanAvgNanos:    avg(b.ScanTotalNanos.Load(), b.ScanCount.Load()),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	InsertCount     int64
	InsertErrors    int64
	InsertAvgNanos  int64
	ReplaceCount    int64
	ReplaceErrors   int64
	ReplaceAvgNanos int64
	RemoveCount     int64
	RemoveErrors    int64
	ScanCount       int64
	ScanRows        int64
	ScanAvgNanos    int64
}
