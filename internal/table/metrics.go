package table

import "time"

// MetricsObserver receives background events of a table.
type MetricsObserver interface {
	// OnFlush is called when a frozen segment has been persisted.
	OnFlush(duration time.Duration, rows int64, err error)

	// OnConversion is called when a writable segment conversion finishes.
	OnConversion(duration time.Duration, rows int64, err error)

	// OnRollover is called after a new active segment was created.
	OnRollover(segments int)

	// OnQueueDepth reports the depth of a background queue.
	OnQueueDepth(name string, depth int)

	// OnThroughput reports bytes processed.
	OnThroughput(name string, bytes int64)
}

// NoopMetricsObserver is a no-op implementation of MetricsObserver.
type NoopMetricsObserver struct{}

func (o *NoopMetricsObserver) OnFlush(duration time.Duration, rows int64, err error)      {}
func (o *NoopMetricsObserver) OnConversion(duration time.Duration, rows int64, err error) {}
func (o *NoopMetricsObserver) OnRollover(segments int)                                     {}
func (o *NoopMetricsObserver) OnQueueDepth(name string, depth int)                         {}
func (o *NoopMetricsObserver) OnThroughput(name string, bytes int64)                       {}
