// Package prometheus exports segtable metrics to Prometheus.
//
// A Collector implements both segtable.MetricsCollector (foreground
// operations) and segtable.MetricsObserver (background flush and
// conversion), so one value serves both options:
//
//	reg := prometheus.NewRegistry()
//	c := segprom.New(reg, segprom.WithTableLabel("users"))
//	tbl, _ := segtable.Open(dir,
//	    segtable.WithMetricsCollector(c),
//	    segtable.WithMetricsObserver(c),
//	)
package prometheus

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hupe1980/segtable"
)

var (
	_ segtable.MetricsCollector = (*Collector)(nil)
	_ segtable.MetricsObserver  = (*Collector)(nil)
)

// Collector records table metrics into Prometheus collectors.
type Collector struct {
	OperationsTotal   *prom.CounterVec
	OperationDuration *prom.HistogramVec
	ScanRows          prom.Histogram

	BackgroundTotal    *prom.CounterVec
	BackgroundDuration *prom.HistogramVec
	BackgroundRows     *prom.CounterVec
	Rollovers          prom.Counter
	Segments           prom.Gauge
	QueueDepth         *prom.GaugeVec
	ThroughputBytes    *prom.CounterVec
}

type options struct {
	namespace   string
	constLabels prom.Labels
	buckets     []float64
}

// Option configures New.
type Option func(*options)

// WithNamespace replaces the "segtable" metric prefix.
func WithNamespace(ns string) Option {
	return func(o *options) { o.namespace = ns }
}

// WithTableLabel adds a constant table label, so several tables can share
// one registry.
func WithTableLabel(name string) Option {
	return func(o *options) {
		if o.constLabels == nil {
			o.constLabels = prom.Labels{}
		}
		o.constLabels["table"] = name
	}
}

// WithBuckets sets the latency histogram buckets in seconds.
func WithBuckets(buckets []float64) Option {
	return func(o *options) { o.buckets = buckets }
}

// New registers the collectors with reg. A nil reg uses the default
// registerer.
func New(reg prom.Registerer, optFns ...Option) *Collector {
	o := options{
		namespace: "segtable",
		buckets:   []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1, 10},
	}
	for _, fn := range optFns {
		fn(&o)
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Collector{
		OperationsTotal: f.NewCounterVec(prom.CounterOpts{
			Namespace:   o.namespace,
			Name:        "operations_total",
			Help:        "Total number of table operations",
			ConstLabels: o.constLabels,
		}, []string{"operation", "status"}),
		OperationDuration: f.NewHistogramVec(prom.HistogramOpts{
			Namespace:   o.namespace,
			Name:        "operation_duration_seconds",
			Help:        "Table operation duration in seconds",
			Buckets:     o.buckets,
			ConstLabels: o.constLabels,
		}, []string{"operation"}),
		ScanRows: f.NewHistogram(prom.HistogramOpts{
			Namespace:   o.namespace,
			Name:        "scan_rows",
			Help:        "Rows returned per closed iterator",
			Buckets:     prom.ExponentialBuckets(1, 10, 8),
			ConstLabels: o.constLabels,
		}),
		BackgroundTotal: f.NewCounterVec(prom.CounterOpts{
			Namespace:   o.namespace,
			Name:        "background_tasks_total",
			Help:        "Total number of background flushes and conversions",
			ConstLabels: o.constLabels,
		}, []string{"task", "status"}),
		BackgroundDuration: f.NewHistogramVec(prom.HistogramOpts{
			Namespace:   o.namespace,
			Name:        "background_task_duration_seconds",
			Help:        "Background task duration in seconds",
			Buckets:     prom.ExponentialBuckets(0.001, 4, 10),
			ConstLabels: o.constLabels,
		}, []string{"task"}),
		BackgroundRows: f.NewCounterVec(prom.CounterOpts{
			Namespace:   o.namespace,
			Name:        "background_rows_total",
			Help:        "Rows written by background tasks",
			ConstLabels: o.constLabels,
		}, []string{"task"}),
		Rollovers: f.NewCounter(prom.CounterOpts{
			Namespace:   o.namespace,
			Name:        "rollovers_total",
			Help:        "Total number of segment rollovers",
			ConstLabels: o.constLabels,
		}),
		Segments: f.NewGauge(prom.GaugeOpts{
			Namespace:   o.namespace,
			Name:        "segments",
			Help:        "Number of segments after the last rollover",
			ConstLabels: o.constLabels,
		}),
		QueueDepth: f.NewGaugeVec(prom.GaugeOpts{
			Namespace:   o.namespace,
			Name:        "queue_depth",
			Help:        "Depth of the background queues",
			ConstLabels: o.constLabels,
		}, []string{"queue"}),
		ThroughputBytes: f.NewCounterVec(prom.CounterOpts{
			Namespace:   o.namespace,
			Name:        "throughput_bytes_total",
			Help:        "Bytes processed by background tasks",
			ConstLabels: o.constLabels,
		}, []string{"task"}),
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (c *Collector) record(op string, d time.Duration, err error) {
	c.OperationsTotal.WithLabelValues(op, status(err)).Inc()
	c.OperationDuration.WithLabelValues(op).Observe(d.Seconds())
}

// RecordInsert implements segtable.MetricsCollector.
func (c *Collector) RecordInsert(d time.Duration, err error) { c.record("insert", d, err) }

// RecordReplace implements segtable.MetricsCollector.
func (c *Collector) RecordReplace(d time.Duration, err error) { c.record("replace", d, err) }

// RecordRemove implements segtable.MetricsCollector.
func (c *Collector) RecordRemove(d time.Duration, err error) { c.record("remove", d, err) }

// RecordScan implements segtable.MetricsCollector.
func (c *Collector) RecordScan(rows int, d time.Duration) {
	c.record("scan", d, nil)
	c.ScanRows.Observe(float64(rows))
}

func (c *Collector) background(task string, d time.Duration, rows int64, err error) {
	c.BackgroundTotal.WithLabelValues(task, status(err)).Inc()
	c.BackgroundDuration.WithLabelValues(task).Observe(d.Seconds())
	if err == nil {
		c.BackgroundRows.WithLabelValues(task).Add(float64(rows))
	}
}

// OnFlush implements segtable.MetricsObserver.
func (c *Collector) OnFlush(d time.Duration, rows int64, err error) {
	c.background("flush", d, rows, err)
}

// OnConversion implements segtable.MetricsObserver.
func (c *Collector) OnConversion(d time.Duration, rows int64, err error) {
	c.background("conversion", d, rows, err)
}

// OnRollover implements segtable.MetricsObserver.
func (c *Collector) OnRollover(segments int) {
	c.Rollovers.Inc()
	c.Segments.Set(float64(segments))
}

// OnQueueDepth implements segtable.MetricsObserver.
func (c *Collector) OnQueueDepth(name string, depth int) {
	c.QueueDepth.WithLabelValues(name).Set(float64(depth))
}

// OnThroughput implements segtable.MetricsObserver.
func (c *Collector) OnThroughput(name string, bytes int64) {
	c.ThroughputBytes.WithLabelValues(name).Add(float64(bytes))
}
