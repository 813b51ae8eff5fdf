package segtable

import (
	"log/slog"
	"time"

	"github.com/hupe1980/segtable/internal/fs"
	"github.com/hupe1980/segtable/schema"
)

// FileSystem abstracts every filesystem call a table makes.
type FileSystem = fs.FileSystem

// File is an open file of a FileSystem.
type File = fs.File

type options struct {
	schema             *schema.Config
	logger             *Logger
	metricsCollector   MetricsCollector
	metricsObserver    MetricsObserver
	maxWrSegSize       int64
	maxSegments        int
	readonlyPartSize   int64
	compression        string
	compactionWorkers  int
	blockCacheSize     int64
	ioLimit            int64
	memoryLimit        int64
	fs                 FileSystem
	autoCompaction     bool
	compactionRetry    time.Duration
	storeBackend       string
}

// Option configures table creation and load behavior.
type Option func(*options)

// WithSchema sets the table description used when the directory does not
// hold a table yet. It is ignored when an existing table is opened.
//
// Example:
//
//	cfg, _ := schema.NewConfig(
//	    []schema.Column{{Name: "k", Type: schema.Uint32}, {Name: "v", Type: schema.Binary}},
//	    []schema.IndexSpec{{Fields: []string{"k"}, Ordered: true, Unique: true}},
//	)
//	tbl, _ := segtable.Open("./data", segtable.WithSchema(cfg))
func WithSchema(cfg *schema.Config) Option {
	return func(o *options) {
		o.schema = cfg
	}
}

// WithMetricsCollector configures a metrics collector for foreground operations.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &segtable.BasicMetricsCollector{}
//	tbl, _ := segtable.Open("./data", segtable.WithMetricsCollector(metrics))
//	// ... use tbl ...
//	stats := metrics.GetStats()
//	fmt.Printf("Inserts: %d, Avg latency: %dns\n", stats.InsertCount, stats.InsertAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithMetricsObserver configures the receiver of background compaction events.
func WithMetricsObserver(mo MetricsObserver) Option {
	return func(o *options) {
		o.metricsObserver = mo
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := segtable.NewJSONLogger(slog.LevelInfo)
//	tbl, _ := segtable.Open("./data", segtable.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMaxWritableSegmentSize sets the store size in bytes at which the
// active writable segment is frozen and a new one is started.
func WithMaxWritableSegmentSize(size int64) Option {
	return func(o *options) {
		o.maxWrSegSize = size
	}
}

// WithMaxSegments caps the number of segments. Rollover beyond the cap fails
// with ErrCapacityExceeded.
func WithMaxSegments(n int) Option {
	return func(o *options) {
		o.maxSegments = n
	}
}

// WithReadonlyPartSize sets the uncompressed size of one readonly store part.
func WithReadonlyPartSize(size int64) Option {
	return func(o *options) {
		o.readonlyPartSize = size
	}
}

// WithCompression selects the block codec of readonly store parts:
// "none", "lz4", "zstd" or "snappy".
func WithCompression(codec string) Option {
	return func(o *options) {
		o.compression = codec
	}
}

// WithCompactionWorkers sets the number of background compaction workers.
func WithCompactionWorkers(n int) Option {
	return func(o *options) {
		o.compactionWorkers = n
	}
}

// WithBlockCacheSize enables a cache for decompressed readonly blocks of the
// given capacity in bytes. 0 disables the cache.
func WithBlockCacheSize(size int64) Option {
	return func(o *options) {
		o.blockCacheSize = size
	}
}

// WithIOLimit throttles background writes to bytesPerSec. 0 means unlimited.
func WithIOLimit(bytesPerSec int64) Option {
	return func(o *options) {
		o.ioLimit = bytesPerSec
	}
}

// WithMemoryLimit caps memory held by conversion builds and the block cache.
func WithMemoryLimit(bytes int64) Option {
	return func(o *options) {
		o.memoryLimit = bytes
	}
}

// WithFileSystem replaces the local filesystem, mostly for fault injection
// in tests.
func WithFileSystem(fsys FileSystem) Option {
	return func(o *options) {
		o.fs = fsys
	}
}

// WithAutoCompaction toggles background conversion of frozen segments.
// Enabled by default. When disabled, Compact converts on demand.
func WithAutoCompaction(enabled bool) Option {
	return func(o *options) {
		o.autoCompaction = enabled
	}
}

// WithCompactionRetryDelay sets how long a conversion waits before retrying
// while scans are open.
func WithCompactionRetryDelay(d time.Duration) Option {
	return func(o *options) {
		o.compactionRetry = d
	}
}

// WithStoreBackend selects the writable store backend by registered name.
func WithStoreBackend(name string) Option {
	return func(o *options) {
		o.storeBackend = name
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
		autoCompaction:   true,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

// configure applies size and codec overrides to a table description.
func (o *options) configure(cfg *schema.Config) {
	if o.maxWrSegSize > 0 {
		cfg.MaxWrSegSize = o.maxWrSegSize
	}
	if o.maxSegments > 0 {
		cfg.MaxSegments = o.maxSegments
	}
	if o.readonlyPartSize > 0 {
		cfg.ReadonlyDataMemSize = o.readonlyPartSize
	}
	if o.compression != "" {
		cfg.Compression = o.compression
	}
}

func (o *options) fileSystem() FileSystem {
	if o.fs == nil {
		return fs.Default
	}
	return o.fs
}
