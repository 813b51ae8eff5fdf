// Package config loads segtable settings from YAML files.
//
// A file describes where the table lives, the schema used when the table
// is created, tuning knobs that map onto segtable options, logging, and an
// optional backup target:
//
//	dir: ./data/users
//	schema:
//	  columns:
//	    - {name: id, type: uint64}
//	    - {name: email, type: binary}
//	  indexes:
//	    - {fields: [email], ordered: true, unique: true}
//	table:
//	  max_writable_segment_size: 33554432
//	  compression: zstd
//	  compaction_workers: 2
//	log:
//	  level: info
//	  format: json
//	backup:
//	  kind: s3
//	  bucket: my-backups
//	  prefix: users/
//	  dynamodb_table: segtable-commits
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/segtable"
	"github.com/hupe1980/segtable/schema"
)

// validate is a singleton validator instance
var validate = validator.New()

// ErrInvalid is returned for files that fail validation.
var ErrInvalid = errors.New("invalid config")

// File is the root of a config file.
type File struct {
	Dir    string  `yaml:"dir"`
	Schema *Schema `yaml:"schema" validate:"omitempty"`
	Table  Table   `yaml:"table"`
	Log    Log     `yaml:"log"`
	Backup *Backup `yaml:"backup" validate:"omitempty"`
}

// Schema describes the table created when the directory holds none.
type Schema struct {
	Columns []Column `yaml:"columns" validate:"required,min=1,dive"`
	Indexes []Index  `yaml:"indexes" validate:"dive"`
}

// Column is one row column.
type Column struct {
	Name   string `yaml:"name" validate:"required"`
	Type   string `yaml:"type" validate:"required"`
	Length int    `yaml:"length" validate:"gte=0"`
}

// Index is one secondary index.
type Index struct {
	Fields  []string `yaml:"fields" validate:"required,min=1,max=64,dive,required"`
	Ordered bool     `yaml:"ordered"`
	Unique  bool     `yaml:"unique"`
}

// Table holds tuning knobs. Zero values keep the defaults or, for an
// existing table, the persisted settings.
type Table struct {
	MaxWritableSegmentSize int64         `yaml:"max_writable_segment_size" validate:"gte=0"`
	MaxSegments            int           `yaml:"max_segments" validate:"gte=0"`
	ReadonlyPartSize       int64         `yaml:"readonly_part_size" validate:"gte=0"`
	Compression            string        `yaml:"compression" validate:"omitempty,oneof=none lz4 zstd snappy"`
	CompactionWorkers      int           `yaml:"compaction_workers" validate:"gte=0,lte=256"`
	BlockCacheSize         int64         `yaml:"block_cache_size" validate:"gte=0"`
	IOLimit                int64         `yaml:"io_limit" validate:"gte=0"`
	MemoryLimit            int64         `yaml:"memory_limit" validate:"gte=0"`
	AutoCompaction         *bool         `yaml:"auto_compaction"`
	CompactionRetryDelay   time.Duration `yaml:"compaction_retry_delay" validate:"gte=0"`
	StoreBackend           string        `yaml:"store_backend"`
}

// Log configures the table logger.
type Log struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
}

// Load reads and validates the file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes and validates YAML. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks struct tags and that the schema builds.
func (f *File) Validate() error {
	if err := validate.Struct(f); err != nil {
		return formatValidationError(err)
	}
	if f.Schema != nil {
		if _, err := f.SchemaConfig(); err != nil {
			return fmt.Errorf("%w: schema: %w", ErrInvalid, err)
		}
	}
	return nil
}

// formatValidationError returns the first validation error in a readable
// form.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	for _, e := range validationErrs {
		field := e.Namespace()
		switch e.Tag() {
		case "required", "required_if", "required_unless":
			return fmt.Errorf("%w: %s: field is required", ErrInvalid, field)
		case "min", "gte":
			return fmt.Errorf("%w: %s: must be at least %s", ErrInvalid, field, e.Param())
		case "max", "lte":
			return fmt.Errorf("%w: %s: must not exceed %s", ErrInvalid, field, e.Param())
		case "oneof":
			return fmt.Errorf("%w: %s: must be one of [%s]", ErrInvalid, field, e.Param())
		default:
			return fmt.Errorf("%w: %s: validation failed (%s)", ErrInvalid, field, e.Tag())
		}
	}
	return fmt.Errorf("%w: %w", ErrInvalid, err)
}

// SchemaConfig builds the table description. It returns nil without error
// when the file has no schema.
func (f *File) SchemaConfig() (*schema.Config, error) {
	if f.Schema == nil {
		return nil, nil
	}
	cols := make([]schema.Column, 0, len(f.Schema.Columns))
	for _, c := range f.Schema.Columns {
		typ, err := schema.ParseColumnType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", c.Name, err)
		}
		cols = append(cols, schema.Column{Name: c.Name, Type: typ, Length: c.Length})
	}
	idx := make([]schema.IndexSpec, 0, len(f.Schema.Indexes))
	for _, i := range f.Schema.Indexes {
		idx = append(idx, schema.IndexSpec{Fields: i.Fields, Ordered: i.Ordered, Unique: i.Unique})
	}
	return schema.NewConfig(cols, idx)
}

// Logger builds the configured logger. Without a level, logging is off.
func (l Log) Logger() *segtable.Logger {
	if l.Level == "" {
		return segtable.NoopLogger()
	}
	var level slog.Level
	_ = level.UnmarshalText([]byte(l.Level)) // Intentionally ignore: validated by oneof
	if l.Format == "json" {
		return segtable.NewJSONLogger(level)
	}
	return segtable.NewTextLogger(level)
}

// Options converts the file into segtable options.
func (f *File) Options() ([]segtable.Option, error) {
	cfg, err := f.SchemaConfig()
	if err != nil {
		return nil, err
	}
	t := f.Table
	opts := []segtable.Option{
		segtable.WithLogger(f.Log.Logger()),
		segtable.WithMaxWritableSegmentSize(t.MaxWritableSegmentSize),
		segtable.WithMaxSegments(t.MaxSegments),
		segtable.WithReadonlyPartSize(t.ReadonlyPartSize),
		segtable.WithCompression(t.Compression),
		segtable.WithCompactionWorkers(t.CompactionWorkers),
		segtable.WithBlockCacheSize(t.BlockCacheSize),
		segtable.WithIOLimit(t.IOLimit),
		segtable.WithMemoryLimit(t.MemoryLimit),
		segtable.WithCompactionRetryDelay(t.CompactionRetryDelay),
		segtable.WithStoreBackend(t.StoreBackend),
	}
	if cfg != nil {
		opts = append(opts, segtable.WithSchema(cfg))
	}
	if t.AutoCompaction != nil {
		opts = append(opts, segtable.WithAutoCompaction(*t.AutoCompaction))
	}
	return opts, nil
}
