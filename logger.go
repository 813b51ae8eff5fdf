package segtable

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with segtable-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithTable adds the table directory to the logger.
func (l *Logger) WithTable(dir string) *Logger {
	return &Logger{
		Logger: l.Logger.With("table", dir),
	}
}

// WithID adds a row id field to the logger.
func (l *Logger) WithID(id int64) *Logger {
	return &Logger{
		Logger: l.Logger.With("id", id),
	}
}

// WithIndex adds an index name field to the logger.
func (l *Logger) WithIndex(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("index", name),
	}
}

// LogInsert logs an insert operation.
func (l *Logger) LogInsert(ctx context.Context, id int64, size int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "Insert failed",
			"size", size,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "Insert completed",
			"id", id,
			"size", size,
		)
	}
}

// LogReplace logs a replace operation.
func (l *Logger) LogReplace(ctx context.Context, id, newID int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "Replace failed",
			"id", id,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "Replace completed",
			"id", id,
			"new_id", newID,
		)
	}
}

// LogRemove logs a remove operation.
func (l *Logger) LogRemove(ctx context.Context, id int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "Remove failed",
			"id", id,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "Remove completed",
			"id", id,
		)
	}
}

// LogCompaction logs a foreground compaction run.
func (l *Logger) LogCompaction(ctx context.Context, converted bool, duration time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "Compaction failed",
			"duration", duration,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "Compaction completed",
			"converted", converted,
			"duration", duration,
		)
	}
}

// LogSave logs a save into another directory.
func (l *Logger) LogSave(ctx context.Context, dir string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "Save failed",
			"dir", dir,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "Save completed",
			"dir", dir,
		)
	}
}

// LogBackup logs a backup or restore.
func (l *Logger) LogBackup(ctx context.Context, op, name string, files int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "Backup operation failed",
			"op", op,
			"name", name,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "Backup operation completed",
			"op", op,
			"name", name,
			"files", files,
		)
	}
}
