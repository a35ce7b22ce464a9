package vectorizer

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with engine-specific helpers so operations
// log consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger with the given handler. A nil handler
// falls back to a text handler on stderr at info level.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NoopLogger creates a Logger that discards all output.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000),
	}))}
}

// WithCollection tags the logger with tenant and collection fields.
func (l *Logger) WithCollection(tenantID, name string) *Logger {
	return &Logger{Logger: l.Logger.With("tenant", tenantID, "collection", name)}
}

// LogInsert logs a single record insert.
func (l *Logger) LogInsert(ctx context.Context, id string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "insert failed", "id", id, "error", err)
	} else {
		l.DebugContext(ctx, "insert completed", "id", id)
	}
}

// LogBatch logs a batch operation.
func (l *Logger) LogBatch(ctx context.Context, op string, total, failed int) {
	if failed > 0 {
		l.WarnContext(ctx, "batch completed with failures",
			"op", op, "total", total, "failed", failed, "success", total-failed)
	} else {
		l.InfoContext(ctx, "batch completed", "op", op, "count", total)
	}
}

// LogSearch logs a search operation.
func (l *Logger) LogSearch(ctx context.Context, mode string, k, found int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed", "mode", mode, "k", k, "error", err)
	} else {
		l.DebugContext(ctx, "search completed", "mode", mode, "k", k, "results", found)
	}
}

// LogFlush logs a flush of one collection.
func (l *Logger) LogFlush(ctx context.Context, took time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "flush failed", "error", err)
	} else {
		l.InfoContext(ctx, "flush completed", "took", took)
	}
}

// LogCompact logs a compaction run.
func (l *Logger) LogCompact(ctx context.Context, reclaimed int, took time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "compaction failed", "error", err)
	} else {
		l.InfoContext(ctx, "compaction completed", "reclaimed", reclaimed, "took", took)
	}
}

// LogSnapshot logs a snapshot operation.
func (l *Logger) LogSnapshot(ctx context.Context, name string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "snapshot failed", "name", name, "error", err)
	} else {
		l.InfoContext(ctx, "snapshot saved", "name", name)
	}
}

// LogRecovery logs archive recovery at startup.
func (l *Logger) LogRecovery(ctx context.Context, loaded, failed int) {
	if failed > 0 {
		l.WarnContext(ctx, "recovery completed with corrupt archives",
			"loaded", loaded, "corrupt", failed)
	} else {
		l.InfoContext(ctx, "recovery completed", "loaded", loaded)
	}
}
