// Package logger provides structured logging for graphkeep nodes.
//
// Every record carries the node id when one is configured, and records
// logged with a context carry the active trace and span ids so that a
// role switch can be followed across nodes.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

// Config holds logger configuration.
type Config struct {
	Level  Level
	Format string // "json" or "text"
	Output string // "stdout", "stderr", or file path

	// Node is attached to every record when set.
	Node string

	// Writer overrides Output.
	Writer io.Writer
}

// Logger is the interface for structured logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	DebugContext(ctx context.Context, msg string, args ...any)
	InfoContext(ctx context.Context, msg string, args ...any)
	WarnContext(ctx context.Context, msg string, args ...any)
	ErrorContext(ctx context.Context, msg string, args ...any)

	With(args ...any) Logger
	WithContext(ctx context.Context) context.Context

	SetLevel(level Level)
	GetLevel() Level

	// Close releases the output file, if any.
	Close() error
}

// threshold is shared by a logger and everything derived from it.
type threshold struct {
	level atomic.Int64
	slog  slog.LevelVar
}

func (t *threshold) set(l Level) {
	t.level.Store(int64(l))
	t.slog.Set(l.slog())
}

// SlogLogger is the log/slog backed Logger.
type SlogLogger struct {
	*slog.Logger
	threshold *threshold
	out       io.Closer // nil for derived loggers and standard streams
}

var _ Logger = (*SlogLogger)(nil)

// New builds a logger from cfg. A nil cfg logs JSON at info to stdout. An
// output file that cannot be opened falls back to stderr.
func New(cfg *Config) Logger {
	if cfg == nil {
		cfg = &Config{Level: InfoLevel, Format: "json", Output: "stdout"}
	}
	th := new(threshold)
	th.set(cfg.Level)

	w, closer := cfg.Writer, io.Closer(nil)
	if w == nil {
		w, closer = openOutput(cfg.Output)
	}

	opts := &slog.HandlerOptions{Level: &th.slog, AddSource: true, ReplaceAttr: renameMessage}
	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if cfg.Format == "text" {
		h = slog.NewTextHandler(w, opts)
	}

	sl := slog.New(traceHandler{h})
	if cfg.Node != "" {
		sl = sl.With("node", cfg.Node)
	}
	return &SlogLogger{Logger: sl, threshold: th, out: closer}
}

func openOutput(output string) (io.Writer, io.Closer) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return os.Stderr, nil
	}
	return f, f
}

// With returns a derived logger sharing the level but not the output.
func (l *SlogLogger) With(args ...any) Logger {
	return &SlogLogger{Logger: l.Logger.With(args...), threshold: l.threshold}
}

// WithContext returns ctx carrying l; see FromContext.
func (l *SlogLogger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, Logger(l))
}

// SetLevel changes the level of l and of every logger derived from it.
func (l *SlogLogger) SetLevel(level Level) { l.threshold.set(level) }

// GetLevel implements Logger.
func (l *SlogLogger) GetLevel() Level { return Level(l.threshold.level.Load()) }

// Close implements Logger.
func (l *SlogLogger) Close() error {
	if l.out == nil {
		return nil
	}
	return l.out.Close()
}
