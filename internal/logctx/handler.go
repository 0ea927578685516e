package logctx

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	slogmulti "github.com/samber/slog-multi"
	"go.opentelemetry.io/otel/trace"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// Options controls where and how much the updater logs.
type Options struct {
	Console io.Writer
	Quiet   bool
	Verbose bool
	LogFile string
	// Level overrides the file sink level when set (DEBUG, INFO, WARN, ERROR).
	Level string
}

// New builds the process logger: a text sink for the console and, when a log
// file is configured, a JSON sink appended to that file. The returned closer
// releases the log file.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	handlers := []slog.Handler{
		slog.NewTextHandler(console, &slog.HandlerOptions{
			Level:       consoleLevel(opts),
			ReplaceAttr: replaceLevel,
		}),
	}

	var closer io.Closer = nopCloser{}

	if opts.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(opts.LogFile), dirPerm); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		f, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, filePerm)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}

		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{
			Level:       fileLevel(opts),
			ReplaceAttr: replaceLevel,
		}))
		closer = f
	}

	return slog.New(NewTraceHandler(slogmulti.Fanout(handlers...))), closer, nil
}

func consoleLevel(opts Options) slog.Level {
	switch {
	case opts.Quiet:
		return slog.LevelError
	case opts.Verbose:
		return slog.LevelDebug
	default:
		return LevelSuccess
	}
}

func fileLevel(opts Options) slog.Level {
	if opts.Verbose {
		return slog.LevelDebug
	}

	return ParseLevel(opts.Level)
}

// ParseLevel maps a level name to a slog.Level, defaulting to INFO.
func ParseLevel(level string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}

	return lvl
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// TraceHandler decorates records with the trace and span ids of the active
// OpenTelemetry span, if any.
type TraceHandler struct {
	next slog.Handler
}

func NewTraceHandler(next slog.Handler) *TraceHandler {
	if next == nil {
		panic("logctx: NewTraceHandler called with nil handler")
	}

	return &TraceHandler{next: next}
}

func (h *TraceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}

	return h.next.Handle(ctx, r)
}

func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceHandler{next: h.next.WithAttrs(attrs)}
}

func (h *TraceHandler) WithGroup(name string) slog.Handler {
	return &TraceHandler{next: h.next.WithGroup(name)}
}
