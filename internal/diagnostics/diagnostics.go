// Package diagnostics wraps structured logging so every fallback path the
// source silently swallowed (spec.md §7) instead emits a structured record:
// context, the fallback taken, and the originating error. Adapted from the
// teacher's internal/logging package, which fans a single slog.Logger out
// to a console handler and an optional Seq sink via slog-seq.
package diagnostics

import (
	"context"
	"log/slog"
	"os"
	"time"

	slogseq "github.com/sokkalf/slog-seq"
)

// multiHandler forwards log records to every wrapped handler, exactly as
// the teacher's internal/logging.multiHandler does.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if err := h.Handle(ctx, r.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// Options configures Setup.
type Options struct {
	// Level is the minimum level logged to the console handler.
	Level slog.Level
	// SeqEndpoint, when non-empty, fans records out to a Seq HTTP sink in
	// addition to the console. When the sink cannot be reached, Setup
	// degrades to console-only rather than failing.
	SeqEndpoint string
}

// Setup initializes the package logger and returns it along with a cleanup
// function that must be called (typically via defer) to flush the Seq sink.
func Setup(opts Options) (*slog.Logger, func()) {
	if opts.Level == 0 {
		opts.Level = slog.LevelInfo
	}

	console := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:     opts.Level,
		AddSource: true,
	})

	if opts.SeqEndpoint == "" {
		logger := slog.New(console)
		return logger, func() {}
	}

	_, seqHandler := slogseq.NewLogger(
		opts.SeqEndpoint,
		slogseq.WithBatchSize(1),
		slogseq.WithFlushInterval(500*time.Millisecond),
		slogseq.WithHandlerOptions(&slog.HandlerOptions{
			Level:     opts.Level,
			AddSource: true,
		}),
	)

	if seqHandler == nil {
		logger := slog.New(console)
		return logger, func() {}
	}

	multi := &multiHandler{handlers: []slog.Handler{console, seqHandler}}
	logger := slog.New(multi)
	return logger, func() { seqHandler.Close() }
}

// Diagnostics abstracts the host's logging facility so every silently
// swallowed fallback path names its context, its chosen fallback, and the
// originating error (spec.md §7: "No unlogged error is permitted").
type Diagnostics interface {
	// Fallback records that an operation failed and a named fallback was
	// taken instead of propagating the error.
	Fallback(ctx context.Context, component, fallback string, err error, attrs ...slog.Attr)
	// Warn records a non-fatal anomaly that does not necessarily have a
	// fallback (e.g. a type inconsistency noticed while indexing).
	Warn(ctx context.Context, msg string, attrs ...slog.Attr)
	// Debug records low-level tracing detail.
	Debug(ctx context.Context, msg string, attrs ...slog.Attr)
	// Info records a normal operational event.
	Info(ctx context.Context, msg string, attrs ...slog.Attr)
}

// slogDiagnostics is the default Diagnostics implementation over *slog.Logger.
type slogDiagnostics struct {
	logger *slog.Logger
}

// New wraps logger as a Diagnostics.
func New(logger *slog.Logger) Diagnostics {
	if logger == nil {
		logger = slog.Default()
	}
	return &slogDiagnostics{logger: logger}
}

func (d *slogDiagnostics) Fallback(ctx context.Context, component, fallback string, err error, attrs ...slog.Attr) {
	args := make([]any, 0, len(attrs)*2+6)
	args = append(args, slog.String("component", component), slog.String("fallback", fallback))
	if err != nil {
		args = append(args, slog.String("error", err.Error()))
	}
	for _, a := range attrs {
		args = append(args, a)
	}
	d.logger.WarnContext(ctx, "falling back after error", args...)
}

func (d *slogDiagnostics) Warn(ctx context.Context, msg string, attrs ...slog.Attr) {
	args := make([]any, 0, len(attrs))
	for _, a := range attrs {
		args = append(args, a)
	}
	d.logger.WarnContext(ctx, msg, args...)
}

func (d *slogDiagnostics) Debug(ctx context.Context, msg string, attrs ...slog.Attr) {
	args := make([]any, 0, len(attrs))
	for _, a := range attrs {
		args = append(args, a)
	}
	d.logger.DebugContext(ctx, msg, args...)
}

func (d *slogDiagnostics) Info(ctx context.Context, msg string, attrs ...slog.Attr) {
	args := make([]any, 0, len(attrs))
	for _, a := range attrs {
		args = append(args, a)
	}
	d.logger.InfoContext(ctx, msg, args...)
}

// Noop returns a Diagnostics that discards everything, for tests that do
// not want log noise.
func Noop() Diagnostics {
	return New(slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1})))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
