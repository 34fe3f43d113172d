// Package observability provides OpenTelemetry tracing helpers and the
// structured process logger for phishguard.
package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// LoggerOptions selects the level, encoding and destination of the process log.
type LoggerOptions struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	Output string // stderr, stdout or a file path

	// LevelVar, when set, receives the parsed level and controls the handler,
	// so the level can be changed later.
	LevelVar *slog.LevelVar
}

// ParseLevel maps a level name to a slog level. "warning" is accepted as "warn".
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// NewLogger builds the process logger. Records logged with a context that
// carries a span get trace_id and span_id attributes. The returned closer
// releases the output file, if one was opened.
func NewLogger(opts LoggerOptions) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	var (
		out    io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	switch strings.TrimSpace(opts.Output) {
	case "", "stderr":
	case "stdout":
		out = os.Stdout
	default:
		if err := os.MkdirAll(filepath.Dir(opts.Output), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(opts.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out, closer = f, f
	}

	var leveler slog.Leveler = level
	if opts.LevelVar != nil {
		opts.LevelVar.Set(level)
		leveler = opts.LevelVar
	}
	return slog.New(NewHandler(out, opts.Format, leveler)), closer, nil
}

// NewHandler returns a text or JSON handler at level, wrapped so that trace
// identifiers from the record context are attached.
func NewHandler(w io.Writer, format string, level slog.Leveler) slog.Handler {
	hopts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, hopts)
	} else {
		h = slog.NewTextHandler(w, hopts)
	}
	return traceHandler{h}
}

type traceHandler struct {
	slog.Handler
}

func (h traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := ExtractTraceID(ctx); id != "" {
		r.AddAttrs(
			slog.String("trace_id", id),
			slog.String("span_id", ExtractSpanID(ctx)),
		)
	}
	return h.Handler.Handle(ctx, r)
}

func (h traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return traceHandler{h.Handler.WithAttrs(attrs)}
}

func (h traceHandler) WithGroup(name string) slog.Handler {
	return traceHandler{h.Handler.WithGroup(name)}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
