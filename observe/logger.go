package observe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// LogLevel represents a logging level.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLogLevel parses a string log level. Unknown values map to info.
func ParseLogLevel(s string) LogLevel {
	switch s {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// structuredLogger writes one JSON object per line.
type structuredLogger struct {
	level     LogLevel
	out       *lockedWriter
	baseAttrs map[string]any
}

// lockedWriter is shared by a logger and every logger derived from it via With.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewLogger creates a new structured logger writing to stderr.
func NewLogger(level string) Logger {
	return NewLoggerWithWriter(level, os.Stderr)
}

// NewLoggerWithWriter creates a new structured logger with a custom writer.
func NewLoggerWithWriter(level string, w io.Writer) Logger {
	return &structuredLogger{
		level:     ParseLogLevel(level),
		out:       &lockedWriter{w: w},
		baseAttrs: make(map[string]any),
	}
}

func (l *structuredLogger) With(fields ...Field) Logger {
	attrs := make(map[string]any, len(l.baseAttrs)+len(fields))
	for k, v := range l.baseAttrs {
		attrs[k] = v
	}
	for _, f := range fields {
		attrs[f.Key] = f.Value
	}
	return &structuredLogger{
		level:     l.level,
		out:       l.out,
		baseAttrs: attrs,
	}
}

func (l *structuredLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LevelDebug, msg, fields)
}

func (l *structuredLogger) Info(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LevelInfo, msg, fields)
}

func (l *structuredLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LevelWarn, msg, fields)
}

func (l *structuredLogger) Error(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LevelError, msg, fields)
}

func (l *structuredLogger) log(_ context.Context, level LogLevel, msg string, fields []Field) {
	if level < l.level {
		return
	}

	entry := make(map[string]any, len(l.baseAttrs)+len(fields)+3)
	entry["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level.String()
	entry["msg"] = msg

	for k, v := range l.baseAttrs {
		entry[k] = v
	}
	for _, f := range fields {
		entry[f.Key] = loggable(f.Value)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return // Silently drop malformed log entries
	}

	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	_, _ = l.out.w.Write(append(data, '\n'))
}

// loggable turns values encoding/json cannot render usefully into strings.
func loggable(v any) any {
	switch val := v.(type) {
	case error:
		return val.Error()
	case fmt.Stringer:
		return val.String()
	default:
		return v
	}
}

type noopLogger struct{}

// NoopLogger returns a logger that discards everything.
func NoopLogger() Logger {
	return noopLogger{}
}

func (noopLogger) Debug(context.Context, string, ...Field) {}
func (noopLogger) Info(context.Context, string, ...Field)  {}
func (noopLogger) Warn(context.Context, string, ...Field)  {}
func (noopLogger) Error(context.Context, string, ...Field) {}
func (l noopLogger) With(...Field) Logger                  { return l }

var (
	_ Logger = (*structuredLogger)(nil)
	_ Logger = noopLogger{}
)
