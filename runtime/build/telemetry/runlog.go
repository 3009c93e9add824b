package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// RunLogger tees every log entry to a per-run JSONL sink while forwarding to
// the wrapped logger. Entries are one JSON object per line: timestamp, level,
// message, and the flattened keyvals.
type RunLogger struct {
	mu   sync.Mutex
	w    io.Writer
	next Logger
}

var _ Logger = (*RunLogger)(nil)

// NewRunLogger wraps next with a JSONL sink. A nil next forwards nowhere.
func NewRunLogger(w io.Writer, next Logger) *RunLogger {
	if next == nil {
		next = NewNoopLogger()
	}
	return &RunLogger{w: w, next: next}
}

// Debug implements Logger.
func (l *RunLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	l.write("debug", msg, keyvals)
	l.next.Debug(ctx, msg, keyvals...)
}

// Info implements Logger.
func (l *RunLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	l.write("info", msg, keyvals)
	l.next.Info(ctx, msg, keyvals...)
}

// Warn implements Logger.
func (l *RunLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	l.write("warn", msg, keyvals)
	l.next.Warn(ctx, msg, keyvals...)
}

// Error implements Logger.
func (l *RunLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	l.write("error", msg, keyvals)
	l.next.Error(ctx, msg, keyvals...)
}

func (l *RunLogger) write(level, msg string, keyvals []any) {
	record := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"level": level,
		"msg":   msg,
	}
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			key = fmt.Sprint(keyvals[i])
		}
		record[key] = keyvals[i+1]
	}
	data, err := json.Marshal(record)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.w.Write(append(data, '\n'))
}
