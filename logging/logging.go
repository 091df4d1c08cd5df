// Package logging provides leveled, component-scoped console logging for the
// registry engine and its backends.
//
// Lines use the format
//
//	LEVEL TIMESTAMP [component] message key=value ...
//
// Loggers derived with WithComponent share the parent's output and level.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// levelPriority maps levels to numeric priority for filtering.
var levelPriority = map[Level]int32{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel converts a level name (case-insensitive) to a Level.
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := levelPriority[l]; !ok {
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

// Fields holds structured key=value context for a log line.
type Fields map[string]interface{}

// sink is the output shared by a logger and everything derived from it.
type sink struct {
	mu       sync.Mutex
	output   io.Writer
	minLevel atomic.Int32
}

// Logger writes structured log lines.
type Logger struct {
	sink      *sink
	component string
	fields    Fields
}

// New creates a new Logger writing to stdout at INFO.
func New() *Logger {
	s := &sink{output: os.Stdout}
	s.minLevel.Store(levelPriority[LevelInfo])
	return &Logger{sink: s}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	l := New()
	l.SetOutput(io.Discard)
	l.SetLevel(LevelError)
	return l
}

// WithComponent returns a logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		sink:      l.sink,
		component: component,
		fields:    l.fields,
	}
}

// With returns a logger that adds the given fields to every line.
func (l *Logger) With(fields Fields) *Logger {
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{
		sink:      l.sink,
		component: l.component,
		fields:    merged,
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.sink.minLevel.Store(levelPriority[level])
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	l.sink.output = w
	l.sink.mu.Unlock()
}

// Enabled reports whether messages at level would be written.
func (l *Logger) Enabled(level Level) bool {
	return levelPriority[level] >= l.sink.minLevel.Load()
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...Fields) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...Fields) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...Fields) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...Fields) {
	l.log(LevelError, msg, fields...)
}

// formatFields formats fields as key=value pairs in key order.
func formatFields(base Fields, extra Fields) string {
	if len(base) == 0 && len(extra) == 0 {
		return ""
	}
	all := make(Fields, len(base)+len(extra))
	for k, v := range base {
		all[k] = v
	}
	for k, v := range extra {
		all[k] = v
	}
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, all[k]))
	}
	return " " + strings.Join(parts, " ")
}

// log writes a log entry: LEVEL TIMESTAMP [component] message key=value ...
func (l *Logger) log(level Level, msg string, fields ...Fields) {
	if !l.Enabled(level) {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var extra Fields
	if len(fields) > 0 {
		extra = fields[0]
	}
	fieldStr := formatFields(l.fields, extra)

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.output.Write([]byte(line))
}

// --- Registry event helpers ---

// TaskRetry logs a failed backend task that will run again.
func (l *Logger) TaskRetry(op, key string, attempt int, delay time.Duration, err error) {
	l.Warn("task_retry", Fields{
		"op":      op,
		"key":     key,
		"attempt": attempt,
		"delay":   delay.String(),
		"error":   err,
	})
}

// TaskDropped logs a task abandoned because its entry is gone or the
// registry closed.
func (l *Logger) TaskDropped(op, key, reason string) {
	l.Debug("task_dropped", Fields{
		"op":     op,
		"key":    key,
		"reason": reason,
	})
}

// ReconnectAttempt logs a connect attempt.
func (l *Logger) ReconnectAttempt(attempt int) {
	l.Debug("reconnect_attempt", Fields{"attempt": attempt})
}

// ReconnectResult logs the outcome of a connect attempt.
func (l *Logger) ReconnectResult(attempt int, err error) {
	if err != nil {
		l.Warn("reconnect_failed", Fields{"attempt": attempt, "error": err})
		return
	}
	l.Info("connected", Fields{"attempt": attempt})
}

// UpdateRejected logs a discovery update refused by null-datum protection.
func (l *Logger) UpdateRejected(key string, version int64, reason string) {
	l.Warn("update_rejected", Fields{
		"key":     key,
		"version": version,
		"reason":  reason,
	})
}

// BackupFailed logs a backup or restore failure.
func (l *Logger) BackupFailed(op, name string, err error) {
	l.Error("backup_failed", Fields{
		"op":    op,
		"name":  name,
		"error": err,
	})
}
