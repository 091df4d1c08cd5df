package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferLogger(level Level) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := New()
	l.SetOutput(&buf)
	l.SetLevel(level)
	return l, &buf
}

func TestLogger_Levels(t *testing.T) {
	logger, buf := newBufferLogger(LevelInfo)

	logger.Debug("debug message")
	assert.Zero(t, buf.Len(), "debug message should be filtered at INFO level")

	logger.Info("info message")
	out := buf.String()
	assert.Contains(t, out, "INFO")
	assert.Contains(t, out, "info message")
}

func TestLogger_WithComponentSharesSink(t *testing.T) {
	logger, buf := newBufferLogger(LevelInfo)
	child := logger.WithComponent("registry")

	child.Info("hello")
	assert.Contains(t, buf.String(), "[registry] hello")

	// Level changes on the parent apply to derived loggers.
	logger.SetLevel(LevelError)
	buf.Reset()
	child.Warn("quiet")
	assert.Zero(t, buf.Len())
}

func TestLogger_FieldsSorted(t *testing.T) {
	logger, buf := newBufferLogger(LevelDebug)

	logger.With(Fields{"b": 2}).Info("msg", Fields{"a": 1, "c": "x"})
	assert.True(t, strings.HasSuffix(strings.TrimSpace(buf.String()), "msg a=1 b=2 c=x"), buf.String())
}

func TestLogger_EventHelpers(t *testing.T) {
	logger, buf := newBufferLogger(LevelDebug)

	logger.TaskRetry("register", "grpc://svc?alias=", 2, time.Second, errors.New("down"))
	logger.TaskDropped("subscribe", "k", "superseded")
	logger.ReconnectResult(1, nil)
	logger.ReconnectResult(2, errors.New("refused"))
	logger.UpdateRejected("k", 7, "empty datum")
	logger.BackupFailed("backup", "default", errors.New("disk full"))

	out := buf.String()
	for _, want := range []string{
		"task_retry", "attempt=2", "delay=1s", "error=down",
		"task_dropped", "reason=superseded",
		"connected", "reconnect_failed", "error=refused",
		"update_rejected", "version=7",
		"backup_failed", "error=disk full",
	} {
		assert.Contains(t, out, want)
	}
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel(" warn ")
	require.NoError(t, err)
	assert.Equal(t, LevelWarn, l)

	_, err = ParseLevel("verbose")
	assert.Error(t, err)
}

func TestNop(t *testing.T) {
	l := Nop()
	assert.False(t, l.Enabled(LevelWarn))
	l.Error("discarded")
}
