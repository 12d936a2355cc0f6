package reshake

import (
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var _ Logger = (*slog.Logger)(nil)

func TestNopLogger_Methods_DoNotPanic(t *testing.T) {
	logger := NopLogger{}

	logger.Debug("message")
	logger.Debug("message", "key", "value")
	logger.Info("message", "key", 123)
	logger.Warn("message", "key", struct{}{})
	logger.Error("message", "key", nil)
}

// testLogger records log calls.
type testLogger struct {
	mu    sync.Mutex
	calls []logCall
}

type logCall struct {
	Level         string
	Message       string
	KeysAndValues []any
}

func (l *testLogger) Debug(msg string, kv ...any) { l.record("debug", msg, kv) }
func (l *testLogger) Info(msg string, kv ...any)  { l.record("info", msg, kv) }
func (l *testLogger) Warn(msg string, kv ...any)  { l.record("warn", msg, kv) }
func (l *testLogger) Error(msg string, kv ...any) { l.record("error", msg, kv) }

func (l *testLogger) record(level, msg string, kv []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, logCall{Level: level, Message: msg, KeysAndValues: kv})
}

func (l *testLogger) count(level string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		if c.Level == level {
			n++
		}
	}
	return n
}

func TestZapLogger_Levels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewZapLogger(zap.New(core))

	logger.Debug("debug message", "peer", "p1")
	logger.Info("info message", "count", 2)
	logger.Warn("warn message")
	logger.Error("error message", "reason", "nonce mismatch")

	entries := logs.AllUntimed()
	require.Len(t, entries, 4)

	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, "debug message", entries[0].Message)
	assert.Equal(t, "p1", entries[0].ContextMap()["peer"])

	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
	assert.EqualValues(t, 2, entries[1].ContextMap()["count"])

	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)

	assert.Equal(t, zapcore.ErrorLevel, entries[3].Level)
	assert.Equal(t, "nonce mismatch", entries[3].ContextMap()["reason"])
}

func TestZapLogger_RespectsLevel(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	logger := NewZapLogger(zap.New(core))

	logger.Debug("dropped")
	logger.Info("dropped")
	logger.Warn("kept")

	assert.Equal(t, 1, logs.Len())
	assert.Equal(t, 1, logs.FilterMessage("kept").Len())
}

func TestZapLogger_NilIsNop(t *testing.T) {
	logger := NewZapLogger(nil)
	logger.Info("message", "key", "value")
	assert.NoError(t, logger.Sync())
}
