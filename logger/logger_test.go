package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMessage = "test message"

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestNewWithWriterLevels(t *testing.T) {
	tests := []struct {
		name          string
		level         string
		expectedLevel zerolog.Level
	}{
		{name: "debug", level: "debug", expectedLevel: zerolog.DebugLevel},
		{name: "warn", level: "warn", expectedLevel: zerolog.WarnLevel},
		{name: "invalid_defaults_to_info", level: "loud", expectedLevel: zerolog.InfoLevel},
		{name: "empty_defaults_to_info", level: "", expectedLevel: zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewWithWriter(&bytes.Buffer{}, tt.level, false, nil)
			assert.Equal(t, tt.expectedLevel, l.zlog.GetLevel())
		})
	}
}

func TestLogEventFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "debug", false, nil)

	l.Info().
		Str("path", "/produccion").
		Int("status", 200).
		Int64("call_count", 3).
		Bool("retried", true).
		Dur("elapsed", 150*time.Millisecond).
		Err(errors.New("boom")).
		Msg(testMessage)

	entry := decodeLine(t, &buf)
	assert.Equal(t, testMessage, entry["message"])
	assert.Equal(t, "/produccion", entry["path"])
	assert.Equal(t, float64(200), entry["status"])
	assert.Equal(t, float64(3), entry["call_count"])
	assert.Equal(t, true, entry["retried"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "info", entry["level"])
}

func TestLogEventMasksSensitiveValues(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "info", false, nil)

	l.Info().
		Str("refreshToken", "r-123").
		Interface("headers", map[string]string{"Authorization": "Bearer abc", "Accept": "application/json"}).
		Msg(testMessage)

	entry := decodeLine(t, &buf)
	assert.Equal(t, DefaultMaskValue, entry["refreshToken"])
	headers, ok := entry["headers"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, DefaultMaskValue, headers["Authorization"])
	assert.Equal(t, "application/json", headers["Accept"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "warn", false, nil)

	l.Info().Msg("dropped")
	assert.Zero(t, buf.Len())

	l.Warn().Msg("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestWithFieldsFiltersSensitiveFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "info", false, nil)

	l.WithFields(map[string]any{"component": "httpclient", "password": "hunter2"}).Info().Msg(testMessage)

	entry := decodeLine(t, &buf)
	assert.Equal(t, "httpclient", entry["component"])
	assert.Equal(t, DefaultMaskValue, entry["password"])
}

func TestWithContext(t *testing.T) {
	l := NewWithWriter(&bytes.Buffer{}, "info", false, nil)

	t.Run("non_context_returns_same_logger", func(t *testing.T) {
		assert.Same(t, l, l.WithContext("not a context"))
	})

	t.Run("context_without_logger_returns_same_logger", func(t *testing.T) {
		assert.Same(t, l, l.WithContext(context.Background()))
	})

	t.Run("context_logger_is_used", func(t *testing.T) {
		var buf bytes.Buffer
		zl := zerolog.New(&buf)
		ctx := zl.WithContext(context.Background())

		l.WithContext(ctx).Info().Msg("from context")
		assert.Contains(t, buf.String(), "from context")
	})
}

func TestNopDiscards(t *testing.T) {
	assert.NotPanics(t, func() {
		Nop().Error().Str("k", "v").Msg("nothing")
	})
}

func TestCallCounter(t *testing.T) {
	ctx := context.Background()
	IncrementCallCounter(ctx)
	AddCallElapsed(ctx, 10)
	assert.Zero(t, GetCallCounter(ctx))
	assert.Zero(t, GetCallElapsed(ctx))

	ctx = WithCallCounter(ctx)
	IncrementCallCounter(ctx)
	IncrementCallCounter(ctx)
	AddCallElapsed(ctx, int64(time.Millisecond))
	assert.Equal(t, int64(2), GetCallCounter(ctx))
	assert.Equal(t, int64(time.Millisecond), GetCallElapsed(ctx))
}
