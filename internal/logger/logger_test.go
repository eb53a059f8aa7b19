package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "json", slog.LevelInfo)

	l.Debug("hidden")
	l.Info("reward earned", "merchant_id", "M1", "quantity", 5)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "reward earned", entry["msg"])
	assert.Equal(t, "M1", entry["merchant_id"])
	assert.EqualValues(t, 5, entry["quantity"])
}

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "console", slog.LevelDebug)

	l.Warn("refetch failed", "order_id", "o1", "error", errors.New("timeout"))

	out := buf.String()
	assert.Contains(t, out, "refetch failed")
	assert.Contains(t, out, "order_id=o1")
	assert.Contains(t, out, "timeout")
	assert.NotContains(t, out, "\x1b[", "no colour when not writing to a terminal")
}

func TestWithComponent(t *testing.T) {
	assert.NotNil(t, WithComponent("catalog"))
	assert.NotNil(t, Discard())
}
