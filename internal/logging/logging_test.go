package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{" error ", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "warn", "json")
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("weight retired", "signal", "TextLikeliness", "weight", 0.05)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "weight retired", line["msg"])
	assert.Equal(t, "TextLikeliness", line["signal"])
	assert.Equal(t, 0.05, line["weight"])
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "debug", "")
	require.NoError(t, err)
	logger.Debug("scored", "overall", 0.5)
	assert.Contains(t, buf.String(), "msg=scored")
	assert.Contains(t, buf.String(), "overall=0.5")
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, err := New(&bytes.Buffer{}, "info", "xml")
	assert.Error(t, err)
}

func TestDiscard(t *testing.T) {
	assert.False(t, Discard().Enabled(context.Background(), slog.LevelError))
}
