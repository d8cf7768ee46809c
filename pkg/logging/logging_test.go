package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNewHandlerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelInfo, FormatJSON))

	logger.Debug("Hidden")
	logger.Info("Operation delivered", "entity_type", "client")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "Operation delivered", line["msg"])
	assert.Equal(t, "client", line["entity_type"])
}

func TestFormatFromEnv(t *testing.T) {
	t.Setenv("LOG_FORMAT", "JSON")
	assert.Equal(t, FormatJSON, formatFromEnv())

	t.Setenv("LOG_FORMAT", "")
	assert.Equal(t, FormatText, formatFromEnv())
}
