package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWriter_JSONCarriesServiceAndModule(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(Config{Level: "debug", Format: "json"}, &buf)

	NewModuleLogger("indexer", "orchestrator").Debug("phase started", "phase", "upload")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "bytesophos", entry["service"])
	assert.Equal(t, "indexer", entry["module"])
	assert.Equal(t, "orchestrator", entry["component"])
	assert.Equal(t, "upload", entry["phase"])
}

func TestInitWriter_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(Config{Level: "warn"}, &buf)

	Logger().Info("hidden")
	assert.Empty(t, buf.String())

	Logger().Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("verbose"))
}
