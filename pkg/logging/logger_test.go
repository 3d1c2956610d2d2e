package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerTo_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, Config{Level: "warn"})

	logger.Info("dropped")
	logger.Warn("rule budget reached", "budget", 5000)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "rule budget reached", record["msg"])
	assert.Equal(t, "WARN", record["level"])
	assert.EqualValues(t, 5000, record["budget"])
}

func TestNewLoggerTo_Pretty(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, Config{Level: "debug", Pretty: true})

	logger.Debug("install attempt failed", "rule_id", 1042)

	out := buf.String()
	assert.Contains(t, out, "install attempt failed")
	assert.Contains(t, out, "rule_id=")
	assert.Contains(t, out, "1042")
	assert.NotContains(t, out, `"msg"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}
