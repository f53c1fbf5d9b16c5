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
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, Config{Format: "json", Level: "info"})

	l.Debug("hidden")
	FileLogger(l, "zagreb_001.kml").Info("parsed", "placemarks", 3)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "parsed", rec["msg"])
	assert.Equal(t, "zagreb_001.kml", rec["file"])
	assert.EqualValues(t, 3, rec["placemarks"])
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, Config{Format: "text", Level: "warn"})

	l.Info("hidden")
	l.Warn("ring not closed", "file", "a.kml")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "ring not closed")
	assert.Contains(t, out, "a.kml")
}

func TestCorrelationID(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, CorrelationID(ctx))

	id := GenerateCorrelationID()
	ctx = WithCorrelationID(ctx, id)
	assert.Equal(t, id, CorrelationID(ctx))
	assert.NotEqual(t, id, GenerateCorrelationID())
}
