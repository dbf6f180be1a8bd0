package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSON(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	l := New(Config{Level: slog.LevelInfo, Format: "json", Output: &buf})
	l.Debug("hidden")
	l.Info("submitted", "jobID", "batch_1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "submitted", entry["msg"])
	assert.Equal(t, "batch_1", entry["jobID"])
	assert.Same(t, l, slog.Default())
}

func TestNew_Text(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	New(Config{Level: slog.LevelDebug, Format: "text", Output: &buf}).Debug("detail", "n", 3)
	assert.Contains(t, buf.String(), "msg=detail n=3")
}
