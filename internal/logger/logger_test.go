package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(Options{Level: "info", Encoding: "json"}, &buf)
	l.Debug("hidden")
	l.Info("vote applied", zap.String("proposal", "p1"))
	require.NoError(t, l.Sync())

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "vote applied", entry["msg"])
	assert.Equal(t, "p1", entry["proposal"])
}

func TestDebugForcesDebugLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(Options{Level: "error", Debug: true}, &buf)
	l.Debug("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
}
