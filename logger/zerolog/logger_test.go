package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	testcases := []struct {
		name      string
		level     string
		wantLevel zerolog.Level
	}{
		{name: "debug level", level: "debug", wantLevel: zerolog.DebugLevel},
		{name: "upper case level", level: "WARN", wantLevel: zerolog.WarnLevel},
		{name: "unknown level falls back to info", level: "verbose", wantLevel: zerolog.InfoLevel},
		{name: "empty level falls back to info", level: "", wantLevel: zerolog.InfoLevel},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			l := New(tc.level, "json")
			assert.Equal(t, tc.wantLevel, l.Logger.GetLevel())
		})
	}
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{Logger: zerolog.New(&buf).Level(zerolog.DebugLevel)}

	l.With("dispatcher").Error("publishing failed", errors.New("broker unavailable"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "dispatcher", entry["component"])
	assert.Equal(t, "broker unavailable", entry["error"])
	assert.Equal(t, "publishing failed", entry["message"])

	buf.Reset()
	l.Debug("debug")
	l.Info("info")
	l.Warn("warn")
	assert.Equal(t, 3, bytes.Count(buf.Bytes(), []byte("\n")))
}
