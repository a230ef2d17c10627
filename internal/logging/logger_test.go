package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kylemclaren/device-tasks/internal/config"
)

func TestLogger_JSONDefaultFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, "1.2.3", &buf)

	log.With("component", "worker").Info("job started", "task_id", 7)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "device-tasks", entry["service"])
	assert.Equal(t, "1.2.3", entry["version"])
	assert.Equal(t, "worker", entry["component"])
	assert.Equal(t, "job started", entry["msg"])
	assert.EqualValues(t, 7, entry["task_id"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		level     string
		debugSeen bool
		warnSeen  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"warning", false, true},
		{"error", false, false},
		{"bogus", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			log := NewWithWriter(config.LoggingConfig{Level: tt.level, Format: "text"}, "dev", &buf)
			log.Debug("debug-line")
			log.Warn("warn-line")

			out := buf.String()
			assert.Equal(t, tt.debugSeen, strings.Contains(out, "debug-line"))
			assert.Equal(t, tt.warnSeen, strings.Contains(out, "warn-line"))
		})
	}
}
