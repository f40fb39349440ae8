package logging

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("verbose"))
}

func TestNew_WritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "vivace.log")
	cfg := DefaultConfig()
	cfg.Level = "warn"
	cfg.OutputPath = path

	logger, err := New(cfg)
	require.NoError(t, err)

	logger.Info("dropped")
	logger.With(Guild("g1")).Warn("kept", Int("attempt", 2), Error(errors.New("boom")))
	_ = logger.Sync()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
		lines = append(lines, line)
	}
	require.Len(t, lines, 1)
	assert.Equal(t, "kept", lines[0]["msg"])
	assert.Equal(t, "warn", lines[0]["level"])
	assert.Equal(t, "g1", lines[0]["guild_id"])
	assert.Equal(t, float64(2), lines[0]["attempt"])
	assert.Equal(t, "boom", lines[0]["error"])
}

func TestFromZap(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := FromZap(zap.New(core)).With(String("component", "player"))

	logger.Debug("state", Bool("dormant", true))
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "state", entry.Message)
	assert.Equal(t, "player", entry.ContextMap()["component"])
	assert.Equal(t, true, entry.ContextMap()["dormant"])
}

func TestNop(t *testing.T) {
	logger := Nop()
	logger.Error("ignored")
	assert.NoError(t, logger.Sync())
}
