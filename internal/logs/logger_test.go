package logs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chris-schra/mcp-funnel-sub012/internal/config"
)

func fileLogConfig(dir string) *config.LogConfig {
	return &config.LogConfig{
		Level:         "debug",
		EnableFile:    true,
		EnableConsole: false,
		Filename:      "main.log",
		LogDir:        dir,
		MaxSize:       1,
		MaxBackups:    1,
		MaxAge:        1,
	}
}

func TestSetupLoggerWritesToFile(t *testing.T) {
	dir := t.TempDir()

	logger, err := SetupLogger(fileLogConfig(dir))
	require.NoError(t, err)

	logger.Info("connection established", zap.String("upstream", "github"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(filepath.Join(dir, "main.log"))
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "connection established")
	assert.Contains(t, content, "github")
	assert.Contains(t, content, RunID())
}

func TestSetupLoggerNoOutputsFails(t *testing.T) {
	cfg := fileLogConfig(t.TempDir())
	cfg.EnableFile = false
	cfg.EnableConsole = false

	_, err := SetupLogger(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no log outputs")
}

func TestCreateUpstreamLogger(t *testing.T) {
	dir := t.TempDir()

	logger, err := CreateUpstreamLogger(fileLogConfig(dir), "weather")
	require.NoError(t, err)

	logger.Warn("slow response")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(filepath.Join(dir, "upstream-weather.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "slow response")
	assert.Contains(t, string(data), "weather")
}

func TestTraceMapsToDebug(t *testing.T) {
	dir := t.TempDir()
	cfg := fileLogConfig(dir)
	cfg.Level = "trace"

	logger, err := SetupLogger(cfg)
	require.NoError(t, err)

	logger.Debug("trace visible")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(filepath.Join(dir, "main.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "trace visible")
}

func TestRunIDStableAndWellFormed(t *testing.T) {
	first := RunID()
	second := RunID()
	assert.Equal(t, first, second)
	assert.Len(t, first, 26) // ULID textual length
	assert.False(t, strings.ContainsAny(first, " \t\n"))
}
