package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadToolsetInline(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Toolsets = map[string][]string{
		"dev": {"github__create_issue", "memory__store"},
	}

	ts, err := cfg.LoadToolset("dev")
	require.NoError(t, err)
	assert.Equal(t, "dev", ts.Name)
	assert.Equal(t, []string{"github__create_issue", "memory__store"}, ts.Tools)
}

func TestLoadToolsetFromFile(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.ToolsetDir = dir

	content := []byte("name: review\ndescription: PR review helpers\ntools:\n  - github__get_pull_request\n  - github__list_commits\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "review.yaml"), content, 0644))

	ts, err := cfg.LoadToolset("review")
	require.NoError(t, err)
	assert.Equal(t, "review", ts.Name)
	assert.Equal(t, "PR review helpers", ts.Description)
	assert.Len(t, ts.Tools, 2)
}

func TestLoadToolsetInlineWinsOverFile(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.ToolsetDir = dir
	cfg.Toolsets = map[string][]string{"dev": {"a__x"}}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "dev.yaml"),
		[]byte("tools:\n  - b__y\n"), 0644))

	ts, err := cfg.LoadToolset("dev")
	require.NoError(t, err)
	assert.Equal(t, []string{"a__x"}, ts.Tools)
}

func TestLoadToolsetMissing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ToolsetDir = t.TempDir()

	_, err := cfg.LoadToolset("nonexistent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	_, err = cfg.LoadToolset("")
	require.Error(t, err)
}

func TestLoadToolsetEmptyFileRejected(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.ToolsetDir = dir

	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.yaml"),
		[]byte("name: empty\ntools: []\n"), 0644))

	_, err := cfg.LoadToolset("empty")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no tools")
}

func TestListToolsets(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.ToolsetDir = dir
	cfg.Toolsets = map[string][]string{"inline": {"a__b"}}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "filebased.yaml"),
		[]byte("tools: [c__d]\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"),
		[]byte("ignored"), 0644))

	names := cfg.ListToolsets()
	assert.Equal(t, []string{"filebased", "inline"}, names)
}

func TestLoaderEnvOverrides(t *testing.T) {
	t.Setenv("MCPFUNNEL_LOG_LEVEL", "debug")
	t.Setenv("MCPFUNNEL_LOG_FILE", "0")
	t.Setenv("MCPFUNNEL_DATA_DIR", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.False(t, cfg.Logging.EnableFile)
}

func TestLoadFromFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)

	cfg := DefaultConfig()
	cfg.DataDir = dir
	cfg.Upstreams = []*UpstreamConfig{
		{
			ID:      "github",
			Enabled: true,
			Transport: &TransportConfig{
				Type: TransportStreamableHTTP,
				URL:  "https://api.example.com/mcp",
				Reconnect: &ReconnectConfig{
					MaxAttempts:       3,
					InitialDelayMs:    500,
					MaxDelayMs:        5000,
					BackoffMultiplier: 2.0,
					Jitter:            0.1,
				},
			},
			Auth: &AuthConfig{Type: AuthBearer, Token: "tok"},
		},
	}
	require.NoError(t, SaveToFile(cfg, path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Len(t, loaded.Upstreams, 1)
	up := loaded.Upstreams[0]
	assert.Equal(t, "github", up.ID)
	assert.Equal(t, TransportStreamableHTTP, up.Transport.Type)
	require.NotNil(t, up.Transport.Reconnect)
	assert.Equal(t, 3, up.Transport.Reconnect.MaxAttempts)
	require.NotNil(t, up.Auth)
	assert.Equal(t, AuthBearer, up.Auth.Type)
}

func TestIsTruthy(t *testing.T) {
	for _, v := range []string{"1", "true", "TRUE", "yes", "on", " on "} {
		assert.True(t, isTruthy(v), v)
	}
	for _, v := range []string{"", "0", "false", "off", "nope"} {
		assert.False(t, isTruthy(v), v)
	}
}
