package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  url: wss://chat.example.com/ws
  reconnect_delay: 500ms
  read_limit: 2MB
session:
  outbox_size: 8
summary:
  timeout: 15
`), 0o600))

	cfg, err := Load(path, false)
	require.NoError(t, err)
	assert.Equal(t, "wss://chat.example.com/ws", cfg.Server.URL)
	assert.Equal(t, 500*time.Millisecond, cfg.Server.ReconnectDelay.Duration())
	assert.Equal(t, int64(2_000_000), cfg.Server.ReadLimit.Int64())
	assert.Equal(t, 8, cfg.Session.OutboxSize)
	assert.Equal(t, 256, cfg.Session.PendingUpdates)
	assert.Equal(t, 15*time.Second, cfg.Summary.Timeout.Duration())
	assert.Equal(t, "https://chat.example.com/api/summarize_chat", cfg.SummaryURL())
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.yaml")
	cfg, err := Load(missing, true)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load(missing, false)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PORTAL_CHAT_SERVER_URL", "ws://10.0.0.2:8080/ws")
	t.Setenv("PORTAL_CHAT_RECONNECT_DELAY", "1.5")
	t.Setenv("PORTAL_CHAT_PORT", "9000")
	t.Setenv("RELAY", "wss://a.example, ,wss://b.example")

	cfg := Default()
	used, err := ApplyEnv(cfg)
	require.NoError(t, err)
	assert.True(t, used)
	assert.Equal(t, "ws://10.0.0.2:8080/ws", cfg.Server.URL)
	assert.Equal(t, 1500*time.Millisecond, cfg.Server.ReconnectDelay.Duration())
	assert.Equal(t, 9000, cfg.View.Port)
	assert.Equal(t, []string{"wss://a.example", "wss://b.example"}, cfg.View.RelayURLs)
	assert.Equal(t, "http://10.0.0.2:8080/api/summarize_chat", cfg.SummaryURL())
}

func TestApplyEnvRejectsBadPort(t *testing.T) {
	t.Setenv("PORTAL_CHAT_PORT", "eighty")
	_, err := ApplyEnv(Default())
	assert.Error(t, err)
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("PORTAL_CHAT_NAME=fromfile\nPORTAL_CHAT_LOG_LEVEL=debug\n"), 0o600))
	t.Setenv("PORTAL_CHAT_NAME", "fromenv")
	t.Setenv("PORTAL_CHAT_LOG_LEVEL", "")
	os.Unsetenv("PORTAL_CHAT_LOG_LEVEL")

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env"), path))
	assert.Equal(t, "fromenv", os.Getenv("PORTAL_CHAT_NAME"))
	assert.Equal(t, "debug", os.Getenv("PORTAL_CHAT_LOG_LEVEL"))
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Server.URL = "http://example.com"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Server.ReconnectDelay = 0
	assert.Error(t, cfg.Validate())
}
