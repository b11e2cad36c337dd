package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "redis", cfg.Session.Store)
	assert.Equal(t, "market", cfg.Pipeline.DefaultAgent)
	assert.Equal(t, 24*time.Hour, cfg.Pipeline.ApprovalTTL)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  http_port: 9000
redis:
  addr: redis.internal:6379
  key_prefix: "mf:"
pipeline:
  default_agent: news
  event_buffer: 64
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, "mf:", cfg.Redis.KeyPrefix)
	assert.Equal(t, "news", cfg.Pipeline.DefaultAgent)
	assert.Equal(t, 64, cfg.Pipeline.EventBuffer)

	// Untouched sections keep defaults.
	assert.Equal(t, "gpt-4o", cfg.LLM.Model)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/config.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("MARKETFLOW_SERVER_HTTP_PORT", "8181")
	t.Setenv("MARKETFLOW_REDIS_ADDR", "envhost:6379")
	t.Setenv("MARKETFLOW_LLM_TIMEOUT", "90s")
	t.Setenv("MARKETFLOW_SESSION_STORE", "memory")
	t.Setenv("MARKETFLOW_TELEMETRY_ENABLED", "true")
	t.Setenv("MARKETFLOW_LOG_OUTPUT_PATHS", "stdout, /var/log/marketflow.log")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 8181, cfg.Server.HTTPPort)
	assert.Equal(t, "envhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 90*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, "memory", cfg.Session.Store)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, []string{"stdout", "/var/log/marketflow.log"}, cfg.Log.OutputPaths)
}

func TestValidator(t *testing.T) {
	_, err := NewLoader().
		WithValidator(func(c *Config) error {
			if c.Auth.JWTSecret == "" {
				return assert.AnError
			}
			return nil
		}).
		Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config validation failed")
}
