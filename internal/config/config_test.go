package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:8080", cfg.ListenAddr())
	assert.Equal(t, time.Second, cfg.Sync.BaseReconnectDelay())
	assert.Equal(t, 5, cfg.Sync.MaxReconnectAttempts)
	assert.Equal(t, 30*time.Second, cfg.Sync.HeartbeatInterval())
	assert.Equal(t, 90*time.Second, cfg.Sync.PresenceSilenceTimeout())
	assert.Equal(t, "manual-choice", cfg.Sync.ConflictPolicy)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
server:
  port: "9090"
  interface: "127.0.0.1"
auth:
  jwt_secret: "file-secret"
sync:
  heartbeat_interval_ms: 10000
logging:
  level: debug
  is_dev: true
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.ListenAddr())
	assert.Equal(t, "file-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, 10*time.Second, cfg.Sync.HeartbeatInterval())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.IsDev)
	// Untouched sections keep their defaults.
	assert.Equal(t, 5, cfg.Sync.MaxReconnectAttempts)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: \"9090\"\n"), 0600))

	t.Setenv("HUC_SERVER_PORT", "7070")
	t.Setenv("HUC_AUTH_JWT_SECRET", "env-secret")
	t.Setenv("HUC_SYNC_MAX_RECONNECT_ATTEMPTS", "9")
	t.Setenv("HUC_LOGGING_IS_DEV", "true")
	t.Setenv("HUC_SERVER_READ_TIMEOUT", "45s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "env-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, 9, cfg.Sync.MaxReconnectAttempts)
	assert.True(t, cfg.Logging.IsDev)
	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
}

func TestLoad_InvalidEnvValue(t *testing.T) {
	t.Setenv("HUC_SYNC_MAX_RECONNECT_ATTEMPTS", "lots")

	_, err := Load("")
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{"defaults are valid", func(c *Config) {}, true},
		{"empty port", func(c *Config) { c.Server.Port = "" }, false},
		{"non-numeric port", func(c *Config) { c.Server.Port = "web" }, false},
		{"zero heartbeat", func(c *Config) { c.Sync.HeartbeatIntervalMs = 0 }, false},
		{"negative reconnect delay", func(c *Config) { c.Sync.BaseReconnectDelayMs = -1 }, false},
		{"zero silence timeout", func(c *Config) { c.Sync.PresenceSilenceTimeoutMs = 0 }, false},
		{"unsupported conflict policy", func(c *Config) { c.Sync.ConflictPolicy = "last-writer-wins" }, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := getDefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
