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
	t.Setenv("KEYGATE_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "keygate.secret", cfg.Security.SecretFile)
	assert.False(t, cfg.Security.ExemptBypassGrace)
	assert.Equal(t, 5*time.Minute, cfg.License.DownloadTokenTTL)

	assert.Equal(t, DefaultActivateLimit, cfg.Security.RateLimit.Activate.Limit)
	assert.Equal(t, DefaultValidateWindow, cfg.Security.RateLimit.Validate.Window)
	assert.Equal(t, DefaultDownloadLimit, cfg.Security.RateLimit.Download.Limit)
	assert.Equal(t, DefaultAdminLimit, cfg.Security.RateLimit.Admin.Limit)
	assert.Equal(t, DefaultBlockDuration, cfg.Security.RateLimit.BlockDuration)
}

func TestLoadYAMLFileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keygate.yaml")
	yaml := `
server:
  port: 9090
license:
  exempt_domains: "staging.example.com, preview.example.com"
security:
  rate_limit:
    activate:
      limit: 3
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	t.Setenv("KEYGATE_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Contains(t, cfg.License.ExemptDomains, "staging.example.com")
	assert.Equal(t, 3, cfg.Security.RateLimit.Activate.Limit)
	assert.Equal(t, DefaultActivateWindow, cfg.Security.RateLimit.Activate.Window)
	// Unset policies still fall back to defaults.
	assert.Equal(t, DefaultValidateLimit, cfg.Security.RateLimit.Validate.Limit)
}

func TestFileOverridesEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keygate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o644))
	t.Setenv("KEYGATE_CONFIG", path)
	t.Setenv("KEYGATE_SERVER_PORT", "7070")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("KEYGATE_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("KEYGATE_SERVER_PORT", "7070")
	t.Setenv("KEYGATE_SECURITY_EXEMPT_BYPASS_GRACE", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.True(t, cfg.Security.ExemptBypassGrace)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	base := func() *Config {
		t.Setenv("KEYGATE_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"port out of range", func(c *Config) { c.Server.Port = 0 }},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "etcd" }},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres"; c.Storage.PostgresDSN = "" }},
		{"empty secret file", func(c *Config) { c.Security.SecretFile = "" }},
		{"zero token ttl", func(c *Config) { c.License.DownloadTokenTTL = 0 }},
		{"negative rate window", func(c *Config) { c.Security.RateLimit.Activate.Window = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.validate())
		})
	}
}
