package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFileDefaultsAndEnv(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "s3cret")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("LIFECYCLE_POLL_INTERVAL", "2s")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example https://b.example")

	cfg, err := LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/api/1.0.0", cfg.Server.BasePath)
	assert.Equal(t, 2*time.Second, cfg.Lifecycle.PollInterval)
	assert.Equal(t, time.Minute, cfg.Lifecycle.PollMaxInterval)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.Origins())
	assert.Equal(t, "0.0.0.0:9090", cfg.Server.Addr())
}

func TestLoadFileYAMLThenEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custody.yaml")
	yamlDoc := `
server:
  port: 7000
near:
  network_id: mainnet
  node_url: https://rpc.mainnet.near.org
auth:
  jwt_secret: from-file
lifecycle:
  poll_interval: 3s
  poll_max_wait: 1h
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o600))
	t.Setenv("NEAR_NETWORK_ID", "testnet")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "testnet", cfg.Near.NetworkID, "environment wins over file")
	assert.Equal(t, "https://rpc.mainnet.near.org", cfg.Near.NodeURL)
	assert.Equal(t, "from-file", cfg.Auth.JWTSecret)
	assert.Equal(t, 3*time.Second, cfg.Lifecycle.PollInterval)
	assert.Equal(t, time.Hour, cfg.Lifecycle.PollMaxWait)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults-with-secret", func(c *Config) { c.Auth.JWTSecret = "x" }, true},
		{"auth-disabled", func(c *Config) { c.Auth.Disabled = true }, true},
		{"missing-secret", func(c *Config) {}, false},
		{"bad-port", func(c *Config) { c.Auth.Disabled = true; c.Server.Port = 0 }, false},
		{"no-node", func(c *Config) { c.Auth.Disabled = true; c.Near.NodeURL = "" }, false},
		{"bad-multiplier", func(c *Config) { c.Auth.Disabled = true; c.Lifecycle.PollMultiplier = 0.5 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
