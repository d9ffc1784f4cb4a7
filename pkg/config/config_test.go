package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 4096, cfg.Relay.FrameSize)
	assert.Equal(t, 48000, cfg.Relay.SampleRate)
	assert.Equal(t, 15*time.Second, cfg.Session.PresenceRefreshInterval)
	assert.True(t, cfg.Session.SyncRequestOnJoin)
	assert.False(t, cfg.Redis.Enabled)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero frame size", func(c *Config) { c.Relay.FrameSize = 0 }},
		{"zero sample rate", func(c *Config) { c.Relay.SampleRate = 0 }},
		{"zero presence interval", func(c *Config) { c.Session.PresenceRefreshInterval = 0 }},
		{"empty gateway address", func(c *Config) { c.Gateway.Address = "" }},
		{"half-open port range", func(c *Config) { c.WebRTC.PortRange.Min = 10000 }},
		{"inverted port range", func(c *Config) {
			c.WebRTC.PortRange.Min = 20000
			c.WebRTC.PortRange.Max = 10000
		}},
		{"rate limiting without burst", func(c *Config) {
			c.Gateway.RateLimiting.Enabled = true
			c.Gateway.RateLimiting.Burst = 0
		}},
		{"redis enabled without address", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.Address = ""
		}},
		{"empty jwt secret", func(c *Config) { c.Auth.JWTSecret = "" }},
		{"tracing sample rate out of range", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.SampleRate = 1.5
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Gateway.Address, cfg.Gateway.Address)
}

func TestLoadMergesYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
relay:
  frame_size: 2048
  sample_rate: 44100
gateway:
  address: ":9999"
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2048, cfg.Relay.FrameSize)
	assert.Equal(t, 44100, cfg.Relay.SampleRate)
	assert.Equal(t, ":9999", cfg.Gateway.Address)
	// Untouched sections keep their defaults.
	assert.Equal(t, 15*time.Second, cfg.Session.PresenceRefreshInterval)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("relay:\n  frame_size: 0\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("COOKMODE_GATEWAY_ADDRESS", ":7070")
	t.Setenv("COOKMODE_LOG_LEVEL", "debug")
	t.Setenv("COOKMODE_JWT_SECRET", "env-secret")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Gateway.Address)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "env-secret", cfg.Auth.JWTSecret)
}
