package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, StorageModeMemory, cfg.Storage.Mode)
	assert.Equal(t, 7*24*time.Hour, cfg.Connections.RequestTTL.Std())
	assert.Equal(t, 10*time.Minute, cfg.Connections.LinkTTL.Std())
	assert.Equal(t, "friends-connect-server", cfg.Relay.Durable)
	assert.Equal(t, time.Second, cfg.Relay.PublishTimeout.Std())
	assert.Empty(t, cfg.NATS.URL)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `{
		"http": {"addr": ":9000", "enable_cors": false},
		"nats": {"url": "nats://broker:4222", "name": "fc-test"},
		"connections": {"request_ttl": "48h", "link_ttl": "5m"},
		"storage": {"mode": "kv"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.HTTP.Addr)
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	assert.Equal(t, 48*time.Hour, cfg.Connections.RequestTTL.Std())
	assert.Equal(t, 5*time.Minute, cfg.Connections.LinkTTL.Std())
	assert.Equal(t, StorageModeKV, cfg.Storage.Mode)

	// Untouched sections keep their defaults.
	assert.Equal(t, 4, cfg.Relay.Workers)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.json")
	assert.Error(t, err)
}

func TestLoadBadJSON(t *testing.T) {
	path := writeConfig(t, "{not json")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FRIENDS_HTTP_ADDR", ":7777")
	t.Setenv("FRIENDS_NATS_URL", "nats://env:4222")
	t.Setenv("FRIENDS_CONNECTIONS_LINK_TTL", "2m")
	t.Setenv("FRIENDS_HTTP_CORS_ORIGINS", "http://a.example, http://b.example")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7777", cfg.HTTP.Addr)
	assert.Equal(t, "nats://env:4222", cfg.NATS.URL)
	assert.Equal(t, 2*time.Minute, cfg.Connections.LinkTTL.Std())
	assert.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.HTTP.CORSOrigins)
}

func TestDurationFormats(t *testing.T) {
	path := writeConfig(t, `{
		"relay": {"publish_timeout": "250ms", "consume_backoff": 2}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.Relay.PublishTimeout.Std())
	assert.Equal(t, 2*time.Second, cfg.Relay.ConsumeBackoff.Std())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.HTTP.Addr = "" }},
		{"unknown storage mode", func(c *Config) { c.Storage.Mode = "postgres" }},
		{"kv without nats", func(c *Config) { c.Storage.Mode = StorageModeKV }},
		{"zero request ttl", func(c *Config) { c.Connections.RequestTTL = 0 }},
		{"zero link ttl", func(c *Config) { c.Connections.LinkTTL = 0 }},
		{"zero relay workers", func(c *Config) { c.Relay.Workers = 0 }},
		{"negative rate limit", func(c *Config) { c.HTTP.RateLimit = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}
