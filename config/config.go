// Package config loads the service configuration from a JSON file with
// environment variable overrides. Defaults are chosen so the service
// runs locally with no file at all: in-memory storage and no broker.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage mode constants
const (
	StorageModeMemory = "memory" // in-process maps, lost on restart
	StorageModeKV     = "kv"     // NATS JetStream key-value buckets
)

// EnvPrefix is prepended to every override variable, e.g. FRIENDS_HTTP_ADDR
const EnvPrefix = "FRIENDS"

// Duration wraps time.Duration so JSON config can carry values like
// "10m" or "1s" instead of nanosecond integers.
type Duration time.Duration

// UnmarshalJSON accepts either a duration string or a number of seconds
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("duration must be a string or number: %s", data)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// MarshalJSON renders the duration as a string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the complete service configuration
type Config struct {
	HTTP        HTTPConfig        `json:"http"`
	NATS        NATSConfig        `json:"nats"`
	Connections ConnectionsConfig `json:"connections"`
	Relay       RelayConfig       `json:"relay"`
	Storage     StorageConfig     `json:"storage"`
	Backup      BackupConfig      `json:"backup"`
}

// HTTPConfig controls the HTTP listener
type HTTPConfig struct {
	Addr        string   `json:"addr"`
	StaticDir   string   `json:"static_dir,omitempty"` // serve files at / when set
	EnableCORS  bool     `json:"enable_cors"`
	CORSOrigins []string `json:"cors_origins,omitempty"` // empty means allow any
	RateLimit   float64  `json:"rate_limit"`             // requests/sec per client, 0 disables
	RateBurst   int      `json:"rate_burst"`
}

// NATSConfig controls the broker connection. An empty URL disables the
// relay entirely; the service then runs with in-process notifications
// only.
type NATSConfig struct {
	URL            string   `json:"url"`
	Name           string   `json:"name"`
	Username       string   `json:"username,omitempty"`
	Password       string   `json:"password,omitempty"`
	ConnectTimeout Duration `json:"connect_timeout"`
	MaxReconnects  int      `json:"max_reconnects"`
	ReconnectWait  Duration `json:"reconnect_wait"`
}

// ConnectionsConfig holds the lifecycle TTLs
type ConnectionsConfig struct {
	RequestTTL Duration `json:"request_ttl"`
	LinkTTL    Duration `json:"link_ttl"`
}

// RelayConfig tunes the notification relay
type RelayConfig struct {
	Durable        string   `json:"durable"`
	PublishTimeout Duration `json:"publish_timeout"`
	Workers        int      `json:"workers"`
	QueueSize      int      `json:"queue_size"`
	ConsumeBackoff Duration `json:"consume_backoff"`
}

// StorageConfig selects the connection store backend
type StorageConfig struct {
	Mode string `json:"mode"` // memory or kv
}

// BackupConfig controls recovery signing. An empty key disables
// signature verification on recovery.
type BackupConfig struct {
	Key string `json:"key,omitempty"`
}

// Default returns the configuration the service runs with when no file
// is provided
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:       ":8080",
			EnableCORS: true,
			RateLimit:  50,
			RateBurst:  100,
		},
		NATS: NATSConfig{
			Name:           "friends-connect",
			ConnectTimeout: Duration(5 * time.Second),
			MaxReconnects:  -1,
			ReconnectWait:  Duration(2 * time.Second),
		},
		Connections: ConnectionsConfig{
			RequestTTL: Duration(7 * 24 * time.Hour),
			LinkTTL:    Duration(10 * time.Minute),
		},
		Relay: RelayConfig{
			Durable:        "friends-connect-server",
			PublishTimeout: Duration(time.Second),
			Workers:        4,
			QueueSize:      256,
			ConsumeBackoff: Duration(time.Second),
		},
		Storage: StorageConfig{
			Mode: StorageModeMemory,
		},
	}
}

// Load reads the configuration file at path, merges it over the
// defaults, and applies environment overrides. An empty path skips the
// file and loads defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: read failed: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse failed: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies FRIENDS_* environment variables on top of
// the loaded configuration
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvPrefix + "_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv(EnvPrefix + "_HTTP_STATIC_DIR"); v != "" {
		cfg.HTTP.StaticDir = v
	}
	if v := os.Getenv(EnvPrefix + "_HTTP_CORS_ORIGINS"); v != "" {
		cfg.HTTP.CORSOrigins = splitAndTrim(v)
	}
	if v := os.Getenv(EnvPrefix + "_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv(EnvPrefix + "_NATS_USERNAME"); v != "" {
		cfg.NATS.Username = v
	}
	if v := os.Getenv(EnvPrefix + "_NATS_PASSWORD"); v != "" {
		cfg.NATS.Password = v
	}
	if v := os.Getenv(EnvPrefix + "_CONNECTIONS_REQUEST_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Connections.RequestTTL = Duration(d)
		}
	}
	if v := os.Getenv(EnvPrefix + "_CONNECTIONS_LINK_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Connections.LinkTTL = Duration(d)
		}
	}
	if v := os.Getenv(EnvPrefix + "_RELAY_DURABLE"); v != "" {
		cfg.Relay.Durable = v
	}
	if v := os.Getenv(EnvPrefix + "_STORAGE_MODE"); v != "" {
		cfg.Storage.Mode = v
	}
	if v := os.Getenv(EnvPrefix + "_BACKUP_KEY"); v != "" {
		cfg.Backup.Key = v
	}
	if v := os.Getenv(EnvPrefix + "_HTTP_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.HTTP.RateLimit = f
		}
	}
}

// Validate checks the configuration for values the service cannot run
// with
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("config: http.addr cannot be empty")
	}
	if c.Storage.Mode != StorageModeMemory && c.Storage.Mode != StorageModeKV {
		return fmt.Errorf("config: unknown storage mode %q", c.Storage.Mode)
	}
	if c.Storage.Mode == StorageModeKV && c.NATS.URL == "" {
		return fmt.Errorf("config: storage mode %q requires nats.url", StorageModeKV)
	}
	if c.Connections.RequestTTL <= 0 {
		return fmt.Errorf("config: connections.request_ttl must be positive")
	}
	if c.Connections.LinkTTL <= 0 {
		return fmt.Errorf("config: connections.link_ttl must be positive")
	}
	if c.Relay.Workers <= 0 {
		return fmt.Errorf("config: relay.workers must be positive")
	}
	if c.Relay.QueueSize <= 0 {
		return fmt.Errorf("config: relay.queue_size must be positive")
	}
	if c.HTTP.RateLimit < 0 {
		return fmt.Errorf("config: http.rate_limit cannot be negative")
	}
	return nil
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
