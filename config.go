package projexsync

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the engine configuration. The engine degrades gracefully when
// the remote endpoint is absent: writes still reconcile identifiers locally
// and reads fail with a SYNC_NOT_CONFIGURED error.
type Config struct {
	RemoteURL   string `yaml:"remote_url"`   // tabular store REST endpoint
	APIKey      string `yaml:"api_key"`      // bearer credential
	AuthURL     string `yaml:"auth_url"`     // identity endpoint
	RealtimeURL string `yaml:"realtime_url"` // websocket change-feed endpoint
	DataDir     string `yaml:"data_dir"`     // local durable storage directory

	FlushIntervalSeconds  int `yaml:"flush_interval_seconds"`
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`

	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		DataDir:               "./data",
		FlushIntervalSeconds:  5,
		RequestTimeoutSeconds: 30,
		LogLevel:              "INFO",
	}
}

// LoadConfig reads configuration from a YAML file (optional, "" skips it),
// then applies environment overrides. A .env file in the working directory
// is loaded first if present.
func LoadConfig(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if cfg.FlushIntervalSeconds <= 0 {
		cfg.FlushIntervalSeconds = 5
	}
	if cfg.RequestTimeoutSeconds <= 0 {
		cfg.RequestTimeoutSeconds = 30
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "INFO"
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PROJEXSYNC_REMOTE_URL"); v != "" {
		cfg.RemoteURL = v
	}
	if v := os.Getenv("PROJEXSYNC_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("PROJEXSYNC_AUTH_URL"); v != "" {
		cfg.AuthURL = v
	}
	if v := os.Getenv("PROJEXSYNC_REALTIME_URL"); v != "" {
		cfg.RealtimeURL = v
	}
	if v := os.Getenv("PROJEXSYNC_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("PROJEXSYNC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// Configured reports whether the remote store endpoint is usable.
func (c Config) Configured() bool {
	return c.RemoteURL != "" && c.APIKey != ""
}

// FlushInterval returns the queue flush tick.
func (c Config) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalSeconds) * time.Second
}

// RequestTimeout returns the per-request bound for remote calls.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}
