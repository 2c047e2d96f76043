package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var ErrMissingRequired = errors.New("missing required configuration")

type Config struct {
	// Backend
	BackendURL string `envconfig:"BACKEND_URL"`
	AuthToken  string `envconfig:"AUTH_TOKEN"`

	// Local durable state
	DBPath          string `envconfig:"DB_PATH" default:"haulsync.db"`
	TelemetryDBPath string `envconfig:"TELEMETRY_DB_PATH" default:"haulsync-telemetry.db"`

	// Control API
	ListenAddr string `envconfig:"LISTEN_ADDR" default:"127.0.0.1:7422"`

	// Triggers
	DrainInterval time.Duration `envconfig:"DRAIN_INTERVAL" default:"30s"`
	FlushInterval time.Duration `envconfig:"FLUSH_INTERVAL" default:"60s"`
	ProbeInterval time.Duration `envconfig:"PROBE_INTERVAL" default:"15s"`

	// Retry policy
	BackoffBase time.Duration `envconfig:"BACKOFF_BASE" default:"2s"`
	JitterMax   time.Duration `envconfig:"JITTER_MAX" default:"250ms"`
	MaxRetries  int           `envconfig:"MAX_RETRIES" default:"25"`

	// Transport
	HTTPTimeout time.Duration `envconfig:"HTTP_TIMEOUT" default:"30s"`

	// Telemetry
	BatchLimit int `envconfig:"BATCH_LIMIT" default:"500"`
}

// Load reads HAULSYNC_* environment variables, after a best-effort .env load.
func Load() (*Config, error) {
	// Env vars may just as well come from the shell; a missing .env is fine.
	_ = godotenv.Load(".env")

	var cfg Config
	if err := envconfig.Process("HAULSYNC", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("%w: HAULSYNC_BACKEND_URL", ErrMissingRequired)
	}
	u, err := url.Parse(c.BackendURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("HAULSYNC_BACKEND_URL %q must be an http(s) URL", c.BackendURL)
	}
	if c.DBPath == "" {
		return fmt.Errorf("%w: HAULSYNC_DB_PATH", ErrMissingRequired)
	}
	if c.DrainInterval <= 0 {
		return errors.New("HAULSYNC_DRAIN_INTERVAL must be > 0")
	}
	if c.FlushInterval <= 0 {
		return errors.New("HAULSYNC_FLUSH_INTERVAL must be > 0")
	}
	if c.BackoffBase <= 0 {
		return errors.New("HAULSYNC_BACKOFF_BASE must be > 0")
	}
	if c.JitterMax < 0 {
		return errors.New("HAULSYNC_JITTER_MAX must be >= 0")
	}
	if c.BatchLimit < 1 {
		return errors.New("HAULSYNC_BATCH_LIMIT must be >= 1")
	}
	return nil
}
