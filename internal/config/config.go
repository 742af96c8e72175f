package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Storage backends selectable at startup.
const (
	BackendLocal = "local"
	BackendGCS   = "gcs"
)

// Config holds every setting read from the environment.
type Config struct {
	// T212APIKey authenticates all broker export API calls.
	T212APIKey  string `envconfig:"T212_API_KEY"`
	T212BaseURL string `envconfig:"T212_BASE_URL" default:"https://live.trading212.com/api/v0"`

	StorageBackend    string `envconfig:"STORAGE_BACKEND" default:"local"`
	LocalRoot         string `envconfig:"LOCAL_ROOT" default:"."`
	GCSBucket         string `envconfig:"GCS_BUCKET"`
	RawPrefix         string `envconfig:"RAW_PREFIX" default:"from_t212"`
	TransformedPrefix string `envconfig:"TRANSFORMED_PREFIX" default:"to_digrin"`

	// TickersFile points at a YAML file with the blacklist and remap
	// tables. Empty means the built-in tables.
	TickersFile string `envconfig:"TICKERS_FILE"`

	// BigQuery ledger of stored files; disabled when BQProject is empty.
	BQProject string `envconfig:"BQ_PROJECT"`
	BQDataset string `envconfig:"BQ_DATASET" default:"t212"`
	BQTable   string `envconfig:"BQ_TABLE" default:"stored_files"`

	LogLevel    string        `envconfig:"LOG_LEVEL" default:"info"`
	HTTPTimeout time.Duration `envconfig:"HTTP_TIMEOUT" default:"30s"`
	Port        string        `envconfig:"PORT" default:"8080"`
}

// ErrMissingAPIKey is returned by RequireBrokerKey when T212_API_KEY is unset.
var ErrMissingAPIKey = errors.New("T212_API_KEY is required")

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks settings that every command depends on.
func (c *Config) Validate() error {
	c.StorageBackend = strings.ToLower(strings.TrimSpace(c.StorageBackend))

	switch c.StorageBackend {
	case BackendLocal:
		if c.LocalRoot == "" {
			return fmt.Errorf("LOCAL_ROOT is required for the %q backend", BackendLocal)
		}
	case BackendGCS:
		if c.GCSBucket == "" {
			return fmt.Errorf("GCS_BUCKET is required for the %q backend", BackendGCS)
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q (want %q or %q)", c.StorageBackend, BackendLocal, BackendGCS)
	}

	if c.RawPrefix == "" || c.TransformedPrefix == "" {
		return fmt.Errorf("RAW_PREFIX and TRANSFORMED_PREFIX must not be empty")
	}
	if c.RawPrefix == c.TransformedPrefix {
		return fmt.Errorf("RAW_PREFIX and TRANSFORMED_PREFIX must differ, both are %q", c.RawPrefix)
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be positive, got %s", c.HTTPTimeout)
	}
	return nil
}

// RequireBrokerKey fails when broker-facing actions cannot authenticate.
func (c *Config) RequireBrokerKey() error {
	if strings.TrimSpace(c.T212APIKey) == "" {
		return ErrMissingAPIKey
	}
	return nil
}

// LedgerEnabled reports whether stored files are recorded in BigQuery.
func (c *Config) LedgerEnabled() bool {
	return c.BQProject != ""
}
