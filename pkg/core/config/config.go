// Package config loads pipeline configuration as an environment-variable
// overlay on defaults, with an optional YAML file in between.
// Precedence: environment > file > defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Backend selects the repository implementation. The choice is made once
// at startup and never changes for the life of the process.
type Backend string

const (
	BackendEmbedded Backend = "embedded"
	BackendServer   Backend = "server"
)

// Defaults for the State Department source.
const (
	DefaultBaseURL   = "https://travel.state.gov/content/travel/en/legal/visa-law0/visa-bulletin"
	DefaultUserAgent = "visa-bulletin-pipeline/1.0 (contact@example.com)"
)

// Config carries every tunable of the pipeline.
type Config struct {
	StorageBackend Backend `yaml:"storage_backend"`
	StorageDSN     string  `yaml:"storage_dsn"`

	HTTPMaxWorkers     int    `yaml:"http_max_workers"`
	HTTPTimeoutSeconds int    `yaml:"http_timeout_seconds"`
	HTTPRetries        int    `yaml:"http_retries"`
	UserAgent          string `yaml:"user_agent"`
	SourceBaseURL      string `yaml:"source_base_url"`

	DateParseMinRate float64 `yaml:"date_parse_min_rate"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		StorageBackend:     BackendEmbedded,
		StorageDSN:         "visa_bulletin.db",
		HTTPMaxWorkers:     4,
		HTTPTimeoutSeconds: 30,
		HTTPRetries:        3,
		UserAgent:          DefaultUserAgent,
		SourceBaseURL:      DefaultBaseURL,
		DateParseMinRate:   0.5,
	}
}

// HTTPTimeout returns the per-request timeout as a duration.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

// Load builds the effective configuration. filePath may be empty.
func Load(filePath string) (Config, error) {
	cfg := Default()

	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file %s: %w", filePath, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", filePath, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		cfg.StorageBackend = Backend(v)
	}
	if v := os.Getenv("STORAGE_DSN"); v != "" {
		cfg.StorageDSN = v
	}
	if v := os.Getenv("USER_AGENT"); v != "" {
		cfg.UserAgent = v
	}
	if v := os.Getenv("SOURCE_BASE_URL"); v != "" {
		cfg.SourceBaseURL = v
	}

	intVars := []struct {
		name string
		dst  *int
	}{
		{"HTTP_MAX_WORKERS", &cfg.HTTPMaxWorkers},
		{"HTTP_TIMEOUT_SECONDS", &cfg.HTTPTimeoutSeconds},
		{"HTTP_RETRIES", &cfg.HTTPRetries},
	}
	for _, iv := range intVars {
		if v := os.Getenv(iv.name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s=%q: %w", iv.name, v, err)
			}
			*iv.dst = n
		}
	}

	if v := os.Getenv("DATE_PARSE_MIN_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid DATE_PARSE_MIN_RATE=%q: %w", v, err)
		}
		cfg.DateParseMinRate = f
	}
	return nil
}

// Validate rejects configurations the pipeline cannot start with.
func (c Config) Validate() error {
	switch c.StorageBackend {
	case BackendEmbedded, BackendServer:
	default:
		return fmt.Errorf("invalid STORAGE_BACKEND %q (want embedded or server)", c.StorageBackend)
	}
	if c.StorageDSN == "" {
		return fmt.Errorf("STORAGE_DSN must not be empty")
	}
	if c.HTTPMaxWorkers < 1 {
		return fmt.Errorf("HTTP_MAX_WORKERS must be >= 1, got %d", c.HTTPMaxWorkers)
	}
	if c.HTTPTimeoutSeconds < 1 {
		return fmt.Errorf("HTTP_TIMEOUT_SECONDS must be >= 1, got %d", c.HTTPTimeoutSeconds)
	}
	if c.HTTPRetries < 0 {
		return fmt.Errorf("HTTP_RETRIES must be >= 0, got %d", c.HTTPRetries)
	}
	if c.DateParseMinRate < 0 || c.DateParseMinRate > 1 {
		return fmt.Errorf("DATE_PARSE_MIN_RATE must be in [0,1], got %g", c.DateParseMinRate)
	}
	return nil
}
