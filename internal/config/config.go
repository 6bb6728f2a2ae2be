// Package config loads daemon and engine configuration from the
// environment, with an optional YAML overlay for the retry tunables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/edunexus/offsync/internal/errors"
)

// Config holds all offsync configuration.
type Config struct {
	// APIBaseURL is the remote server the queue replays against.
	APIBaseURL string `yaml:"api_base_url"`

	// DataDir holds the local SQLite database.
	DataDir string `yaml:"data_dir"`

	// ServerPort is the local companion daemon port.
	ServerPort string `yaml:"server_port"`

	// ProbeInterval is how often connectivity is re-confirmed.
	ProbeInterval time.Duration `yaml:"probe_interval"`

	// RequestTimeout bounds a single remote call.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// MaxAttempts caps automatic retries per queue item.
	MaxAttempts int `yaml:"max_attempts"`

	// BackoffMin/BackoffMax bound the exponential retry schedule.
	BackoffMin time.Duration `yaml:"backoff_min"`
	BackoffMax time.Duration `yaml:"backoff_max"`

	// EntityConcurrency bounds how many entities drain in parallel.
	EntityConcurrency int64 `yaml:"entity_concurrency"`

	// LogLevel is one of DEBUG, INFO, WARN, ERROR.
	LogLevel string `yaml:"log_level"`
}

// defaults mirror the engine and queue package defaults.
func defaults() *Config {
	return &Config{
		DataDir:           "./data",
		ServerPort:        "8790",
		ProbeInterval:     15 * time.Second,
		RequestTimeout:    10 * time.Second,
		MaxAttempts:       5,
		BackoffMin:        1 * time.Second,
		BackoffMax:        8 * time.Second,
		EntityConcurrency: 4,
		LogLevel:          "INFO",
	}
}

// LoadConfig builds the configuration: defaults, then the YAML overlay file
// named by OFFSYNC_CONFIG (if any), then environment variable overrides.
func LoadConfig() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("OFFSYNC_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(errors.ErrConfigInvalid, "failed to read config file", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(errors.ErrConfigInvalid, "failed to parse config file", err)
		}
	}

	cfg.APIBaseURL = getEnv("OFFSYNC_API_URL", cfg.APIBaseURL)
	cfg.DataDir = getEnv("OFFSYNC_DATA_DIR", cfg.DataDir)
	cfg.ServerPort = getEnv("OFFSYNC_PORT", cfg.ServerPort)
	cfg.LogLevel = getEnv("OFFSYNC_LOG_LEVEL", cfg.LogLevel)

	var err error
	if cfg.ProbeInterval, err = getDuration("OFFSYNC_PROBE_INTERVAL", cfg.ProbeInterval); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout, err = getDuration("OFFSYNC_REQUEST_TIMEOUT", cfg.RequestTimeout); err != nil {
		return nil, err
	}
	if cfg.BackoffMin, err = getDuration("OFFSYNC_BACKOFF_MIN", cfg.BackoffMin); err != nil {
		return nil, err
	}
	if cfg.BackoffMax, err = getDuration("OFFSYNC_BACKOFF_MAX", cfg.BackoffMax); err != nil {
		return nil, err
	}
	if cfg.MaxAttempts, err = getInt("OFFSYNC_MAX_ATTEMPTS", cfg.MaxAttempts); err != nil {
		return nil, err
	}
	concurrency, err := getInt("OFFSYNC_ENTITY_CONCURRENCY", int(cfg.EntityConcurrency))
	if err != nil {
		return nil, err
	}
	cfg.EntityConcurrency = int64(concurrency)

	// Validate required fields
	if cfg.APIBaseURL == "" {
		return nil, errors.New(errors.ErrConfigInvalid, "OFFSYNC_API_URL is required")
	}
	if cfg.MaxAttempts < 1 {
		return nil, errors.New(errors.ErrConfigInvalid, "OFFSYNC_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		return nil, errors.New(errors.ErrConfigInvalid, "OFFSYNC_BACKOFF_MAX must be >= OFFSYNC_BACKOFF_MIN")
	}
	if cfg.EntityConcurrency < 1 {
		return nil, errors.New(errors.ErrConfigInvalid, "OFFSYNC_ENTITY_CONCURRENCY must be at least 1")
	}

	return cfg, nil
}

// Helper: get env with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.New(errors.ErrConfigInvalid, fmt.Sprintf("invalid %s format", key))
	}
	return d, nil
}

func getInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.New(errors.ErrConfigInvalid, fmt.Sprintf("invalid %s format", key))
	}
	return n, nil
}
