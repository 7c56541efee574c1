// Package config loads server configuration from a YAML file, then applies
// ACCESSGATE_* environment overrides.
package config

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/org/accessgate/internal/health"
	"github.com/org/accessgate/internal/notify"
	"github.com/org/accessgate/internal/provider"
	"github.com/org/accessgate/internal/queue"
	"github.com/org/accessgate/pkg/models"
)

// EnvPrefix prefixes every environment override, e.g. ACCESSGATE_SERVER_ADDR.
const EnvPrefix = "ACCESSGATE"

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Server      ServerConfig      `yaml:"server" envconfig:"SERVER"`
	Database    DatabaseConfig    `yaml:"database" envconfig:"DATABASE"`
	Credentials CredentialsConfig `yaml:"credentials" envconfig:"CREDENTIALS"`
	Provider    provider.Config   `yaml:"provider" envconfig:"PROVIDER"`
	Queue       QueueConfig       `yaml:"queue" envconfig:"QUEUE"`
	Health      health.Config     `yaml:"health" envconfig:"HEALTH"`
	Bulk        BulkConfig        `yaml:"bulk" envconfig:"BULK"`
	Notify      notify.Config     `yaml:"notify" envconfig:"NOTIFY"`
	Log         LogConfig         `yaml:"log" envconfig:"LOG"`

	APIKeys  []APIKeyConfig  `yaml:"api_keys" ignored:"true"`
	Policies []models.Policy `yaml:"policies" ignored:"true"`

	// Source is the file the configuration was read from, empty if none.
	Source string `yaml:"-" ignored:"true"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" envconfig:"ADDR"`
	TLSCertFile     string        `yaml:"tls_cert" envconfig:"TLS_CERT"`
	TLSKeyFile      string        `yaml:"tls_key" envconfig:"TLS_KEY"`
	RateLimit       float64       `yaml:"rate_limit" envconfig:"RATE_LIMIT"` // requests per second per client IP
	RateBurst       int           `yaml:"rate_burst" envconfig:"RATE_BURST"`
	CORSOrigins     []string      `yaml:"cors_origins" envconfig:"CORS_ORIGINS"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver" envconfig:"DRIVER"`
	URL    string `yaml:"url" envconfig:"URL"`
}

type CredentialsConfig struct {
	MasterKey string `yaml:"master_key" envconfig:"MASTER_KEY"` // base64, 32 bytes
	Retention int    `yaml:"retention" envconfig:"RETENTION"`
}

type QueueConfig struct {
	Workers      int             `yaml:"workers" envconfig:"WORKERS"`
	MaxAttempts  int             `yaml:"max_attempts" envconfig:"MAX_ATTEMPTS"`
	JobTimeout   time.Duration   `yaml:"job_timeout" envconfig:"JOB_TIMEOUT"`
	Lease        time.Duration   `yaml:"lease" envconfig:"LEASE"`
	PollInterval time.Duration   `yaml:"poll_interval" envconfig:"POLL_INTERVAL"`
	ReapInterval time.Duration   `yaml:"reap_interval" envconfig:"REAP_INTERVAL"`
	Backoff      []time.Duration `yaml:"backoff" envconfig:"BACKOFF"`
}

type BulkConfig struct {
	Delay time.Duration `yaml:"delay" envconfig:"DELAY"`
}

type LogConfig struct {
	Level        string        `yaml:"level" envconfig:"LEVEL"`
	Format       string        `yaml:"format" envconfig:"FORMAT"` // console or json
	File         string        `yaml:"file" envconfig:"FILE"`     // rotated daily when set
	MaxAge       time.Duration `yaml:"max_age" envconfig:"MAX_AGE"`
	RotationTime time.Duration `yaml:"rotation_time" envconfig:"ROTATION_TIME"`
}

// APIKeyConfig binds an admin API key to policies. Only the SHA-256 of the
// key is configured.
type APIKeyConfig struct {
	Name      string   `yaml:"name"`
	KeySHA256 string   `yaml:"key_sha256"`
	Policies  []string `yaml:"policies"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8300",
			RateLimit:       20,
			RateBurst:       40,
			ShutdownTimeout: 30 * time.Second,
		},
		Database:    DatabaseConfig{Driver: DriverPostgres},
		Credentials: CredentialsConfig{Retention: 10},
		Provider: provider.Config{
			Type:            provider.TypeHTTP,
			ValidateTimeout: provider.DefaultValidateTimeout,
			GrantTimeout:    provider.DefaultGrantTimeout,
		},
		Queue: QueueConfig{
			Workers:      5,
			MaxAttempts:  queue.DefaultMaxAttempts,
			JobTimeout:   2 * time.Minute,
			PollInterval: 2 * time.Second,
			ReapInterval: 30 * time.Second,
			Backoff:      append([]time.Duration(nil), queue.DefaultBackoff.Steps...),
		},
		Health: health.Config{
			Interval:          health.DefaultInterval,
			FailureThreshold:  health.DefaultFailureThreshold,
			ReferenceUsername: health.DefaultReferenceUsername,
			AgeWarnings:       append([]time.Duration(nil), health.DefaultAgeWarnings...),
		},
		Bulk:   BulkConfig{Delay: time.Second},
		Notify: notify.Config{Timeout: 10 * time.Second},
		Log: LogConfig{
			Level:        "info",
			Format:       "console",
			MaxAge:       7 * 24 * time.Hour,
			RotationTime: 24 * time.Hour,
		},
	}
}

// Load reads path over the defaults, then environment overrides. A missing
// file is not an error; Source stays empty.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
			cfg.Source = path
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("loading environment overrides: %w", err)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" && cfg.Database.URL == "" {
		cfg.Database.URL = v
	}
	return cfg, nil
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.URL == "" {
			return errors.New("database.url must be configured (or DATABASE_URL env var)")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("database.driver %q must be %q or %q", c.Database.Driver, DriverPostgres, DriverMemory)
	}

	if c.Credentials.MasterKey != "" {
		key, err := base64.StdEncoding.DecodeString(c.Credentials.MasterKey)
		if err != nil || len(key) != 32 {
			return errors.New("credentials.master_key must be 32 bytes, base64 encoded")
		}
	}
	if c.Credentials.Retention < 1 {
		return errors.New("credentials.retention must be at least 1")
	}

	switch c.Provider.Type {
	case provider.TypeHTTP, provider.TypeManual:
	default:
		return fmt.Errorf("provider.type %q must be %q or %q", c.Provider.Type, provider.TypeHTTP, provider.TypeManual)
	}

	if c.Queue.Workers < 1 {
		return errors.New("queue.workers must be at least 1")
	}
	if c.Queue.MaxAttempts < 1 {
		return errors.New("queue.max_attempts must be at least 1")
	}
	if c.Queue.Lease != 0 && c.Queue.Lease <= c.Queue.JobTimeout {
		return fmt.Errorf("queue.lease %s must exceed queue.job_timeout %s", c.Queue.Lease, c.Queue.JobTimeout)
	}
	if _, err := queue.NewBackoff(c.Queue.Backoff); err != nil {
		return fmt.Errorf("queue.backoff: %w", err)
	}

	if c.Health.FailureThreshold < 1 {
		return errors.New("health.failure_threshold must be at least 1")
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("log.format %q must be console or json", c.Log.Format)
	}

	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		return errors.New("server.tls_cert and server.tls_key must be set together")
	}
	return c.validateAPIKeys()
}

func (c *Config) validateAPIKeys() error {
	known := make(map[string]bool, len(c.Policies))
	for _, p := range c.Policies {
		if p.Name == "" {
			return errors.New("policies: every policy needs a name")
		}
		known[p.Name] = true
	}
	for i, k := range c.APIKeys {
		if k.Name == "" {
			return fmt.Errorf("api_keys[%d]: name is required", i)
		}
		if b, err := hex.DecodeString(k.KeySHA256); err != nil || len(b) != 32 {
			return fmt.Errorf("api_keys[%d]: key_sha256 must be a hex SHA-256 digest", i)
		}
		for _, p := range k.Policies {
			if !known[p] && p != "root" {
				return fmt.Errorf("api_keys[%d]: unknown policy %q", i, p)
			}
		}
	}
	return nil
}

// Keys returns the configured admin API keys.
func (c *Config) Keys() []models.APIKey {
	keys := make([]models.APIKey, 0, len(c.APIKeys))
	for _, k := range c.APIKeys {
		keys = append(keys, models.APIKey{
			Name:     k.Name,
			KeyHash:  strings.ToLower(k.KeySHA256),
			Policies: k.Policies,
		})
	}
	return keys
}
