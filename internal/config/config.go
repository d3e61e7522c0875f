// Package config loads the daemon configuration from a YAML file.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds everything the serve command needs to wire the daemon.
type Config struct {
	// Database is the path to the SQLite database file.
	Database string `yaml:"database"`

	// Relays lists the nostr relay URLs to subscribe to and publish on.
	Relays []string `yaml:"relays"`

	// Listen is the HTTP listen address for LNURL-pay and NIP-05 endpoints.
	Listen string `yaml:"listen"`

	// Domain is the public domain serving the LNURL endpoints.
	Domain string `yaml:"domain"`

	// Name is the LNURL-pay / NIP-05 identifier local part.
	Name string `yaml:"name"`

	// SecretKey is the hex nostr secret key used to sign published events.
	SecretKey string `yaml:"secret_key"`

	// OracleKey is the hex secp256k1 private key used to sign attestations.
	OracleKey string `yaml:"oracle_key"`

	// Workers is the number of concurrent sandbox executions.
	Workers int `yaml:"workers,omitempty"`

	// PriceMsatPerMs is the price in millisatoshis per millisecond of
	// requested execution time.
	PriceMsatPerMs int64 `yaml:"price_msat_per_ms,omitempty"`

	// MaxBudgetMs caps the execution time a single request may buy.
	MaxBudgetMs int64 `yaml:"max_budget_ms,omitempty"`
}

// Defaults applied by Load when the file leaves a field unset.
const (
	DefaultListen         = ":8080"
	DefaultWorkers        = 4
	DefaultPriceMsatPerMs = 1000
	DefaultMaxBudgetMs    = 600_000
)

// Load reads and parses a config YAML file. Returns an error if the
// file doesn't exist, is malformed, contains unknown fields (typos),
// or is missing required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.PriceMsatPerMs == 0 {
		c.PriceMsatPerMs = DefaultPriceMsatPerMs
	}
	if c.MaxBudgetMs == 0 {
		c.MaxBudgetMs = DefaultMaxBudgetMs
	}
}

func (c *Config) validate() error {
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	if len(c.Relays) == 0 {
		return fmt.Errorf("at least one relay is required")
	}
	if c.SecretKey == "" {
		return fmt.Errorf("secret_key is required")
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.PriceMsatPerMs < 0 {
		return fmt.Errorf("price_msat_per_ms must be positive, got %d", c.PriceMsatPerMs)
	}
	if c.MaxBudgetMs < 0 {
		return fmt.Errorf("max_budget_ms must be positive, got %d", c.MaxBudgetMs)
	}
	return nil
}
