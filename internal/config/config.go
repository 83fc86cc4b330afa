// Package config loads and validates the zed42 configuration file and keeps
// the hot-reloadable pieces (rate table, execution profiles) current while
// the process runs.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the full on-disk configuration.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Database DatabaseConfig  `yaml:"database"`
	Ledger   LedgerConfig    `yaml:"ledger"`
	Circuit  CircuitConfig   `yaml:"circuit"`
	Router   RouterConfig    `yaml:"router"`
	Backends []BackendConfig `yaml:"backends"`
	Rates    []RateConfig    `yaml:"rates"`
	Profiles []ProfileConfig `yaml:"profiles"`
	Budgets  []BudgetConfig  `yaml:"budgets"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// BackendConfig maps a backend id to its dispatch endpoint.
type BackendConfig struct {
	BackendID string `yaml:"backend_id"`
	URL       string `yaml:"url"`
	APIKey    string `yaml:"api_key"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LedgerConfig struct {
	LeaseTTL       time.Duration `yaml:"lease_ttl"`
	ExpiryInterval time.Duration `yaml:"expiry_interval"`
}

type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Window           time.Duration `yaml:"window"`
	Cooldown         time.Duration `yaml:"cooldown"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
}

type RouterConfig struct {
	DispatchTimeout         time.Duration `yaml:"dispatch_timeout"`
	MaxRetries              int           `yaml:"max_retries"`
	RetryBaseDelay          time.Duration `yaml:"retry_base_delay"`
	BackpressureMinBackends int           `yaml:"backpressure_min_backends"`
	BackpressureRatio       float64       `yaml:"backpressure_ratio"`
	DefaultMaxOutputTokens  int64         `yaml:"default_max_output_tokens"`
}

// RateConfig carries per-1K-token costs as strings so they round-trip as
// exact decimals.
type RateConfig struct {
	BackendID       string `yaml:"backend_id"`
	InputCostPer1K  string `yaml:"input_cost_per_1k"`
	OutputCostPer1K string `yaml:"output_cost_per_1k"`
}

type ProfileConfig struct {
	CallerID string       `yaml:"caller_id"`
	Tiers    []TierConfig `yaml:"tiers"`
}

type TierConfig struct {
	BackendID  string `yaml:"backend_id"`
	Priority   int    `yaml:"priority"`
	Escalation bool   `yaml:"escalation"`
}

// BudgetConfig seeds an entity budget at startup. Limits are decimal strings.
type BudgetConfig struct {
	EntityID  string `yaml:"entity_id"`
	HardLimit string `yaml:"hard_limit"`
	SoftLimit string `yaml:"soft_limit"`
}

// Default returns a runnable baseline configuration.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Listen: "127.0.0.1:7242"},
		Database: DatabaseConfig{Path: "zed42.db"},
		Ledger: LedgerConfig{
			LeaseTTL:       5 * time.Minute,
			ExpiryInterval: 30 * time.Second,
		},
		Circuit: CircuitConfig{
			FailureThreshold: 3,
			Window:           30 * time.Second,
			Cooldown:         5 * time.Minute,
			ProbeTimeout:     60 * time.Second,
		},
		Router: RouterConfig{
			DispatchTimeout:         30 * time.Second,
			MaxRetries:              2,
			RetryBaseDelay:          100 * time.Millisecond,
			BackpressureMinBackends: 3,
			BackpressureRatio:       0.8,
			DefaultMaxOutputTokens:  1024,
		},
	}
}

// Load reads the config file at path, expanding ${VAR} references from the
// environment. Missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would misbehave at runtime.
func (c *Config) Validate() error {
	if c.Ledger.LeaseTTL <= 0 {
		return fmt.Errorf("ledger.lease_ttl must be positive, got %s", c.Ledger.LeaseTTL)
	}
	if c.Circuit.FailureThreshold <= 0 {
		return fmt.Errorf("circuit.failure_threshold must be positive, got %d", c.Circuit.FailureThreshold)
	}
	if c.Router.BackpressureRatio <= 0 || c.Router.BackpressureRatio > 1 {
		return fmt.Errorf("router.backpressure_ratio must be in (0,1], got %g", c.Router.BackpressureRatio)
	}

	for _, b := range c.Backends {
		if b.BackendID == "" || b.URL == "" {
			return fmt.Errorf("backends: backend_id and url are required")
		}
	}

	seen := make(map[string]bool, len(c.Rates))
	for _, r := range c.Rates {
		if r.BackendID == "" {
			return fmt.Errorf("rates: backend_id is required")
		}
		if seen[r.BackendID] {
			return fmt.Errorf("rates: duplicate backend %q", r.BackendID)
		}
		seen[r.BackendID] = true
		if _, err := decimal.NewFromString(r.InputCostPer1K); err != nil {
			return fmt.Errorf("rates: backend %q input cost: %w", r.BackendID, err)
		}
		if _, err := decimal.NewFromString(r.OutputCostPer1K); err != nil {
			return fmt.Errorf("rates: backend %q output cost: %w", r.BackendID, err)
		}
	}

	for _, p := range c.Profiles {
		if len(p.Tiers) == 0 {
			return fmt.Errorf("profiles: caller %q has no tiers", p.CallerID)
		}
		for _, t := range p.Tiers {
			if t.BackendID == "" {
				return fmt.Errorf("profiles: caller %q has a tier without a backend", p.CallerID)
			}
		}
	}

	for _, b := range c.Budgets {
		if b.EntityID == "" {
			return fmt.Errorf("budgets: entity_id is required")
		}
		hard, err := decimal.NewFromString(b.HardLimit)
		if err != nil {
			return fmt.Errorf("budgets: entity %q hard limit: %w", b.EntityID, err)
		}
		if b.SoftLimit != "" {
			soft, err := decimal.NewFromString(b.SoftLimit)
			if err != nil {
				return fmt.Errorf("budgets: entity %q soft limit: %w", b.EntityID, err)
			}
			if soft.GreaterThan(hard) {
				return fmt.Errorf("budgets: entity %q soft limit %s exceeds hard limit %s", b.EntityID, soft, hard)
			}
		}
	}

	return nil
}
