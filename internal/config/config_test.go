package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server:
  listen: "0.0.0.0:8080"
database:
  path: "/tmp/test.db"
ledger:
  lease_ttl: 2m
circuit:
  failure_threshold: 5
  cooldown: 10m
router:
  max_retries: 1
  backpressure_ratio: 0.9
backends:
  - backend_id: local-small
    url: "http://localhost:9001/v1/generate"
  - backend_id: hosted-large
    url: "https://api.example.com/v1/generate"
    api_key: "${ZED42_TEST_KEY}"
rates:
  - backend_id: local-small
    input_cost_per_1k: "0.0000"
    output_cost_per_1k: "0.0000"
  - backend_id: hosted-large
    input_cost_per_1k: "0.03"
    output_cost_per_1k: "0.06"
profiles:
  - caller_id: default
    tiers:
      - backend_id: local-small
        priority: 1
      - backend_id: hosted-large
        priority: 2
        escalation: true
budgets:
  - entity_id: team-research
    hard_limit: "250.00"
    soft_limit: "200.00"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "zed42.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesFileOverDefaults(t *testing.T) {
	t.Setenv("ZED42_TEST_KEY", "sk-test-123")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Listen)
	assert.Equal(t, 2*time.Minute, cfg.Ledger.LeaseTTL)
	assert.Equal(t, 5, cfg.Circuit.FailureThreshold)
	assert.Equal(t, 10*time.Minute, cfg.Circuit.Cooldown)
	assert.Equal(t, 0.9, cfg.Router.BackpressureRatio)

	// Defaults survive for unset sections.
	assert.Equal(t, 30*time.Second, cfg.Circuit.Window)
	assert.Equal(t, 30*time.Second, cfg.Router.DispatchTimeout)

	// Environment expansion reached the nested field.
	require.Len(t, cfg.Backends, 2)
	assert.Equal(t, "sk-test-123", cfg.Backends[1].APIKey)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "zed42.db", cfg.Database.Path)
	assert.Equal(t, 5*time.Minute, cfg.Ledger.LeaseTTL)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero lease ttl", func(c *Config) { c.Ledger.LeaseTTL = 0 }},
		{"ratio above one", func(c *Config) { c.Router.BackpressureRatio = 1.5 }},
		{"duplicate rate", func(c *Config) {
			c.Rates = []RateConfig{
				{BackendID: "x", InputCostPer1K: "0.01", OutputCostPer1K: "0.01"},
				{BackendID: "x", InputCostPer1K: "0.02", OutputCostPer1K: "0.02"},
			}
		}},
		{"garbage rate cost", func(c *Config) {
			c.Rates = []RateConfig{{BackendID: "x", InputCostPer1K: "cheap", OutputCostPer1K: "0.01"}}
		}},
		{"profile without tiers", func(c *Config) {
			c.Profiles = []ProfileConfig{{CallerID: "p"}}
		}},
		{"soft above hard", func(c *Config) {
			c.Budgets = []BudgetConfig{{EntityID: "e", HardLimit: "10.00", SoftLimit: "20.00"}}
		}},
		{"backend without url", func(c *Config) {
			c.Backends = []BackendConfig{{BackendID: "x"}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestRateEntriesAndProfileConversion(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	entries, err := cfg.RateEntries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "hosted-large", entries[1].BackendID)
	assert.Equal(t, "0.03", entries[1].InputCostPer1K.String())

	profiles := cfg.ProfileList()
	require.Len(t, profiles, 1)
	assert.Equal(t, "default", profiles[0].CallerID)
	require.Len(t, profiles[0].Tiers, 2)
	assert.True(t, profiles[0].Tiers[1].Escalation)
}
