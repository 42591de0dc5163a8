package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
networks:
  ethereum:
    rpc_url: http://localhost:8545
    ws_url: ws://localhost:8546
    chain_id: 1
    enabled: true
    confirmations: 2
  bsc:
    rpc_url: http://localhost:8575
    chain_id: 56
    enabled: true
  polygon:
    rpc_url: http://localhost:8585
    chain_id: 137
    enabled: false
filter:
  min_value_wei: "1000"
risk:
  blacklist:
    - "0x000000000000000000000000000000000000dEaD"
publisher:
  transport: log
storage:
  type: sqlite
  connection_string: ./data/test.db
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "web3-fk-collector", cfg.App.Name)
	assert.Equal(t, 10, cfg.Processing.Workers)
	assert.Equal(t, 10*time.Minute, cfg.Processing.DedupTTL)
	assert.Equal(t, 5*time.Second, cfg.Connector.PollInterval)
	assert.Equal(t, 10000, cfg.Publisher.QueueSize)
	assert.Equal(t, "risk-alerts", cfg.Publisher.Topics.Alerts)
	assert.Equal(t, 8082, cfg.Server.Port)

	require.Contains(t, cfg.Networks, "ethereum")
	assert.Equal(t, int64(1), cfg.Networks["ethereum"].ChainID)
	assert.Equal(t, uint64(2), cfg.Networks["ethereum"].Confirmations)
	assert.Equal(t, []string{"0x000000000000000000000000000000000000dEaD"}, cfg.Risk.Blacklist)

	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"bsc", "ethereum"}, cfg.EnabledNetworks())
	assert.Equal(t, "1000", cfg.Filter.MinValue().String())
	assert.Equal(t, "1000000000000000000000", cfg.Risk.HighValueThreshold().String())
}

func TestLoadEnvironmentOverride(t *testing.T) {
	t.Setenv("WEB3FK_STORAGE_TYPE", "redis")
	t.Setenv("WEB3FK_PROCESSING_WORKERS", "3")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Storage.Type)
	assert.Equal(t, 3, cfg.Processing.Workers)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"no enabled network", func(c *Config) { c.Networks = nil }},
		{"missing rpc url", func(c *Config) {
			n := c.Networks["ethereum"]
			n.RPCURL = ""
			c.Networks["ethereum"] = n
		}},
		{"bad chain id", func(c *Config) {
			n := c.Networks["bsc"]
			n.ChainID = 0
			c.Networks["bsc"] = n
		}},
		{"negative min value", func(c *Config) { c.Filter.MinValueWei = "-1" }},
		{"malformed threshold", func(c *Config) { c.Risk.HighValueThresholdWei = "lots" }},
		{"hours out of range", func(c *Config) { c.Risk.SuspiciousHoursEnd = 24 }},
		{"zero workers", func(c *Config) { c.Processing.Workers = 0 }},
		{"unknown transport", func(c *Config) { c.Publisher.Transport = "amqp" }},
		{"kafka without brokers", func(c *Config) {
			c.Publisher.Transport = "sarama"
			c.Publisher.Brokers = nil
		}},
		{"missing alerts topic", func(c *Config) { c.Publisher.Topics.Alerts = "" }},
		{"unknown storage", func(c *Config) { c.Storage.Type = "mongo" }},
		{"timeseries without url", func(c *Config) { c.Timeseries.Enabled = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, sampleYAML))
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
