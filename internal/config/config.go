// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/jfld/web3-fk/pkg/utils"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. WEB3FK_STORAGE_TYPE
const EnvPrefix = "WEB3FK"

// Config holds all configuration for the application
type Config struct {
	App        AppConfig                `mapstructure:"app"`
	Networks   map[string]NetworkConfig `mapstructure:"networks"`
	Filter     FilterConfig             `mapstructure:"filter"`
	Risk       RiskConfig               `mapstructure:"risk"`
	Processing ProcessingConfig         `mapstructure:"processing"`
	Connector  ConnectorConfig          `mapstructure:"connector"`
	Publisher  PublisherConfig          `mapstructure:"publisher"`
	Storage    StorageConfig            `mapstructure:"storage"`
	Timeseries TimeseriesConfig         `mapstructure:"timeseries"`
	Server     ServerConfig             `mapstructure:"server"`
	Logging    LoggingConfig            `mapstructure:"logging"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// NetworkConfig describes one chain to ingest
type NetworkConfig struct {
	RPCURL        string `mapstructure:"rpc_url"`
	WSURL         string `mapstructure:"ws_url"`
	ChainID       int64  `mapstructure:"chain_id"`
	Enabled       bool   `mapstructure:"enabled"`
	StartBlock    uint64 `mapstructure:"start_block"`
	Confirmations uint64 `mapstructure:"confirmations"`
	PushEnabled   bool   `mapstructure:"push_enabled"`
}

// FilterConfig contains transaction filter rules
type FilterConfig struct {
	MinValueWei      string   `mapstructure:"min_value_wei"`
	ExcludeContracts []string `mapstructure:"exclude_contracts"`
	IncludeAddresses []string `mapstructure:"include_addresses"`
}

// RiskConfig contains risk heuristic thresholds and address lists
type RiskConfig struct {
	HighValueThresholdWei string   `mapstructure:"high_value_threshold_wei"`
	AbnormalGasFeeWei     string   `mapstructure:"abnormal_gas_fee_wei"`
	SuspiciousHoursStart  int      `mapstructure:"suspicious_hours_start"`
	SuspiciousHoursEnd    int      `mapstructure:"suspicious_hours_end"`
	Blacklist             []string `mapstructure:"blacklist"`
	SuspiciousContracts   []string `mapstructure:"suspicious_contracts"`
}

// ProcessingConfig contains pipeline sizing
type ProcessingConfig struct {
	BatchSize          int           `mapstructure:"batch_size"`
	Workers            int           `mapstructure:"workers"`
	DedupTTL           time.Duration `mapstructure:"dedup_ttl"`
	ProcessTimeout     time.Duration `mapstructure:"process_timeout"`
	ReceiptConcurrency int           `mapstructure:"receipt_concurrency"`
	EmitRate           float64       `mapstructure:"emit_rate"`
}

// ConnectorConfig contains connection lifecycle settings shared by all networks
type ConnectorConfig struct {
	HealthCheckInterval    time.Duration `mapstructure:"health_check_interval"`
	PollInterval           time.Duration `mapstructure:"poll_interval"`
	PollJitter             time.Duration `mapstructure:"poll_jitter"`
	ReconnectBackoff       time.Duration `mapstructure:"reconnect_backoff"`
	MaxReconnectBackoff    time.Duration `mapstructure:"max_reconnect_backoff"`
	RequestTimeout         time.Duration `mapstructure:"request_timeout"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
}

// TopicsConfig names the outbound topics
type TopicsConfig struct {
	Transactions string `mapstructure:"transactions"`
	Blocks       string `mapstructure:"blocks"`
	Alerts       string `mapstructure:"alerts"`
	Events       string `mapstructure:"events"`
}

// PublisherConfig contains outbound channel settings
type PublisherConfig struct {
	Transport        string        `mapstructure:"transport"` // sarama, kafka-go, log
	Brokers          []string      `mapstructure:"brokers"`
	ClientID         string        `mapstructure:"client_id"`
	Topics           TopicsConfig  `mapstructure:"topics"`
	QueueSize        int           `mapstructure:"queue_size"`
	BatchSize        int           `mapstructure:"batch_size"`
	BatchTimeout     time.Duration `mapstructure:"batch_timeout"`
	EnqueueTimeout   time.Duration `mapstructure:"enqueue_timeout"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	MaxRetries       int           `mapstructure:"max_retries"`
	CloseGracePeriod time.Duration `mapstructure:"close_grace_period"`
}

// StorageConfig contains the shared key-value store configuration
type StorageConfig struct {
	Type             string        `mapstructure:"type"` // redis, sqlite, postgres
	Address          string        `mapstructure:"address"`
	Password         string        `mapstructure:"password"`
	DB               int           `mapstructure:"db"`
	ConnectionString string        `mapstructure:"connection_string"`
	MaxConnections   int           `mapstructure:"max_connections"`
	MaxIdleTime      time.Duration `mapstructure:"max_idle_time"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval"`
}

// TimeseriesConfig contains the InfluxDB sink settings
type TimeseriesConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Token   string `mapstructure:"token"`
	Org     string `mapstructure:"org"`
	Bucket  string `mapstructure:"bucket"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port          int           `mapstructure:"port"`
	Host          string        `mapstructure:"host"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	EnableMetrics bool          `mapstructure:"enable_metrics"`
	EnableHealth  bool          `mapstructure:"enable_health"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
	Output string `mapstructure:"output"` // stdout, stderr, file
	File   string `mapstructure:"file"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configPath != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "web3-fk-collector")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")

	v.SetDefault("filter.min_value_wei", "0")

	v.SetDefault("risk.high_value_threshold_wei", "1000000000000000000000") // 1000 ETH
	v.SetDefault("risk.abnormal_gas_fee_wei", "100000000000000000000")     // 100 ETH
	v.SetDefault("risk.suspicious_hours_start", 2)
	v.SetDefault("risk.suspicious_hours_end", 6)

	v.SetDefault("processing.batch_size", 50)
	v.SetDefault("processing.workers", 10)
	v.SetDefault("processing.dedup_ttl", "10m")
	v.SetDefault("processing.process_timeout", "60s")
	v.SetDefault("processing.receipt_concurrency", 8)
	v.SetDefault("processing.emit_rate", 20.0)

	v.SetDefault("connector.health_check_interval", "30s")
	v.SetDefault("connector.poll_interval", "5s")
	v.SetDefault("connector.poll_jitter", "500ms")
	v.SetDefault("connector.reconnect_backoff", "5s")
	v.SetDefault("connector.max_reconnect_backoff", "2m")
	v.SetDefault("connector.request_timeout", "15s")
	v.SetDefault("connector.max_consecutive_failures", 5)

	v.SetDefault("publisher.transport", "sarama")
	v.SetDefault("publisher.brokers", []string{"localhost:9092"})
	v.SetDefault("publisher.client_id", "web3-fk-collector")
	v.SetDefault("publisher.topics.transactions", "blockchain-transactions")
	v.SetDefault("publisher.topics.blocks", "blockchain-blocks")
	v.SetDefault("publisher.topics.alerts", "risk-alerts")
	v.SetDefault("publisher.topics.events", "")
	v.SetDefault("publisher.queue_size", 10000)
	v.SetDefault("publisher.batch_size", 100)
	v.SetDefault("publisher.batch_timeout", "1s")
	v.SetDefault("publisher.enqueue_timeout", "5s")
	v.SetDefault("publisher.retry_backoff", "500ms")
	v.SetDefault("publisher.max_retries", 0)
	v.SetDefault("publisher.close_grace_period", "10s")

	v.SetDefault("storage.type", "redis")
	v.SetDefault("storage.address", "localhost:6379")
	v.SetDefault("storage.db", 0)
	v.SetDefault("storage.connection_string", "./data/collector.db")
	v.SetDefault("storage.max_connections", 25)
	v.SetDefault("storage.max_idle_time", "15m")
	v.SetDefault("storage.operation_timeout", "5s")
	v.SetDefault("storage.cleanup_interval", "10m")

	v.SetDefault("timeseries.enabled", false)
	v.SetDefault("timeseries.org", "web3-fk")
	v.SetDefault("timeseries.bucket", "blockchain")

	v.SetDefault("server.port", 8082)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.enable_metrics", true)
	v.SetDefault("server.enable_health", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	enabled := c.EnabledNetworks()
	if len(enabled) == 0 {
		return fmt.Errorf("at least one enabled network is required")
	}
	for _, name := range enabled {
		n := c.Networks[name]
		if n.RPCURL == "" {
			return fmt.Errorf("network %s: rpc_url is required", name)
		}
		if n.ChainID <= 0 {
			return fmt.Errorf("network %s: chain_id must be positive", name)
		}
	}

	if _, err := parseWei("filter.min_value_wei", c.Filter.MinValueWei); err != nil {
		return err
	}
	if _, err := parseWei("risk.high_value_threshold_wei", c.Risk.HighValueThresholdWei); err != nil {
		return err
	}
	if _, err := parseWei("risk.abnormal_gas_fee_wei", c.Risk.AbnormalGasFeeWei); err != nil {
		return err
	}
	if c.Risk.SuspiciousHoursStart < 0 || c.Risk.SuspiciousHoursStart > 23 ||
		c.Risk.SuspiciousHoursEnd < 0 || c.Risk.SuspiciousHoursEnd > 23 {
		return fmt.Errorf("risk suspicious hours must be within 0-23")
	}

	if c.Processing.Workers <= 0 {
		return fmt.Errorf("processing workers must be positive")
	}
	if c.Processing.BatchSize <= 0 {
		return fmt.Errorf("processing batch size must be positive")
	}
	if c.Connector.PollInterval <= 0 {
		return fmt.Errorf("connector poll interval must be positive")
	}
	if c.Connector.HealthCheckInterval <= 0 {
		return fmt.Errorf("connector health check interval must be positive")
	}

	switch strings.ToLower(c.Publisher.Transport) {
	case "sarama", "kafka-go":
		if len(c.Publisher.Brokers) == 0 {
			return fmt.Errorf("publisher brokers are required for transport %s", c.Publisher.Transport)
		}
	case "log":
	default:
		return fmt.Errorf("unsupported publisher transport %q", c.Publisher.Transport)
	}
	if c.Publisher.QueueSize <= 0 || c.Publisher.BatchSize <= 0 {
		return fmt.Errorf("publisher queue and batch size must be positive")
	}
	if c.Publisher.Topics.Transactions == "" || c.Publisher.Topics.Blocks == "" || c.Publisher.Topics.Alerts == "" {
		return fmt.Errorf("publisher transactions, blocks and alerts topics are required")
	}

	switch strings.ToLower(c.Storage.Type) {
	case "redis":
		if c.Storage.Address == "" {
			return fmt.Errorf("storage address is required for redis")
		}
	case "sqlite", "postgres", "postgresql":
		if c.Storage.ConnectionString == "" {
			return fmt.Errorf("storage connection string is required")
		}
	default:
		return fmt.Errorf("unsupported storage type %q", c.Storage.Type)
	}

	if c.Timeseries.Enabled && c.Timeseries.URL == "" {
		return fmt.Errorf("timeseries url is required when enabled")
	}
	return nil
}

// EnabledNetworks returns the names of enabled networks in sorted order
func (c *Config) EnabledNetworks() []string {
	names := make([]string, 0, len(c.Networks))
	for name, n := range c.Networks {
		if n.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// MinValue returns the parsed filter minimum value, nil when unset
func (f FilterConfig) MinValue() *big.Int {
	v, _ := parseWei("filter.min_value_wei", f.MinValueWei)
	return v
}

// HighValueThreshold returns the parsed high value threshold
func (r RiskConfig) HighValueThreshold() *big.Int {
	v, _ := parseWei("risk.high_value_threshold_wei", r.HighValueThresholdWei)
	return v
}

// AbnormalGasFee returns the parsed abnormal gas fee threshold
func (r RiskConfig) AbnormalGasFee() *big.Int {
	v, _ := parseWei("risk.abnormal_gas_fee_wei", r.AbnormalGasFeeWei)
	return v
}

func parseWei(key, value string) (*big.Int, error) {
	wei, err := utils.ParseWei(value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return wei, nil
}
