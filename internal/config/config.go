// Package config loads the approval-sentinel configuration from YAML and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"approval-sentinel/internal/alerting"
	"approval-sentinel/internal/approvals"
	"approval-sentinel/internal/blockchain/erc20"
	"approval-sentinel/internal/ingest/evm"
	"approval-sentinel/internal/kafka"
	"approval-sentinel/internal/logging"
	"approval-sentinel/internal/metrics"
	"approval-sentinel/internal/processor"
	"approval-sentinel/internal/storage"
	"approval-sentinel/internal/storage/s3"
)

// DefaultPath is read when SENTINEL_CONFIG_PATH is unset.
const DefaultPath = "configs/config.yaml"

// Config holds the complete application configuration.
type Config struct {
	Detection  approvals.Config         `yaml:"detection"`
	Node       NodeConfig               `yaml:"node"`
	Classifier erc20.ClassifierConfig   `yaml:"classifier"`
	Redis      erc20.RedisConfig        `yaml:"redis"`
	Queue      QueueConfig              `yaml:"queue"`
	Processor  processor.Config         `yaml:"processor"`
	EVM        evm.Config               `yaml:"evm"`
	Kafka      *kafka.Config            `yaml:"kafka"`
	Alerting   alerting.Config          `yaml:"alerting"`
	ClickHouse storage.ClickHouseConfig `yaml:"clickhouse"`
	S3         *s3.Config               `yaml:"s3"`
	Logging    logging.Config           `yaml:"logging"`
	Metrics    metrics.Config           `yaml:"metrics"`
}

// NodeConfig points at the Ethereum node used to classify addresses.
type NodeConfig struct {
	RPCURL string `yaml:"rpc_url" validate:"required,url"`
}

// QueueConfig sizes the transaction queue between sources and the processor.
type QueueConfig struct {
	Size int `yaml:"size" validate:"gt=0"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Detection:  approvals.DefaultConfig(),
		Node:       NodeConfig{RPCURL: "http://localhost:8545"},
		Classifier: erc20.DefaultClassifierConfig(),
		Redis:      erc20.DefaultRedisConfig(),
		Queue:      QueueConfig{Size: 10000},
		Processor:  processor.DefaultConfig(),
		EVM:        evm.DefaultConfig(),
		Kafka:      kafka.DefaultConfig(),
		Alerting:   alerting.DefaultConfig(),
		ClickHouse: storage.DefaultClickHouseConfig(),
		S3:         s3.DefaultConfig(),
		Logging:    logging.DefaultConfig(),
		Metrics:    metrics.DefaultConfig(),
	}
}

// Load reads the file named by SENTINEL_CONFIG_PATH (or DefaultPath).
func Load() (*Config, error) {
	configPath := os.Getenv("SENTINEL_CONFIG_PATH")
	if configPath == "" {
		configPath = DefaultPath
	}
	return LoadFile(configPath)
}

// LoadFile reads path over the defaults and applies environment overrides.
// A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	cfg.fillDerived()

	return cfg, nil
}

// fillDerived copies shared settings into sections that left them empty.
func (c *Config) fillDerived() {
	if c.EVM.RPCURL == "" {
		c.EVM.RPCURL = c.Node.RPCURL
	}
	if c.Kafka == nil {
		c.Kafka = kafka.DefaultConfig()
	}
	if c.S3 == nil {
		c.S3 = s3.DefaultConfig()
	}
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	if level := os.Getenv("SENTINEL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("SENTINEL_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}

	if rpc := os.Getenv("SENTINEL_RPC_URL"); rpc != "" {
		c.Node.RPCURL = rpc
	}
	if start := os.Getenv("SENTINEL_START_BLOCK"); start != "" {
		c.EVM.StartBlock = start
	}

	if v := os.Getenv("SENTINEL_OBSERVATION_PERIOD"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("SENTINEL_OBSERVATION_PERIOD: %w", err)
		}
		c.Detection.ObservationPeriodDuration = n
	}
	if v := os.Getenv("SENTINEL_MIN_APPROVALS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SENTINEL_MIN_APPROVALS: %w", err)
		}
		c.Detection.MinimumNumberOfApprovals = n
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
		c.Redis.Enabled = true
	}
	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		c.Redis.Password = pass
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		if c.Kafka == nil {
			c.Kafka = kafka.DefaultConfig()
		}
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
		c.Kafka.Enabled = true
	}
	if pass := os.Getenv("KAFKA_SASL_PASSWORD"); pass != "" && c.Kafka != nil {
		c.Kafka.SASLPassword = pass
	}

	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.ClickHouse.Hosts = []string{host}
		c.ClickHouse.Enabled = true
	}
	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.ClickHouse.Database = db
	}
	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.ClickHouse.Username = user
	}
	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.ClickHouse.Password = pass
	}

	if url := os.Getenv("SENTINEL_WEBHOOK_URL"); url != "" {
		c.Alerting.Webhooks = append(c.Alerting.Webhooks, alerting.WebhookConfig{Name: "env", URL: url})
	}
	if addr := os.Getenv("SENTINEL_METRICS_ADDR"); addr != "" {
		c.Metrics.Address = addr
	}

	return nil
}

// splitAndTrim splits s by sep and drops empty parts.
func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate checks struct tags, then the rules tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.EVM.Enabled {
		if c.EVM.BatchSize <= 0 {
			return fmt.Errorf("evm.batch_size must be positive")
		}
		if c.EVM.PollInterval <= 0 {
			return fmt.Errorf("evm.poll_interval must be positive")
		}
		if err := validateStartBlock(c.EVM.StartBlock); err != nil {
			return err
		}
	}

	if c.Kafka != nil && c.Kafka.Enabled {
		if err := c.Kafka.Validate(); err != nil {
			return err
		}
	}

	if c.S3 != nil && c.S3.Enabled {
		if err := c.S3.Validate(); err != nil {
			return err
		}
	}

	if c.Processor.PollInterval <= 0 {
		return fmt.Errorf("processor.poll_interval must be positive")
	}
	if c.Alerting.Delivery.RetryTimeout < time.Millisecond {
		return fmt.Errorf("alerting.delivery.retry_timeout must be at least 1ms")
	}
	// A ClickHouse delivery waits for its batch to be flushed.
	if c.ClickHouse.Enabled && c.ClickHouse.Writer.FlushInterval >= c.Alerting.Delivery.RetryTimeout {
		return fmt.Errorf("clickhouse.writer.flush_interval must be shorter than alerting.delivery.retry_timeout")
	}

	return nil
}

func validateStartBlock(s string) error {
	switch s {
	case "", "latest", "earliest":
		return nil
	}
	if _, err := strconv.ParseUint(s, 10, 64); err != nil {
		return fmt.Errorf("evm.start_block must be latest, earliest or a block number: %q", s)
	}
	return nil
}

// HasSource reports whether at least one transaction source is enabled.
func (c *Config) HasSource() bool {
	return c.EVM.Enabled || (c.Kafka != nil && c.Kafka.Enabled && c.Kafka.TransactionsTopic != "")
}
