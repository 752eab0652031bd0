// Package config loads sfingest's YAML configuration into a typed Config,
// covering Kafka, Elasticsearch and columnar-analytics connection settings
// plus the Kafka batch-sizing knobs and the CA flush-buffer size. Retry
// limits are not configurable here; they are constants in their packages.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Config is the root configuration document.
type Config struct {
	Kafka   KafkaConfig   `yaml:"kafka"`
	ES      ESConfig      `yaml:"elasticsearch"`
	CA      CAConfig      `yaml:"columnar_analytics"`
	Logging LoggingConfig `yaml:"logging"`
}

// KafkaConfig configures the Consumer Host.
type KafkaConfig struct {
	Brokers          []string      `yaml:"brokers"`
	Topic            string        `yaml:"topic"`
	ESConsumerGroup  string        `yaml:"es_consumer_group"`
	CAConsumerGroup  string        `yaml:"ca_consumer_group"`
	MaxBatchSize     int           `yaml:"max_batch_size"`
	MaxBatchInterval time.Duration `yaml:"max_batch_interval"`
}

// ESConfig configures the Elasticsearch bulk pipeline.
type ESConfig struct {
	Addresses    []string `yaml:"addresses"`
	Username     string   `yaml:"username"`
	Password     string   `yaml:"password"`
	StatsEnabled bool     `yaml:"stats_enabled"`
}

// CAConfig configures the columnar-analytics pipeline.
type CAConfig struct {
	// BlobAccounts lists storage account credentials (name and key), one
	// BlobAccountClient per entry.
	BlobAccounts         []BlobAccount `yaml:"blob_accounts"`
	BaseContainerName    string        `yaml:"base_container_name"`
	NotificationEndpoint string        `yaml:"notification_endpoint"`
	InstrumentationKey   string        `yaml:"instrumentation_key"`
	LogSchemaID          string        `yaml:"log_schema_id"`
	InteractionsSchemaID string        `yaml:"interactions_schema_id"`
	FlushBufferBytes     int           `yaml:"flush_buffer_bytes"`
	Compress             bool          `yaml:"compress"`
}

// BlobAccount is one Azure storage account credential.
type BlobAccount struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`
}

// LoggingConfig configures C11.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Defaults applied when the YAML document leaves a field unset.
const (
	DefaultMaxBatchSize     = 500
	DefaultMaxBatchInterval = 5 * time.Second
	DefaultFlushBufferBytes = 5 * 1024 * 1024
)

// Load reads and parses the YAML configuration at path, applying defaults
// for anything left unset.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config file %s", path)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config file %s", path)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Kafka.MaxBatchSize <= 0 {
		c.Kafka.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.Kafka.MaxBatchInterval <= 0 {
		c.Kafka.MaxBatchInterval = DefaultMaxBatchInterval
	}
	if c.CA.FlushBufferBytes <= 0 {
		c.CA.FlushBufferBytes = DefaultFlushBufferBytes
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) validate() error {
	if len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers must not be empty")
	}
	if c.Kafka.Topic == "" {
		return errors.New("kafka.topic must be set")
	}
	if len(c.ES.Addresses) == 0 {
		return errors.New("elasticsearch.addresses must not be empty")
	}
	if len(c.CA.BlobAccounts) == 0 {
		return errors.New("columnar_analytics.blob_accounts must not be empty")
	}
	for _, acct := range c.CA.BlobAccounts {
		if acct.Name == "" || acct.Key == "" {
			return fmt.Errorf("columnar_analytics.blob_accounts entries require name and key")
		}
	}
	return nil
}
