package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the full runtime configuration of reevd.
type Config struct {
	Server        ServerConfig        `json:"server"`
	Database      DatabaseConfig      `json:"database"`
	Consolidation ConsolidationConfig `json:"consolidation"`
	Runner        RunnerConfig        `json:"runner"`
	Flow          FlowConfig          `json:"flow"`
	Wallet        WalletConfig        `json:"wallet"`
	Queue         QueueConfig         `json:"queue"`
	Alerting      AlertingConfig      `json:"alerting"`
	Logging       LoggingConfig       `json:"logging"`
	Runtime       RuntimeConfig       `json:"runtime"`
}

// ServerConfig controls the HTTP API and the metrics listener.
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
}

// DatabaseConfig describes the connection pool and the backing database.
type DatabaseConfig struct {
	// Driver is "sqlite" or "mysql".
	Driver string `json:"driver"`
	// Path is the SQLite file; ignored for MySQL.
	Path string `json:"path"`
	// DSN overrides the DSN built from Path.
	DSN                    string `json:"dsn"`
	MaxConnections         int    `json:"max_connections"`
	AcquireTimeoutSeconds  int    `json:"acquire_timeout_seconds"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	BusyTimeoutMillis      int    `json:"busy_timeout_ms"`
}

// AcquireTimeout returns the bound on waiting for a pooled connection.
func (d DatabaseConfig) AcquireTimeout() time.Duration {
	return time.Duration(d.AcquireTimeoutSeconds) * time.Second
}

// ConnMaxLifetime returns the maximum lifetime of one physical connection.
func (d DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(d.ConnMaxLifetimeSeconds) * time.Second
}

// ConsolidationConfig tunes tool-call and session consolidation.
type ConsolidationConfig struct {
	WindowSeconds  int64 `json:"window_seconds"`
	TimeoutSeconds int   `json:"timeout_seconds"`
	WriteRetries   int   `json:"write_retries"`
}

// Timeout returns the bounded wait for execution-level consolidation.
func (c ConsolidationConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RunnerConfig describes the external agent service.
type RunnerConfig struct {
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	Mock           bool   `json:"mock"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Timeout returns the HTTP timeout of a single agent call.
func (r RunnerConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// FlowConfig bounds step execution.
type FlowConfig struct {
	DefaultStepTimeoutSeconds int `json:"default_step_timeout_seconds"`
	MaxStepTimeoutSeconds     int `json:"max_step_timeout_seconds"`
}

// WalletConfig points at the network definitions used to snapshot wallets.
type WalletConfig struct {
	NetworkConfig  string `json:"network_config"`
	RPCURL         string `json:"rpc_url"`
	DefaultNetwork string `json:"default_network"`
}

// QueueConfig selects the execution queue backend.
type QueueConfig struct {
	Driver     string         `json:"driver"`
	Workers    int            `json:"workers"`
	MaxRetries int            `json:"max_retries"`
	Store      string         `json:"store"`
	Redis      RedisConfig    `json:"redis"`
	RabbitMQ   RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig configures the Redis list queue.
type RedisConfig struct {
	Address          string `json:"address"`
	Password         string `json:"password"`
	DB               int    `json:"db"`
	Queue            string `json:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// RabbitMQConfig configures the RabbitMQ queue.
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`

	// DeadLetterExchange receives executions rejected after a failed redelivery.
	DeadLetterExchange string `json:"dead_letter_exchange"`
}

// AlertingConfig routes alerts. Alerts always reach the audit log; a webhook
// is optional.
type AlertingConfig struct {
	WebhookURL            string `json:"webhook_url"`
	WebhookTimeoutSeconds int    `json:"webhook_timeout_seconds"`
}

// WebhookTimeout returns the HTTP timeout of one webhook delivery.
func (a AlertingConfig) WebhookTimeout() time.Duration {
	return time.Duration(a.WebhookTimeoutSeconds) * time.Second
}

// LoggingConfig mirrors logger.Config in file form.
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// RuntimeConfig holds process-wide paths.
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load parses the JSON configuration at path and fills in defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	return &cfg, nil
}

// Default returns a configuration with every default applied, rooted at baseDir.
func Default(baseDir string) *Config {
	cfg := &Config{}
	cfg.applyDefaults(baseDir)
	return cfg
}

func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	c.Runtime.DataDir = resolvePath(baseDir, c.Runtime.DataDir, "data")

	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.DSN == "" {
		if c.Database.Path == "" {
			c.Database.Path = filepath.Join(c.Runtime.DataDir, "reev.db")
		} else if !filepath.IsAbs(c.Database.Path) {
			c.Database.Path = filepath.Join(baseDir, c.Database.Path)
		}
	}
	if c.Database.MaxConnections <= 0 {
		c.Database.MaxConnections = 10
	}
	if c.Database.AcquireTimeoutSeconds <= 0 {
		c.Database.AcquireTimeoutSeconds = 30
	}
	if c.Database.BusyTimeoutMillis <= 0 {
		c.Database.BusyTimeoutMillis = 5000
	}

	if c.Consolidation.WindowSeconds <= 0 {
		c.Consolidation.WindowSeconds = 1
	}
	if c.Consolidation.TimeoutSeconds <= 0 {
		c.Consolidation.TimeoutSeconds = 60
	}
	if c.Consolidation.WriteRetries <= 0 {
		c.Consolidation.WriteRetries = 5
	}

	if c.Runner.BaseURL == "" {
		c.Runner.BaseURL = "http://localhost:9090"
	}
	if c.Runner.TimeoutSeconds <= 0 {
		c.Runner.TimeoutSeconds = 300
	}

	if c.Flow.DefaultStepTimeoutSeconds <= 0 {
		c.Flow.DefaultStepTimeoutSeconds = 30
	}
	if c.Flow.MaxStepTimeoutSeconds <= 0 {
		c.Flow.MaxStepTimeoutSeconds = 600
	}

	if c.Wallet.NetworkConfig != "" && !filepath.IsAbs(c.Wallet.NetworkConfig) {
		c.Wallet.NetworkConfig = filepath.Join(baseDir, c.Wallet.NetworkConfig)
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Store == "" {
		c.Queue.Store = "sql"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 2
	}
	if c.Queue.MaxRetries <= 0 {
		c.Queue.MaxRetries = 1
	}

	if c.Alerting.WebhookTimeoutSeconds <= 0 {
		c.Alerting.WebhookTimeoutSeconds = 5
	}

	if c.Logging.AuditPath != "" && !filepath.IsAbs(c.Logging.AuditPath) {
		c.Logging.AuditPath = filepath.Join(baseDir, c.Logging.AuditPath)
	}
}

func resolvePath(baseDir, value, fallback string) string {
	if value == "" {
		return filepath.Join(baseDir, fallback)
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}
