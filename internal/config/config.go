package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Broker driver names
const (
	DriverRedis    = "redis"
	DriverRabbitMQ = "rabbitmq"
	DriverMemory   = "memory"
)

// Config represents the complete application configuration
type Config struct {
	App       AppConfig       `yaml:"app"`
	Broker    BrokerConfig    `yaml:"broker"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Server    ServerConfig    `yaml:"server"`
	Queue     QueueConfig     `yaml:"queue"`
	Publisher PublisherConfig `yaml:"publisher"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// BrokerConfig selects and configures the message/queue backend
type BrokerConfig struct {
	// Driver serves the job queue: redis or memory
	Driver string `yaml:"driver"`
	// PubSubDriver serves channels: redis, rabbitmq or memory. Defaults to Driver.
	PubSubDriver string           `yaml:"pubsub_driver"`
	Redis        RedisConfig      `yaml:"redis"`
	RabbitMQ     RabbitMQConfig   `yaml:"rabbitmq"`
	Connection   ConnectionConfig `yaml:"connection"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RabbitMQConfig holds RabbitMQ connection configuration
type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	VHost    string `yaml:"vhost"`
}

// ConnectionConfig holds broker connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// DatabaseConfig holds PostgreSQL connection configuration for the job record store
type DatabaseConfig struct {
	Enabled         bool          `yaml:"enabled"`
	URL             string        `yaml:"url"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// MetricsPort serves /metrics from processes without the HTTP API. Zero disables it.
	MetricsPort int `yaml:"metrics_port"`
}

// QueueConfig holds job queue settings
type QueueConfig struct {
	Prefix          string        `yaml:"prefix"`
	EventsChannel   string        `yaml:"events_channel"`
	Concurrency     int           `yaml:"concurrency"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// OutcomeTTL bounds how long a creator waits for a job outcome event
	OutcomeTTL time.Duration `yaml:"outcome_ttl"`
	Blacklist  []string      `yaml:"blacklist"`
}

// PublisherConfig holds pub/sub channel settings
type PublisherConfig struct {
	Channel string `yaml:"channel"`
}

// Load reads and parses the configuration file, then applies defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

// Default returns the configuration used when no file is given
func Default() *Config {
	var config Config
	config.applyDefaults()
	return &config
}

func (c *Config) applyDefaults() {
	if c.Broker.Driver == "" {
		c.Broker.Driver = DriverRedis
	}
	if c.Broker.PubSubDriver == "" {
		c.Broker.PubSubDriver = c.Broker.Driver
	}
	if c.Broker.Redis.Host == "" {
		c.Broker.Redis.Host = "localhost"
	}
	if c.Broker.Redis.Port == 0 {
		c.Broker.Redis.Port = 6379
	}
	if c.Broker.RabbitMQ.Host == "" {
		c.Broker.RabbitMQ.Host = "localhost"
	}
	if c.Broker.RabbitMQ.Port == 0 {
		c.Broker.RabbitMQ.Port = 5672
	}
	if c.Broker.RabbitMQ.VHost == "" {
		c.Broker.RabbitMQ.VHost = "/"
	}
	if c.Broker.Connection.RetryAttempts == 0 {
		c.Broker.Connection.RetryAttempts = 1
	}
	if c.Broker.Connection.RetryInterval == 0 {
		c.Broker.Connection.RetryInterval = time.Second
	}
	if c.Broker.Connection.DialTimeout == 0 {
		c.Broker.Connection.DialTimeout = 5 * time.Second
	}
	if c.Queue.Prefix == "" {
		c.Queue.Prefix = "q"
	}
	if c.Queue.EventsChannel == "" {
		c.Queue.EventsChannel = c.Queue.Prefix + ":events"
	}
	if c.Queue.Concurrency == 0 {
		c.Queue.Concurrency = 1
	}
	if c.Queue.PollInterval == 0 {
		c.Queue.PollInterval = 100 * time.Millisecond
	}
	if c.Queue.ShutdownTimeout == 0 {
		c.Queue.ShutdownTimeout = 10 * time.Second
	}
	if c.Queue.OutcomeTTL == 0 {
		c.Queue.OutcomeTTL = time.Hour
	}
	if c.Publisher.Channel == "" {
		c.Publisher.Channel = "holberton school channel"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
}

// ApplyEnv overrides broker and database parameters from the environment.
// It is called once at startup; the result is never mutated afterwards.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("BROKER_DRIVER"); v != "" {
		c.Broker.Driver = v
		c.Broker.PubSubDriver = v
	}
	if v := getenv("BROKER_PUBSUB_DRIVER"); v != "" {
		c.Broker.PubSubDriver = v
	}
	if v := getenv("REDIS_URL"); v != "" {
		c.Broker.Redis.URL = v
	}
	if v := getenv("REDIS_HOST"); v != "" {
		c.Broker.Redis.Host = v
	}
	if v := getenv("REDIS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid REDIS_PORT %q: %w", v, err)
		}
		c.Broker.Redis.Port = port
	}
	if v := getenv("RABBITMQ_URL"); v != "" {
		c.Broker.RabbitMQ.URL = v
	}
	if v := getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
		c.Database.Enabled = true
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	return nil
}

// ValidateBrokerConfig checks the broker section shared by every service
func (c *Config) ValidateBrokerConfig() error {
	switch c.Broker.Driver {
	case DriverRedis, DriverMemory:
	default:
		return fmt.Errorf("unsupported queue driver: %q", c.Broker.Driver)
	}

	switch c.Broker.PubSubDriver {
	case DriverRedis, DriverRabbitMQ, DriverMemory:
	default:
		return fmt.Errorf("unsupported pubsub driver: %q", c.Broker.PubSubDriver)
	}

	usesRedis := c.Broker.Driver == DriverRedis || c.Broker.PubSubDriver == DriverRedis
	if usesRedis && c.Broker.Redis.URL == "" {
		if c.Broker.Redis.Host == "" {
			return fmt.Errorf("redis host is required")
		}
		if c.Broker.Redis.Port < MinPort || c.Broker.Redis.Port > MaxPort {
			return fmt.Errorf("invalid redis port: %d (must be between %d and %d)", c.Broker.Redis.Port, MinPort, MaxPort)
		}
	}

	if c.Broker.PubSubDriver == DriverRabbitMQ && c.Broker.RabbitMQ.URL == "" {
		if c.Broker.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}
		if c.Broker.RabbitMQ.Port < MinPort || c.Broker.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.Broker.RabbitMQ.Port, MinPort, MaxPort)
		}
	}

	if c.Broker.Connection.RetryAttempts <= 0 {
		return fmt.Errorf("broker retry_attempts must be greater than 0")
	}

	return nil
}

// ValidateQueueConfig checks the settings needed by job creators and processors
func (c *Config) ValidateQueueConfig() error {
	if err := c.ValidateBrokerConfig(); err != nil {
		return err
	}

	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue concurrency must be greater than 0")
	}

	if c.Queue.PollInterval <= 0 {
		return fmt.Errorf("queue poll_interval must be greater than 0")
	}

	if c.Queue.JobTimeout < 0 {
		return fmt.Errorf("queue job_timeout must not be negative")
	}

	if c.Server.MetricsPort != 0 && (c.Server.MetricsPort < MinPort || c.Server.MetricsPort > MaxPort) {
		return fmt.Errorf("invalid metrics port: %d (must be between %d and %d)", c.Server.MetricsPort, MinPort, MaxPort)
	}

	if c.Database.Enabled && c.Database.URL == "" {
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	return nil
}

// ValidateAPIConfig checks the HTTP API service settings
func (c *Config) ValidateAPIConfig() error {
	if err := c.ValidateQueueConfig(); err != nil {
		return err
	}

	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	return nil
}
