package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Config holds Redis connection configuration
type Config struct {
	URL           string // takes precedence over Host/Port when set
	Host          string
	Port          int
	Password      string
	DB            int
	RetryAttempts int
	RetryInterval time.Duration
	DialTimeout   time.Duration
}

// Client represents a Redis client
type Client struct {
	config    *Config
	rdb       *goredis.Client
	logger    *slog.Logger
	addr      string
	closeOnce sync.Once
	closeErr  error
}

// NewClient creates a new Redis client and verifies the connection with PING
func NewClient(ctx context.Context, config *Config, logger *slog.Logger) (*Client, error) {
	opts, err := options(config)
	if err != nil {
		return nil, err
	}

	client := &Client{
		config: config,
		rdb:    goredis.NewClient(opts),
		logger: logger,
		addr:   opts.Addr,
	}

	if err := client.connect(ctx); err != nil {
		client.rdb.Close()
		return nil, err
	}

	return client, nil
}

func options(config *Config) (*goredis.Options, error) {
	if config.URL != "" {
		opts, err := goredis.ParseURL(config.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		if config.DialTimeout > 0 {
			opts.DialTimeout = config.DialTimeout
		}
		return opts, nil
	}

	return &goredis.Options{
		Addr:        fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password:    config.Password,
		DB:          config.DB,
		DialTimeout: config.DialTimeout,
	}, nil
}

// connect pings Redis with retry logic
func (c *Client) connect(ctx context.Context) error {
	attempts := c.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Debug("Connecting to Redis",
			slog.String("addr", c.addr),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		if err = c.rdb.Ping(ctx).Err(); err == nil {
			c.logger.Debug("Successfully connected to Redis", slog.String("addr", c.addr))
			return nil
		}

		c.logger.Debug("Failed to connect to Redis",
			slog.String("addr", c.addr),
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return fmt.Errorf("failed to connect to redis at %s: %w", c.addr, ctx.Err())
			case <-time.After(c.config.RetryInterval):
			}
		}
	}

	return fmt.Errorf("failed to connect to redis at %s after %d attempts: %w", c.addr, attempts, err)
}

// Redis returns the underlying go-redis client
func (c *Client) Redis() *goredis.Client {
	return c.rdb
}

// Addr returns the resolved host:port
func (c *Client) Addr() string {
	return c.addr
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection. Only the first call has an effect.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.logger.Debug("Closing Redis connection", slog.String("addr", c.addr))
		c.closeErr = c.rdb.Close()
		if c.closeErr != nil {
			c.logger.Error("Failed to close Redis connection", slog.Any("error", c.closeErr))
		}
	})
	return c.closeErr
}
