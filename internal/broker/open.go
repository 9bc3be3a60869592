package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/queuing-system/internal/config"
	"github.com/cuongbtq/queuing-system/shared/rabbitmq"
	sharedredis "github.com/cuongbtq/queuing-system/shared/redis"
)

// Conn is the process-wide broker connection: a job backend plus the
// pub/sub used for channels and job events. Both may be the same object.
type Conn struct {
	Jobs   JobBackend
	PubSub PubSub
}

// Close releases every underlying connection
func (c *Conn) Close() error {
	var errs []error
	if c.Jobs != nil {
		errs = append(errs, c.Jobs.Close())
	}
	if c.PubSub != nil && any(c.PubSub) != any(c.Jobs) {
		errs = append(errs, c.PubSub.Close())
	}
	return errors.Join(errs...)
}

// Open connects the job backend and the pub/sub selected by cfg.
// An unreachable broker yields a *ConnectionError.
func Open(ctx context.Context, cfg *config.BrokerConfig, prefix string, logger *slog.Logger) (*Conn, error) {
	var jobs JobBackend
	switch cfg.Driver {
	case config.DriverRedis:
		r, err := openRedis(ctx, cfg, prefix, logger)
		if err != nil {
			return nil, err
		}
		jobs = r
	case config.DriverMemory:
		jobs = NewMemory()
	default:
		return nil, fmt.Errorf("unsupported queue driver: %q", cfg.Driver)
	}

	// one connection serves both roles when the drivers match
	if cfg.PubSubDriver == cfg.Driver {
		return &Conn{Jobs: jobs, PubSub: jobs.(PubSub)}, nil
	}

	ps, err := OpenPubSub(ctx, cfg, prefix, logger)
	if err != nil {
		jobs.Close()
		return nil, err
	}

	return &Conn{Jobs: jobs, PubSub: ps}, nil
}

// OpenPubSub connects only the pub/sub selected by cfg.PubSubDriver
func OpenPubSub(ctx context.Context, cfg *config.BrokerConfig, prefix string, logger *slog.Logger) (PubSub, error) {
	switch cfg.PubSubDriver {
	case config.DriverRedis:
		return openRedis(ctx, cfg, prefix, logger)
	case config.DriverRabbitMQ:
		return openRabbitMQ(ctx, cfg, logger)
	case config.DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported pubsub driver: %q", cfg.PubSubDriver)
	}
}

func openRedis(ctx context.Context, cfg *config.BrokerConfig, prefix string, logger *slog.Logger) (*Redis, error) {
	rc := &sharedredis.Config{
		URL:           cfg.Redis.URL,
		Host:          cfg.Redis.Host,
		Port:          cfg.Redis.Port,
		Password:      cfg.Redis.Password,
		DB:            cfg.Redis.DB,
		RetryAttempts: cfg.Connection.RetryAttempts,
		RetryInterval: cfg.Connection.RetryInterval,
		DialTimeout:   cfg.Connection.DialTimeout,
	}

	client, err := sharedredis.NewClient(ctx, rc, logger)
	if err != nil {
		addr := rc.URL
		if addr == "" {
			addr = fmt.Sprintf("%s:%d", rc.Host, rc.Port)
		}
		return nil, &ConnectionError{Driver: config.DriverRedis, Addr: addr, Err: err}
	}

	return NewRedis(client, prefix, logger), nil
}

func openRabbitMQ(ctx context.Context, cfg *config.BrokerConfig, logger *slog.Logger) (*RabbitMQ, error) {
	rc := &rabbitmq.Config{
		URL:           cfg.RabbitMQ.URL,
		Host:          cfg.RabbitMQ.Host,
		Port:          cfg.RabbitMQ.Port,
		User:          cfg.RabbitMQ.User,
		Password:      cfg.RabbitMQ.Password,
		VHost:         cfg.RabbitMQ.VHost,
		RetryAttempts: cfg.Connection.RetryAttempts,
		RetryInterval: cfg.Connection.RetryInterval,
		Heartbeat:     cfg.Connection.Heartbeat,
	}

	client, err := rabbitmq.NewClient(ctx, rc, logger)
	if err != nil {
		addr := fmt.Sprintf("%s:%d", rc.Host, rc.Port)
		if rc.URL != "" {
			addr = rc.URL
		}
		return nil, &ConnectionError{Driver: config.DriverRabbitMQ, Addr: addr, Err: err}
	}

	return NewRabbitMQ(client, logger), nil
}
