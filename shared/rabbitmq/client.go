package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config holds RabbitMQ connection configuration
type Config struct {
	URL           string // takes precedence over the discrete fields when set
	Host          string
	Port          int
	User          string
	Password      string
	VHost         string
	RetryAttempts int
	RetryInterval time.Duration
	Heartbeat     time.Duration
}

// Client represents a RabbitMQ client. Publishing shares one AMQP channel;
// every subscription opens its own.
type Client struct {
	config    *Config
	conn      *amqp.Connection
	channel   *amqp.Channel
	logger    *slog.Logger
	closeChan chan *amqp.Error

	mu        sync.Mutex
	declared  map[string]bool
	closeOnce sync.Once
	closeErr  error
}

// NewClient creates a new RabbitMQ client
func NewClient(ctx context.Context, config *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{
		config:   config,
		logger:   logger,
		declared: make(map[string]bool),
	}

	if err := client.connect(ctx); err != nil {
		return nil, err
	}

	return client, nil
}

// DSN builds the AMQP URI from the config
func (c *Config) DSN() string {
	if c.URL != "" {
		return c.URL
	}

	vhost := c.VHost
	if vhost == "" || vhost == "/" {
		vhost = ""
	} else {
		vhost = url.PathEscape(vhost)
	}

	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s",
		url.QueryEscape(c.User),
		url.QueryEscape(c.Password),
		c.Host,
		c.Port,
		vhost,
	)
}

// connect establishes connection to RabbitMQ with retry logic
func (c *Client) connect(ctx context.Context) error {
	attempts := c.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Debug("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		c.conn, err = amqp.DialConfig(c.config.DSN(), amqpConfig)
		if err == nil {
			break
		}

		c.logger.Debug("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return fmt.Errorf("failed to connect to RabbitMQ: %w", ctx.Err())
			case <-time.After(c.config.RetryInterval):
			}
		}
	}

	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
	}

	c.channel, err = c.conn.Channel()
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	c.closeChan = c.conn.NotifyClose(make(chan *amqp.Error, 1))

	c.logger.Debug("RabbitMQ client initialized")
	return nil
}

// NotifyClose returns the channel that receives the connection close reason.
// It receives nothing on a graceful Close.
func (c *Client) NotifyClose() <-chan *amqp.Error {
	return c.closeChan
}

// declareFanout declares a non-durable fanout exchange once per client
func (c *Client) declareFanout(ch *amqp.Channel, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.declared[name] {
		return nil
	}

	err := ch.ExchangeDeclare(
		name,     // name
		"fanout", // type
		false,    // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange %q: %w", name, err)
	}

	c.declared[name] = true
	return nil
}

// Broadcast publishes body to every queue bound to the fanout exchange
func (c *Client) Broadcast(ctx context.Context, exchange string, body []byte) error {
	if !c.IsConnected() {
		return fmt.Errorf("not connected to RabbitMQ")
	}

	if err := c.declareFanout(c.channel, exchange); err != nil {
		return err
	}

	err := c.channel.PublishWithContext(
		ctx,
		exchange, // exchange
		"",       // routing key, ignored by fanout
		false,    // mandatory
		false,    // immediate
		amqp.Publishing{
			ContentType:  "text/plain",
			Body:         body,
			DeliveryMode: amqp.Transient,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	return nil
}

// Listen binds an exclusive auto-delete queue to the fanout exchange and
// starts consuming from it. The returned stop func closes the AMQP channel,
// which deletes the queue and closes the delivery channel.
func (c *Client) Listen(exchange string) (<-chan amqp.Delivery, func() error, error) {
	if !c.IsConnected() {
		return nil, nil, fmt.Errorf("not connected to RabbitMQ")
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create channel: %w", err)
	}

	fail := func(err error) (<-chan amqp.Delivery, func() error, error) {
		ch.Close()
		return nil, nil, err
	}

	if err := c.declareFanout(ch, exchange); err != nil {
		return fail(err)
	}

	q, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fail(fmt.Errorf("failed to declare queue: %w", err))
	}

	if err := ch.QueueBind(q.Name, "", exchange, false, nil); err != nil {
		return fail(fmt.Errorf("failed to bind queue: %w", err))
	}

	deliveries, err := ch.Consume(
		q.Name, // queue
		"",     // consumer tag
		true,   // auto-ack
		true,   // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		return fail(fmt.Errorf("failed to consume messages: %w", err))
	}

	c.logger.Debug("Listening on RabbitMQ exchange",
		slog.String("exchange", exchange),
		slog.String("queue", q.Name),
	)

	return deliveries, ch.Close, nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	return c.conn != nil && !c.conn.IsClosed()
}

// Close closes the RabbitMQ connection. Only the first call has an effect.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.logger.Debug("Closing RabbitMQ connection")

		if c.channel != nil {
			if err := c.channel.Close(); err != nil {
				c.logger.Error("Failed to close RabbitMQ channel", slog.Any("error", err))
			}
		}

		if c.conn != nil {
			if err := c.conn.Close(); err != nil {
				c.logger.Error("Failed to close RabbitMQ connection", slog.Any("error", err))
				c.closeErr = err
			}
		}
	})
	return c.closeErr
}
