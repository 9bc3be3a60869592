package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/cuongbtq/queuing-system/shared/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// fanoutClient is the part of *rabbitmq.Client the driver uses
type fanoutClient interface {
	Broadcast(ctx context.Context, exchange string, body []byte) error
	Listen(exchange string) (<-chan amqp.Delivery, func() error, error)
	NotifyClose() <-chan *amqp.Error
	Close() error
}

var _ fanoutClient = (*rabbitmq.Client)(nil)

// RabbitMQ implements PubSub with one fanout exchange per channel.
// It is not a JobBackend: AMQP assigns no monotonic job ids.
type RabbitMQ struct {
	events

	client fanoutClient
	logger *slog.Logger
	closed atomic.Bool
}

var _ PubSub = (*RabbitMQ)(nil)

// NewRabbitMQ wraps a connected client, reports ready and relays
// unexpected connection closes to OnError observers
func NewRabbitMQ(client *rabbitmq.Client, logger *slog.Logger) *RabbitMQ {
	return newRabbitMQ(client, logger)
}

func newRabbitMQ(client fanoutClient, logger *slog.Logger) *RabbitMQ {
	r := &RabbitMQ{client: client, logger: logger}
	r.emitReady()

	go func() {
		if amqpErr, ok := <-client.NotifyClose(); ok && amqpErr != nil {
			r.emitError(fmt.Errorf("rabbitmq connection closed: %w", amqpErr))
		}
	}()

	return r
}

// Publish broadcasts payload on the channel's exchange
func (r *RabbitMQ) Publish(ctx context.Context, channel, payload string) error {
	if r.closed.Load() {
		return ErrClosed
	}

	if err := r.client.Broadcast(ctx, channel, []byte(payload)); err != nil {
		r.emitError(err)
		return fmt.Errorf("rabbitmq publish failed: %w", err)
	}
	return nil
}

// Subscribe binds a private queue to the channel's exchange
func (r *RabbitMQ) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	deliveries, stop, err := r.client.Listen(channel)
	if err != nil {
		r.emitError(err)
		return nil, fmt.Errorf("failed to subscribe to %q: %w", channel, err)
	}

	out := make(chan Message)
	done := make(chan struct{})

	go func() {
		defer close(out)

		for d := range deliveries {
			select {
			case out <- Message{Channel: channel, Payload: string(d.Body)}:
			case <-done:
				return
			}
		}
	}()

	return newSubscription(out, func() error {
		close(done)
		return stop()
	}), nil
}

// Close closes the underlying connection. Later calls are no-ops.
func (r *RabbitMQ) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	return r.client.Close()
}
