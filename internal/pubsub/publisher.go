// Package pubsub broadcasts string messages on named channels.
//
// A Publisher owns its broker connection: Close releases it exactly once,
// and any publish still scheduled with PublishAfter is abandoned.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/queuing-system/internal/broker"
	"github.com/cuongbtq/queuing-system/internal/config"
)

// ErrClosed is returned when publishing through a closed Publisher
var ErrClosed = errors.New("publisher closed")

// Message is a payload received from a channel
type Message = broker.Message

// Publisher publishes to channels of one broker connection
type Publisher struct {
	backend broker.PubSub
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	timers    map[*time.Timer]struct{}
	onPublish []func(Message)
	pending   sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// Dial connects the pub/sub broker selected by cfg. An unreachable broker
// yields a *broker.ConnectionError.
func Dial(ctx context.Context, cfg *config.BrokerConfig, logger *slog.Logger) (*Publisher, error) {
	backend, err := broker.OpenPubSub(ctx, cfg, "", logger)
	if err != nil {
		return nil, err
	}
	return New(backend, logger), nil
}

// New wraps a connected backend
func New(backend broker.PubSub, logger *slog.Logger) *Publisher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Publisher{
		backend: backend,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		timers:  make(map[*time.Timer]struct{}),
	}
}

// OnConnect runs fn once the connection is ready
func (p *Publisher) OnConnect(fn func()) {
	p.backend.OnReady(fn)
}

// OnError runs fn for every connection-level error
func (p *Publisher) OnError(fn func(error)) {
	p.backend.OnError(fn)
}

// OnPublish runs fn after every successful publish
func (p *Publisher) OnPublish(fn func(Message)) {
	p.mu.Lock()
	p.onPublish = append(p.onPublish, fn)
	p.mu.Unlock()
}

// Publish broadcasts message to the current subscribers of channel.
// There is no acknowledgment of receipt.
func (p *Publisher) Publish(ctx context.Context, channel, message string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	observers := p.onPublish
	p.mu.Unlock()

	p.logger.Info("About to send "+message, slog.String("channel", channel))

	if err := p.backend.Publish(ctx, channel, message); err != nil {
		p.logger.Error("Failed to publish message",
			slog.String("channel", channel),
			slog.String("message", message),
			slog.Any("error", err),
		)
		return fmt.Errorf("failed to publish on %q: %w", channel, err)
	}

	msg := Message{Channel: channel, Payload: message}
	for _, fn := range observers {
		fn(msg)
	}
	return nil
}

// PublishAfter schedules message on channel once delay elapses. Schedules
// are independent, so delivery follows elapsed delay rather than call order.
func (p *Publisher) PublishAfter(channel, message string, delay time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	p.pending.Add(1)

	// the callback takes p.mu first, so t is registered before it runs
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		defer p.pending.Done()

		p.mu.Lock()
		delete(p.timers, t)
		closed := p.closed
		p.mu.Unlock()

		if closed {
			return
		}

		// Publish logs the failure
		_ = p.Publish(p.ctx, channel, message)
	})
	p.timers[t] = struct{}{}

	return nil
}

// Wait blocks until every scheduled publish has run or been abandoned
func (p *Publisher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe starts a subscription on channel. Only messages published
// after it returns are delivered.
func (p *Publisher) Subscribe(ctx context.Context, channel string) (*broker.Subscription, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if closed {
		return nil, ErrClosed
	}

	return p.backend.Subscribe(ctx, channel)
}

// Close abandons scheduled publishes and releases the broker connection.
// Only the first call has an effect.
func (p *Publisher) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		for t := range p.timers {
			if t.Stop() {
				p.pending.Done()
			}
		}
		abandoned := len(p.timers)
		p.timers = nil
		p.mu.Unlock()

		p.cancel()

		if abandoned > 0 {
			p.logger.Warn("Abandoned scheduled messages", slog.Int("count", abandoned))
		}

		p.closeErr = p.backend.Close()
	})
	return p.closeErr
}
