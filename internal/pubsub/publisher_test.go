package pubsub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/queuing-system/internal/broker"
	"github.com/cuongbtq/queuing-system/internal/config"
	"github.com/cuongbtq/queuing-system/shared/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const channel = "holberton school channel"

// countingBackend records how often Close reaches the broker
type countingBackend struct {
	*broker.Memory
	mu     sync.Mutex
	closes int
}

func (c *countingBackend) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	return c.Memory.Close()
}

func newTestPublisher(t *testing.T) (*Publisher, *countingBackend) {
	t.Helper()

	backend := &countingBackend{Memory: broker.NewMemory()}
	p := New(backend, logger.Discard())
	t.Cleanup(func() { p.Close() })
	return p, backend
}

func next(t *testing.T, sub *broker.Subscription) string {
	t.Helper()

	select {
	case msg, ok := <-sub.C:
		require.True(t, ok)
		return msg.Payload
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return ""
	}
}

func TestPublisher_Publish(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPublisher(t)

	var published []Message
	p.OnPublish(func(m Message) { published = append(published, m) })

	sub, err := p.Subscribe(ctx, channel)
	require.NoError(t, err)

	require.NoError(t, p.Publish(ctx, channel, "Holberton Student #1 starts course"))

	assert.Equal(t, "Holberton Student #1 starts course", next(t, sub))
	assert.Equal(t, []Message{{Channel: channel, Payload: "Holberton Student #1 starts course"}}, published)
}

func TestPublisher_PublishAfterFollowsElapsedDelay(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPublisher(t)

	sub, err := p.Subscribe(ctx, channel)
	require.NoError(t, err)

	require.NoError(t, p.PublishAfter(channel, "A", 100*time.Millisecond))
	require.NoError(t, p.PublishAfter(channel, "B", 50*time.Millisecond))

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, p.Wait(waitCtx))

	assert.Equal(t, "B", next(t, sub))
	assert.Equal(t, "A", next(t, sub))
}

func TestPublisher_OriginalSchedule(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPublisher(t)

	sub, err := p.Subscribe(ctx, channel)
	require.NoError(t, err)

	schedule := []struct {
		message string
		delay   time.Duration
	}{
		{"Holberton Student #1 starts course", 100 * time.Millisecond},
		{"Holberton Student #2 starts course", 200 * time.Millisecond},
		{ShutdownMessage, 300 * time.Millisecond},
		{"Holberton Student #3 starts course", 400 * time.Millisecond},
	}
	for _, s := range schedule {
		require.NoError(t, p.PublishAfter(channel, s.message, s.delay))
	}

	require.NoError(t, p.Wait(ctx))

	for _, s := range schedule {
		assert.Equal(t, s.message, next(t, sub))
	}
}

func TestPublisher_CloseAbandonsScheduled(t *testing.T) {
	ctx := context.Background()
	p, backend := newTestPublisher(t)

	sub, err := p.Subscribe(ctx, channel)
	require.NoError(t, err)

	require.NoError(t, p.PublishAfter(channel, "never", time.Hour))

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, p.Wait(waitCtx))

	_, ok := <-sub.C
	assert.False(t, ok)

	backend.mu.Lock()
	assert.Equal(t, 1, backend.closes)
	backend.mu.Unlock()

	assert.ErrorIs(t, p.Publish(ctx, channel, "late"), ErrClosed)
	assert.ErrorIs(t, p.PublishAfter(channel, "late", 0), ErrClosed)
	_, err = p.Subscribe(ctx, channel)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPublisher_Hooks(t *testing.T) {
	p, _ := newTestPublisher(t)

	connected := false
	p.OnConnect(func() { connected = true })
	assert.True(t, connected)

	p.OnError(func(error) {})
}

func TestPublisher_Listen(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPublisher(t)

	var (
		mu       sync.Mutex
		received []string
	)
	done := make(chan error, 1)

	go func() {
		done <- p.Listen(ctx, channel, func(m Message) {
			mu.Lock()
			received = append(received, m.Payload)
			mu.Unlock()
		})
	}()

	// Listen subscribes asynchronously; republish until it is active
	require.Eventually(t, func() bool {
		_ = p.Publish(ctx, channel, "ping")
		mu.Lock()
		defer mu.Unlock()
		return len(received) > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, p.Publish(ctx, channel, ShutdownMessage))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not stop on shutdown message")
	}

	require.NoError(t, p.Publish(ctx, channel, "after shutdown"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, ShutdownMessage, received[len(received)-1])
	assert.NotContains(t, received, "after shutdown")
}

func TestPublisher_ListenContextCanceled(t *testing.T) {
	p, _ := newTestPublisher(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Listen(ctx, channel, func(Message) {})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestDial(t *testing.T) {
	cfg := config.Default().Broker
	cfg.PubSubDriver = config.DriverMemory

	p, err := Dial(context.Background(), &cfg, logger.Discard())
	require.NoError(t, err)
	require.NoError(t, p.Close())

	cfg.PubSubDriver = config.DriverRedis
	cfg.Redis.Host = "127.0.0.1"
	cfg.Redis.Port = 1
	cfg.Connection.DialTimeout = 200 * time.Millisecond

	_, err = Dial(context.Background(), &cfg, logger.Discard())
	var connErr *broker.ConnectionError
	assert.ErrorAs(t, err, &connErr)
}
