package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/queuing-system/shared/logger"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFanout delivers broadcasts to every queue listening on an exchange
type fakeFanout struct {
	mu         sync.Mutex
	queues     map[string]map[chan amqp.Delivery]struct{}
	closeCh    chan *amqp.Error
	closeCalls int
	listenErr  error
}

func newFakeFanout() *fakeFanout {
	return &fakeFanout{
		queues:  make(map[string]map[chan amqp.Delivery]struct{}),
		closeCh: make(chan *amqp.Error, 1),
	}
}

func (f *fakeFanout) Broadcast(_ context.Context, exchange string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for q := range f.queues[exchange] {
		select {
		case q <- amqp.Delivery{Exchange: exchange, Body: body}:
		default:
		}
	}
	return nil
}

func (f *fakeFanout) Listen(exchange string) (<-chan amqp.Delivery, func() error, error) {
	if f.listenErr != nil {
		return nil, nil, f.listenErr
	}

	q := make(chan amqp.Delivery, 16)

	f.mu.Lock()
	if f.queues[exchange] == nil {
		f.queues[exchange] = make(map[chan amqp.Delivery]struct{})
	}
	f.queues[exchange][q] = struct{}{}
	f.mu.Unlock()

	stop := func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.queues[exchange][q]; ok {
			delete(f.queues[exchange], q)
			close(q)
		}
		return nil
	}
	return q, stop, nil
}

func (f *fakeFanout) NotifyClose() <-chan *amqp.Error {
	return f.closeCh
}

func (f *fakeFanout) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return nil
}

func (f *fakeFanout) listeners(exchange string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queues[exchange])
}

func TestRabbitMQ_PubSub(t *testing.T) {
	ctx := context.Background()
	r := newRabbitMQ(newFakeFanout(), logger.Discard())
	defer r.Close()

	first, err := r.Subscribe(ctx, "holberton school channel")
	require.NoError(t, err)
	defer first.Close()
	second, err := r.Subscribe(ctx, "holberton school channel")
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, r.Publish(ctx, "holberton school channel", "Holberton Student #1 starts course"))
	require.NoError(t, r.Publish(ctx, "other", "ignored"))

	for _, sub := range []*Subscription{first, second} {
		msg := receive(t, sub)
		assert.Equal(t, "holberton school channel", msg.Channel)
		assert.Equal(t, "Holberton Student #1 starts course", msg.Payload)
		assertNoMessage(t, sub)
	}
}

func TestRabbitMQ_SubscriptionClose(t *testing.T) {
	ctx := context.Background()
	fake := newFakeFanout()
	r := newRabbitMQ(fake, logger.Discard())
	defer r.Close()

	sub, err := r.Subscribe(ctx, "holberton school channel")
	require.NoError(t, err)
	assert.Equal(t, 1, fake.listeners("holberton school channel"))

	// leave messages unread so the pump is blocked handing one out
	require.NoError(t, r.Publish(ctx, "holberton school channel", "a"))
	require.NoError(t, r.Publish(ctx, "holberton school channel", "b"))

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.Equal(t, 0, fake.listeners("holberton school channel"))

	drained := make(chan struct{})
	go func() {
		for range sub.C {
		}
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription channel not closed")
	}
}

func TestRabbitMQ_ListenFailure(t *testing.T) {
	fake := newFakeFanout()
	fake.listenErr = errors.New("channel/connection is not open")
	r := newRabbitMQ(fake, logger.Discard())
	defer r.Close()

	var hookErr error
	r.OnError(func(err error) { hookErr = err })

	_, err := r.Subscribe(context.Background(), "holberton school channel")
	require.Error(t, err)
	assert.ErrorIs(t, err, fake.listenErr)
	assert.ErrorIs(t, hookErr, fake.listenErr)
}

func TestRabbitMQ_ConnectionLost(t *testing.T) {
	fake := newFakeFanout()
	r := newRabbitMQ(fake, logger.Discard())
	defer r.Close()

	errs := make(chan error, 1)
	r.OnError(func(err error) { errs <- err })

	ready := false
	r.OnReady(func() { ready = true })
	assert.True(t, ready)

	lost := &amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED"}
	fake.closeCh <- lost

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, lost)
	case <-time.After(2 * time.Second):
		t.Fatal("error hook not called")
	}
}

func TestRabbitMQ_Close(t *testing.T) {
	ctx := context.Background()
	fake := newFakeFanout()
	r := newRabbitMQ(fake, logger.Discard())

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.Equal(t, 1, fake.closeCalls)

	assert.ErrorIs(t, r.Publish(ctx, "holberton school channel", "hi"), ErrClosed)
	_, err := r.Subscribe(ctx, "holberton school channel")
	assert.ErrorIs(t, err, ErrClosed)
}
