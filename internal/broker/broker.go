// Package broker declares the narrow interfaces the job queue and the
// pub/sub channel consume from the external message backend, together with
// the drivers that implement them (redis, rabbitmq, memory).
//
// Delivery guarantees, persistence formats and transport belong to the
// backend. Callers own the connection they open and must Close it exactly
// once; extra Close calls are no-ops.
package broker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

var (
	// ErrClosed is returned by every operation on a closed connection
	ErrClosed = errors.New("broker connection closed")

	// ErrUnknownJob is returned when acking a job the backend does not hold as active
	ErrUnknownJob = errors.New("job is not active")
)

// ConnectionError reports a broker that could not be reached
type ConnectionError struct {
	Driver string
	Addr   string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s broker unreachable at %s: %v", e.Driver, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Message is a payload broadcast on a named channel
type Message struct {
	Channel string
	Payload string
}

// Delivery is a job handed out by Dequeue
type Delivery struct {
	ID        int64
	Type      string
	Data      map[string]any
	CreatedAt time.Time
}

// Hooks exposes connection-level observability
type Hooks interface {
	// OnReady runs fn once the connection is usable. Registering after the
	// connection became ready runs fn immediately.
	OnReady(fn func())
	// OnError runs fn for every connection-level error
	OnError(fn func(error))
}

// PubSub is fan-out broadcast of string messages on named channels.
// Delivery is at-most-once: only subscriptions active at publish time
// receive the message.
type PubSub interface {
	Hooks
	Publish(ctx context.Context, channel, payload string) error
	// Subscribe returns once the subscription is active
	Subscribe(ctx context.Context, channel string) (*Subscription, error)
	Close() error
}

// JobBackend is a durable FIFO-per-type job store
type JobBackend interface {
	Hooks
	// Enqueue persists a job and returns its id. Ids are unique and increase monotonically.
	Enqueue(ctx context.Context, jobType string, data map[string]any) (int64, error)
	// Dequeue moves the oldest waiting job of jobType to active. ok is false when none waits.
	Dequeue(ctx context.Context, jobType string) (d *Delivery, ok bool, err error)
	// Ack marks an active job completed
	Ack(ctx context.Context, id int64) error
	// Nack marks an active job failed with reason
	Nack(ctx context.Context, id int64, reason string) error
	Close() error
}

// Subscription is an active channel subscription
type Subscription struct {
	C <-chan Message

	once sync.Once
	stop func() error
	err  error
}

func newSubscription(c <-chan Message, stop func() error) *Subscription {
	return &Subscription{C: c, stop: stop}
}

// Close ends the subscription; C is closed afterwards
func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.err = s.stop()
	})
	return s.err
}

// events implements Hooks for the drivers
type events struct {
	mu      sync.Mutex
	ready   bool
	onReady []func()
	onError []func(error)
}

func (e *events) OnReady(fn func()) {
	e.mu.Lock()
	if e.ready {
		e.mu.Unlock()
		fn()
		return
	}
	e.onReady = append(e.onReady, fn)
	e.mu.Unlock()
}

func (e *events) OnError(fn func(error)) {
	e.mu.Lock()
	e.onError = append(e.onError, fn)
	e.mu.Unlock()
}

func (e *events) emitReady() {
	e.mu.Lock()
	if e.ready {
		e.mu.Unlock()
		return
	}
	e.ready = true
	fns := e.onReady
	e.onReady = nil
	e.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (e *events) emitError(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}

	e.mu.Lock()
	fns := slices.Clone(e.onError)
	e.mu.Unlock()

	for _, fn := range fns {
		fn(err)
	}
}
