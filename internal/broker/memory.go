package broker

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"
)

// memorySubscriberBuffer bounds each in-process subscriber; a full buffer drops the message
const memorySubscriberBuffer = 1024

type memoryJob struct {
	delivery Delivery
	active   bool
}

// Memory is an in-process broker implementing PubSub and JobBackend.
// It backs tests and single-process runs with driver "memory".
type Memory struct {
	events

	mu      sync.Mutex
	closed  bool
	subs    map[string]map[*memorySub]struct{}
	nextID  int64
	waiting map[string][]int64
	jobs    map[int64]*memoryJob
}

type memorySub struct {
	ch   chan Message
	done bool
}

var (
	_ PubSub     = (*Memory)(nil)
	_ JobBackend = (*Memory)(nil)
)

// NewMemory returns a ready in-process broker
func NewMemory() *Memory {
	m := &Memory{
		subs:    make(map[string]map[*memorySub]struct{}),
		waiting: make(map[string][]int64),
		jobs:    make(map[int64]*memoryJob),
	}
	m.emitReady()
	return m
}

// Publish delivers payload to every subscriber of channel, in publish order
func (m *Memory) Publish(ctx context.Context, channel, payload string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	msg := Message{Channel: channel, Payload: payload}
	for sub := range m.subs[channel] {
		select {
		case sub.ch <- msg:
		default:
			go m.emitError(fmt.Errorf("subscriber buffer full on channel %q, message dropped", channel))
		}
	}
	return nil
}

// Subscribe registers a subscriber on channel
func (m *Memory) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	sub := &memorySub{ch: make(chan Message, memorySubscriberBuffer)}
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[*memorySub]struct{})
	}
	m.subs[channel][sub] = struct{}{}

	return newSubscription(sub.ch, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs[channel], sub)
		m.closeSub(sub)
		return nil
	}), nil
}

func (m *Memory) closeSub(sub *memorySub) {
	if !sub.done {
		sub.done = true
		close(sub.ch)
	}
}

// Enqueue appends a job to the waiting list of its type
func (m *Memory) Enqueue(ctx context.Context, jobType string, data map[string]any) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}

	m.nextID++
	id := m.nextID
	m.jobs[id] = &memoryJob{delivery: Delivery{
		ID:        id,
		Type:      jobType,
		Data:      maps.Clone(data),
		CreatedAt: time.Now(),
	}}
	m.waiting[jobType] = append(m.waiting[jobType], id)
	return id, nil
}

// Dequeue pops the oldest waiting job of jobType
func (m *Memory) Dequeue(ctx context.Context, jobType string) (*Delivery, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, false, ErrClosed
	}

	ids := m.waiting[jobType]
	if len(ids) == 0 {
		return nil, false, nil
	}

	id := ids[0]
	m.waiting[jobType] = ids[1:]

	job := m.jobs[id]
	job.active = true

	d := job.delivery
	d.Data = maps.Clone(job.delivery.Data)
	return &d, true, nil
}

// Ack releases a completed job
func (m *Memory) Ack(ctx context.Context, id int64) error {
	return m.finish(ctx, id)
}

// Nack releases a failed job. Failure is terminal; the job is not requeued.
func (m *Memory) Nack(ctx context.Context, id int64, _ string) error {
	return m.finish(ctx, id)
}

func (m *Memory) finish(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	job, ok := m.jobs[id]
	if !ok || !job.active {
		return fmt.Errorf("job %d: %w", id, ErrUnknownJob)
	}

	delete(m.jobs, id)
	return nil
}

// Waiting reports how many jobs of jobType wait to be dequeued
func (m *Memory) Waiting(jobType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiting[jobType])
}

// Close drops all subscriptions and pending jobs
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	for _, subs := range m.subs {
		for sub := range subs {
			m.closeSub(sub)
		}
	}
	m.subs = nil
	return nil
}
