package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	sharedredis "github.com/cuongbtq/queuing-system/shared/redis"
	"github.com/redis/go-redis/v9"
)

// Job hash states as stored in Redis
const (
	redisStateInactive = "inactive"
	redisStateActive   = "active"
	redisStateComplete = "complete"
	redisStateFailed   = "failed"
)

// finishScript removes an id from the active list and, only when it was
// there, records the terminal state on the job hash.
//
//	KEYS[1] active list, KEYS[2] job hash
//	ARGV id, state, error, updated_at
var finishScript = redis.NewScript(`
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[2], 'state', ARGV[2], 'error', ARGV[3], 'updated_at', ARGV[4])
return 1
`)

// Redis implements PubSub and JobBackend on a single Redis connection.
//
// Keys, with prefix p:
//
//	p:ids                  INCR counter for job ids
//	p:job:<id>             hash {type, data, state, error, created_at, updated_at}
//	p:jobs:<type>:inactive list of waiting ids, RPUSH / LMOVE LEFT
//	p:jobs:<type>:active   list of ids handed to a processor
type Redis struct {
	events

	client *sharedredis.Client
	rdb    *redis.Client
	prefix string
	logger *slog.Logger
	closed atomic.Bool
}

var (
	_ PubSub     = (*Redis)(nil)
	_ JobBackend = (*Redis)(nil)
)

// NewRedis wraps a connected client and reports ready
func NewRedis(client *sharedredis.Client, prefix string, logger *slog.Logger) *Redis {
	r := &Redis{
		client: client,
		rdb:    client.Redis(),
		prefix: prefix,
		logger: logger,
	}
	r.emitReady()
	return r
}

func (r *Redis) jobKey(id int64) string {
	return r.prefix + ":job:" + strconv.FormatInt(id, 10)
}

func (r *Redis) listKey(jobType, state string) string {
	return r.prefix + ":jobs:" + jobType + ":" + state
}

// fail reports a wrapped command error on the error hook. A closed
// client yields ErrClosed instead.
func (r *Redis) fail(err error) error {
	if r.closed.Load() || errors.Is(err, redis.ErrClosed) {
		return ErrClosed
	}
	r.emitError(err)
	return err
}

// Publish sends payload with PUBLISH
func (r *Redis) Publish(ctx context.Context, channel, payload string) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if err := r.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return r.fail(fmt.Errorf("redis publish failed: %w", err))
	}
	return nil
}

// Subscribe issues SUBSCRIBE and waits for the confirmation
func (r *Redis) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}

	ps := r.rdb.Subscribe(ctx, channel)

	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, r.fail(fmt.Errorf("failed to subscribe to %q: %w", channel, err))
	}

	out := make(chan Message)
	done := make(chan struct{})

	go func() {
		defer close(out)

		for msg := range ps.Channel() {
			select {
			case out <- Message{Channel: msg.Channel, Payload: msg.Payload}:
			case <-done:
				return
			}
		}
	}()

	return newSubscription(out, func() error {
		close(done)
		return ps.Close()
	}), nil
}

// Enqueue allocates an id, stores the job hash and appends the id to the waiting list
func (r *Redis) Enqueue(ctx context.Context, jobType string, data map[string]any) (int64, error) {
	if r.closed.Load() {
		return 0, ErrClosed
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal job data: %w", err)
	}

	id, err := r.rdb.Incr(ctx, r.prefix+":ids").Result()
	if err != nil {
		return 0, r.fail(fmt.Errorf("failed to allocate job id: %w", err))
	}

	now := time.Now().UnixMilli()
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.jobKey(id),
			"type", jobType,
			"data", string(payload),
			"state", redisStateInactive,
			"created_at", now,
			"updated_at", now,
		)
		pipe.RPush(ctx, r.listKey(jobType, redisStateInactive), id)
		return nil
	})
	if err != nil {
		return 0, r.fail(fmt.Errorf("failed to save job %d: %w", id, err))
	}

	return id, nil
}

// Dequeue moves the oldest waiting id to the active list and loads its hash
func (r *Redis) Dequeue(ctx context.Context, jobType string) (*Delivery, bool, error) {
	if r.closed.Load() {
		return nil, false, ErrClosed
	}

	raw, err := r.rdb.LMove(ctx,
		r.listKey(jobType, redisStateInactive),
		r.listKey(jobType, redisStateActive),
		"LEFT", "RIGHT",
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, r.fail(fmt.Errorf("failed to dequeue %q: %w", jobType, err))
	}

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, false, fmt.Errorf("invalid job id %q in %q: %w", raw, jobType, err)
	}

	fields, err := r.rdb.HGetAll(ctx, r.jobKey(id)).Result()
	if err != nil {
		return nil, false, r.fail(fmt.Errorf("failed to load job %d: %w", id, err))
	}

	d := &Delivery{ID: id, Type: jobType}
	if v := fields["data"]; v != "" {
		if err := json.Unmarshal([]byte(v), &d.Data); err != nil {
			err = fmt.Errorf("failed to decode job %d data: %w", id, err)
			// the id is already active; fail it so it does not stay there
			if nackErr := r.finish(ctx, id, jobType, redisStateFailed, err.Error()); nackErr != nil {
				return nil, false, errors.Join(err, nackErr)
			}
			return nil, false, err
		}
	}
	if ms, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		d.CreatedAt = time.UnixMilli(ms)
	}

	if err := r.rdb.HSet(ctx, r.jobKey(id), "state", redisStateActive, "updated_at", time.Now().UnixMilli()).Err(); err != nil {
		return nil, false, r.fail(fmt.Errorf("failed to activate job %d: %w", id, err))
	}

	return d, true, nil
}

// Ack marks an active job complete
func (r *Redis) Ack(ctx context.Context, id int64) error {
	return r.settle(ctx, id, redisStateComplete, "")
}

// Nack marks an active job failed
func (r *Redis) Nack(ctx context.Context, id int64, reason string) error {
	return r.settle(ctx, id, redisStateFailed, reason)
}

func (r *Redis) settle(ctx context.Context, id int64, state, reason string) error {
	if r.closed.Load() {
		return ErrClosed
	}

	jobType, err := r.rdb.HGet(ctx, r.jobKey(id), "type").Result()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("job %d: %w", id, ErrUnknownJob)
	}
	if err != nil {
		return r.fail(fmt.Errorf("failed to load job %d: %w", id, err))
	}

	return r.finish(ctx, id, jobType, state, reason)
}

// finish moves an active job to a terminal state. A job that is not in
// the active list is left untouched and yields ErrUnknownJob.
func (r *Redis) finish(ctx context.Context, id int64, jobType, state, reason string) error {
	removed, err := finishScript.Run(ctx, r.rdb,
		[]string{r.listKey(jobType, redisStateActive), r.jobKey(id)},
		id, state, reason, time.Now().UnixMilli(),
	).Int()
	if err != nil {
		return r.fail(fmt.Errorf("failed to mark job %d %s: %w", id, state, err))
	}

	if removed == 0 {
		return fmt.Errorf("job %d: %w", id, ErrUnknownJob)
	}

	return nil
}

// Close closes the underlying client. Later calls are no-ops.
func (r *Redis) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	return r.client.Close()
}
