package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
)

// Job outcome event names
const (
	EventComplete = "complete"
	EventFailed   = "failed"
)

// Event is the outcome notice broadcast on the events channel
type Event struct {
	ID    int64  `json:"id"`
	Type  string `json:"type"`
	Event string `json:"event"`
	Error string `json:"error,omitempty"`
	// Worker is the WorkerID of the queue that ran the job
	Worker string `json:"worker,omitempty"`
}

func (q *Queue) broadcast(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		q.logger.Error("Failed to encode job event",
			slog.Int64("job_id", ev.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := q.conn.PubSub.Publish(ctx, q.opts.EventsChannel, string(payload)); err != nil {
		q.logger.Error("Failed to publish job event",
			slog.Int64("job_id", ev.ID),
			slog.String("event", ev.Event),
			slog.String("channel", q.opts.EventsChannel),
			slog.String("error", err.Error()),
		)
	}
}

// listen applies outcome events to the jobs this queue saved
func (q *Queue) listen() {
	defer close(q.listenerDone)

	for msg := range q.sub.C {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			q.logger.Warn("Ignoring malformed job event",
				slog.String("channel", msg.Channel),
				slog.String("error", err.Error()),
			)
			continue
		}
		q.applyEvent(ev)
	}
}

func (q *Queue) applyEvent(ev Event) {
	// wait for saves that may still be tracking this id
	q.saveMu.Lock()
	q.saveMu.Unlock()

	if ev.Event != EventComplete && ev.Event != EventFailed {
		return
	}

	job, ok := q.untrack(ev.ID)
	if !ok {
		return
	}

	// jobs this queue ran already reached its queue observers
	remote := ev.Worker != q.opts.WorkerID

	if ev.Event == EventComplete {
		if !job.transition(StateCompleted, "") {
			return
		}
		q.record(context.Background(), job, "")
		for _, fn := range job.completeObservers() {
			fn(job)
		}
		if remote {
			for _, fn := range q.completeObservers() {
				fn(job)
			}
		}
		return
	}

	if !job.transition(StateFailed, ev.Error) {
		return
	}
	q.record(context.Background(), job, "")

	procErr := &ProcessingError{JobID: ev.ID, Type: ev.Type, Err: reasonError(ev.Error)}
	for _, fn := range job.failedObservers() {
		fn(job, procErr)
	}
	if remote {
		for _, fn := range q.failedObservers() {
			fn(job, procErr)
		}
	}
}

// reasonError restores the sentinel a remote failure reason was built from
func reasonError(reason string) error {
	for _, sentinel := range []error{ErrStuckJob, ErrShutdown} {
		if strings.HasPrefix(reason, sentinel.Error()) {
			return &remoteError{reason: reason, sentinel: sentinel}
		}
	}
	return errors.New(reason)
}

type remoteError struct {
	reason   string
	sentinel error
}

func (e *remoteError) Error() string { return e.reason }

func (e *remoteError) Unwrap() error { return e.sentinel }
