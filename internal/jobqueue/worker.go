package jobqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/queuing-system/internal/broker"
)

// settleTimeout bounds the broker calls made when a job finishes
const settleTimeout = 5 * time.Second

// execution is one handler run
type execution struct {
	job     *Job
	decided atomic.Bool
	settled chan struct{}
}

// spawnDispatcher starts the FIFO dispatch loop of one job type. Callers hold q.mu.
func (q *Queue) spawnDispatcher(jobType string, handler Handler) {
	q.dispatchers.Add(1)
	go q.dispatch(jobType, handler)
}

// dispatch pulls jobs of one type in order and hands each to a free slot
func (q *Queue) dispatch(jobType string, handler Handler) {
	defer q.dispatchers.Done()

	ctx := q.dispatchCtx
	logger := q.logger.With(slog.String("job_type", jobType))
	logger.Info("Dispatcher started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("Dispatcher stopping - context canceled")
			return
		case q.slots <- struct{}{}:
		}

		d, ok, err := q.conn.Jobs.Dequeue(ctx, jobType)
		if err != nil || !ok {
			<-q.slots

			if ctx.Err() != nil {
				logger.Info("Dispatcher stopping - context canceled")
				return
			}
			if err != nil {
				logger.Error("Failed to dequeue job",
					slog.String("error", err.Error()),
				)
			}

			select {
			case <-ctx.Done():
				logger.Info("Dispatcher stopping - context canceled")
				return
			case <-time.After(q.opts.PollInterval):
			}
			continue
		}

		q.inflight.Add(1)
		go q.execute(d, handler)
	}
}

// execute runs handler for one delivery and returns once its outcome is decided
func (q *Queue) execute(d *broker.Delivery, handler Handler) {
	defer q.inflight.Done()
	defer func() { <-q.slots }()

	job := newJob(q, d.Type, d.Data)
	job.id = d.ID
	job.state = StateEnqueued
	if !d.CreatedAt.IsZero() {
		job.createdAt = d.CreatedAt
	}
	job.transition(StateActive, "")

	exec := &execution{job: job, settled: make(chan struct{})}

	q.mu.Lock()
	q.running[exec] = struct{}{}
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.running, exec)
		q.mu.Unlock()
	}()

	q.logger.Info("Processing job",
		slog.Int64("job_id", d.ID),
		slog.String("job_type", d.Type),
	)
	q.record(q.runCtx, job, q.opts.WorkerID)

	ctx, cancel := context.WithCancel(q.runCtx)
	defer cancel()

	if timeout := q.opts.JobTimeout; timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()

		timer := time.AfterFunc(timeout, func() {
			_ = q.settle(exec, fmt.Errorf("%w after %s", ErrStuckJob, timeout))
		})
		defer timer.Stop()
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				_ = q.settle(exec, fmt.Errorf("handler panicked: %v", r))
			}
		}()

		handler(ctx, job, func(err error) error {
			return q.settle(exec, err)
		})
	}()

	<-exec.settled
}

// settle decides the job outcome exactly once
func (q *Queue) settle(exec *execution, jobErr error) error {
	job := exec.job

	if !exec.decided.CompareAndSwap(false, true) {
		q.logger.Warn("Done called for a finished job",
			slog.Int64("job_id", job.id),
			slog.String("job_type", job.Type),
			slog.String("state", string(job.State())),
		)
		return ErrAlreadyDone
	}
	defer close(exec.settled)

	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	if jobErr == nil {
		q.complete(ctx, job)
		return nil
	}

	q.fail(ctx, job, jobErr)
	return nil
}

func (q *Queue) complete(ctx context.Context, job *Job) {
	if err := q.conn.Jobs.Ack(ctx, job.id); err != nil {
		q.logger.Error("Failed to mark job completed in broker",
			slog.Int64("job_id", job.id),
			slog.String("job_type", job.Type),
			slog.String("error", err.Error()),
		)
	}

	job.transition(StateCompleted, "")

	q.logger.Info("Job completed successfully",
		slog.Int64("job_id", job.id),
		slog.String("job_type", job.Type),
		slog.Duration("duration", job.Duration()),
	)

	q.record(ctx, job, q.opts.WorkerID)

	for _, fn := range q.completeObservers() {
		fn(job)
	}

	q.broadcast(ctx, Event{ID: job.id, Type: job.Type, Event: EventComplete, Worker: q.opts.WorkerID})
}

func (q *Queue) fail(ctx context.Context, job *Job, jobErr error) {
	procErr := &ProcessingError{JobID: job.id, Type: job.Type, Err: jobErr}
	reason := jobErr.Error()

	if err := q.conn.Jobs.Nack(ctx, job.id, reason); err != nil {
		q.logger.Error("Failed to mark job failed in broker",
			slog.Int64("job_id", job.id),
			slog.String("job_type", job.Type),
			slog.String("error", err.Error()),
		)
	}

	job.transition(StateFailed, reason)

	q.logger.Error("Job processing failed",
		slog.Int64("job_id", job.id),
		slog.String("job_type", job.Type),
		slog.String("error", reason),
	)

	q.record(ctx, job, q.opts.WorkerID)

	for _, fn := range q.failedObservers() {
		fn(job, procErr)
	}

	q.broadcast(ctx, Event{ID: job.id, Type: job.Type, Event: EventFailed, Error: reason, Worker: q.opts.WorkerID})
}

func (q *Queue) runningExecutions() []*execution {
	q.mu.Lock()
	defer q.mu.Unlock()

	execs := make([]*execution, 0, len(q.running))
	for exec := range q.running {
		execs = append(execs, exec)
	}
	return execs
}
