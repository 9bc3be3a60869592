// Package jobqueue is a durable FIFO work queue on top of a broker.
//
// Producers Create and Save jobs; consumers register one Handler per job
// type with Process. Every saved job ends in exactly one of completed or
// failed, decided by the first Done call (or by the stuck-job timeout).
// Outcomes are broadcast on the events channel so the process that saved a
// job observes it even when another process ran it.
package jobqueue

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cuongbtq/queuing-system/internal/broker"
	"github.com/cuongbtq/queuing-system/internal/config"
	"github.com/cuongbtq/queuing-system/internal/jobqueue/storage"
	"github.com/google/uuid"
)

// Done reports the outcome of a job: nil completes it, anything else fails
// it. Only the first call counts; later calls return ErrAlreadyDone.
type Done func(err error) error

// Handler processes one job. It may call done after returning.
type Handler func(ctx context.Context, job *Job, done Done)

// Options tune a Queue
type Options struct {
	// EventsChannel carries job outcome events between processes
	EventsChannel string
	// Concurrency bounds the handlers running at once across all job types
	Concurrency int
	// PollInterval is the wait between dequeue attempts on an empty queue
	PollInterval time.Duration
	// JobTimeout force-fails a job whose handler has not called done. Zero disables it.
	JobTimeout time.Duration
	// Store, when set, records every state transition
	Store storage.Store
	// OutcomeTTL bounds how long a saved job waits for its outcome event
	// before the queue stops tracking it
	OutcomeTTL time.Duration
	// WorkerID identifies this process in job records. Generated when empty.
	WorkerID string
	Logger   *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.EventsChannel == "" {
		o.EventsChannel = "q:events"
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.OutcomeTTL <= 0 {
		o.OutcomeTTL = time.Hour
	}
	if o.WorkerID == "" {
		o.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// OptionsFromConfig maps the queue section of the configuration
func OptionsFromConfig(cfg *config.QueueConfig, logger *slog.Logger) Options {
	return Options{
		EventsChannel: cfg.EventsChannel,
		Concurrency:   cfg.Concurrency,
		PollInterval:  cfg.PollInterval,
		JobTimeout:    cfg.JobTimeout,
		OutcomeTTL:    cfg.OutcomeTTL,
		Logger:        logger,
	}
}

// Queue creates jobs and dispatches them to handlers
type Queue struct {
	conn   *broker.Conn
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	started    bool
	closed     bool
	handlers   map[string]Handler
	running    map[*execution]struct{}
	onEnqueue  []func(*Job)
	onComplete []func(*Job)
	onFailed   []func(*Job, error)

	// saveMu lets the event listener wait until in-flight saves have
	// tracked their ids, so an outcome is never seen before its job.
	saveMu    sync.RWMutex
	trackMu   sync.Mutex
	tracked   map[int64]trackedJob
	nextSweep time.Time

	sub          *broker.Subscription
	listenerDone chan struct{}

	slots        chan struct{}
	dispatchCtx  context.Context
	stopDispatch context.CancelFunc
	runCtx       context.Context
	abortRuns    context.CancelFunc
	dispatchers  sync.WaitGroup
	inflight     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// Dial connects the broker selected by cfg and binds a queue to it. An
// unreachable broker yields a *broker.ConnectionError.
func Dial(ctx context.Context, cfg *config.Config, opts Options) (*Queue, error) {
	opts.applyDefaults()

	conn, err := broker.Open(ctx, &cfg.Broker, cfg.Queue.Prefix, opts.Logger)
	if err != nil {
		return nil, err
	}

	q, err := New(ctx, conn, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return q, nil
}

// New binds a queue to an open connection and starts listening for job
// events. The queue owns conn from here on.
func New(ctx context.Context, conn *broker.Conn, opts Options) (*Queue, error) {
	opts.applyDefaults()

	sub, err := conn.PubSub.Subscribe(ctx, opts.EventsChannel)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to job events: %w", err)
	}

	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	runCtx, abortRuns := context.WithCancel(context.Background())

	q := &Queue{
		conn:         conn,
		opts:         opts,
		logger:       opts.Logger.With(slog.String("worker_id", opts.WorkerID)),
		handlers:     make(map[string]Handler),
		running:      make(map[*execution]struct{}),
		tracked:      make(map[int64]trackedJob),
		sub:          sub,
		listenerDone: make(chan struct{}),
		slots:        make(chan struct{}, opts.Concurrency),
		dispatchCtx:  dispatchCtx,
		stopDispatch: stopDispatch,
		runCtx:       runCtx,
		abortRuns:    abortRuns,
	}

	go q.listen()

	return q, nil
}

// WorkerID identifies this queue instance in job records
func (q *Queue) WorkerID() string {
	return q.opts.WorkerID
}

// OnReady runs fn once the broker connection is usable
func (q *Queue) OnReady(fn func()) {
	q.conn.Jobs.OnReady(fn)
}

// OnError runs fn for every connection-level broker error
func (q *Queue) OnError(fn func(error)) {
	q.conn.Jobs.OnError(fn)
	if any(q.conn.PubSub) != any(q.conn.Jobs) {
		q.conn.PubSub.OnError(fn)
	}
}

// OnEnqueue runs fn for every job saved through this queue
func (q *Queue) OnEnqueue(fn func(*Job)) {
	q.mu.Lock()
	q.onEnqueue = append(q.onEnqueue, fn)
	q.mu.Unlock()
}

// OnComplete runs fn for every job this queue's handlers completed and
// for every job saved through this queue that completed elsewhere
func (q *Queue) OnComplete(fn func(*Job)) {
	q.mu.Lock()
	q.onComplete = append(q.onComplete, fn)
	q.mu.Unlock()
}

// OnFailed runs fn for every job this queue's handlers failed and for
// every job saved through this queue that failed elsewhere
func (q *Queue) OnFailed(fn func(*Job, error)) {
	q.mu.Lock()
	q.onFailed = append(q.onFailed, fn)
	q.mu.Unlock()
}

func (q *Queue) completeObservers() []func(*Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.onComplete)
}

func (q *Queue) failedObservers() []func(*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.onFailed)
}

// Create returns a job in the created state. Nothing is enqueued until Save.
func (q *Queue) Create(jobType string, data map[string]any) *Job {
	return newJob(q, jobType, data)
}

// Save enqueues job and assigns its id. On failure it returns a *SaveError
// and the job stays created, so it may be saved again.
func (q *Queue) Save(ctx context.Context, job *Job) (int64, error) {
	if !job.beginSave() {
		return 0, ErrAlreadySaved
	}

	if q.isClosed() {
		job.abortSave()
		return 0, &SaveError{Type: job.Type, Err: ErrQueueClosed}
	}

	q.saveMu.RLock()
	id, err := q.conn.Jobs.Enqueue(ctx, job.Type, job.Data)
	if err != nil {
		q.saveMu.RUnlock()
		job.abortSave()

		q.logger.Error("Failed to save job",
			slog.String("job_type", job.Type),
			slog.String("error", err.Error()),
		)
		return 0, &SaveError{Type: job.Type, Err: err}
	}

	observers := job.enqueued(id)
	q.track(job)
	q.saveMu.RUnlock()

	q.logger.Info("Job enqueued",
		slog.Int64("job_id", id),
		slog.String("job_type", job.Type),
	)

	q.record(ctx, job, "")

	for _, fn := range observers {
		fn(id)
	}

	q.mu.Lock()
	queueObservers := slices.Clone(q.onEnqueue)
	q.mu.Unlock()
	for _, fn := range queueObservers {
		fn(job)
	}

	return id, nil
}

// Process registers handler for jobType. Jobs are dispatched once the
// queue is started.
func (q *Queue) Process(jobType string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if _, ok := q.handlers[jobType]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerExists, jobType)
	}

	q.handlers[jobType] = handler
	if q.started {
		q.spawnDispatcher(jobType, handler)
	}
	return nil
}

// Start dispatches jobs to the registered handlers. Handlers registered
// later start dispatching immediately.
func (q *Queue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if q.started {
		return nil
	}
	q.started = true

	q.logger.Info("Starting job dispatch",
		slog.Int("concurrency", q.opts.Concurrency),
		slog.Int("handler_count", len(q.handlers)),
	)

	for jobType, handler := range q.handlers {
		q.spawnDispatcher(jobType, handler)
	}
	return nil
}

// Close stops dispatching, waits for running handlers until ctx is done,
// fails whatever is still running and releases the broker connection.
// Extra calls return the first result.
func (q *Queue) Close(ctx context.Context) error {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()

		q.logger.Info("Closing job queue")

		q.stopDispatch()
		q.dispatchers.Wait()

		drained := make(chan struct{})
		go func() {
			q.inflight.Wait()
			close(drained)
		}()

		select {
		case <-drained:
		case <-ctx.Done():
			q.logger.Warn("Shutdown deadline exceeded, failing running jobs")
			q.abortRuns()
			for _, exec := range q.runningExecutions() {
				_ = q.settle(exec, ErrShutdown)
			}
			<-drained
		}
		q.abortRuns()

		q.sub.Close()
		<-q.listenerDone

		q.closeErr = q.conn.Close()
		q.logger.Info("Job queue closed")
	})
	return q.closeErr
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

type trackedJob struct {
	job     *Job
	expires time.Time
}

// track keeps job until its outcome event arrives or OutcomeTTL passes.
// Expired entries are swept at most once per OutcomeTTL.
func (q *Queue) track(job *Job) {
	now := time.Now()

	q.trackMu.Lock()
	defer q.trackMu.Unlock()

	if !now.Before(q.nextSweep) {
		for id, t := range q.tracked {
			if now.After(t.expires) {
				delete(q.tracked, id)
				q.logger.Debug("Stopped waiting for job outcome",
					slog.Int64("job_id", id),
					slog.String("job_type", t.job.Type),
				)
			}
		}
		q.nextSweep = now.Add(q.opts.OutcomeTTL)
	}

	q.tracked[job.id] = trackedJob{job: job, expires: now.Add(q.opts.OutcomeTTL)}
}

func (q *Queue) untrack(id int64) (*Job, bool) {
	q.trackMu.Lock()
	defer q.trackMu.Unlock()
	t, ok := q.tracked[id]
	delete(q.tracked, id)
	return t.job, ok
}

func (q *Queue) trackedCount() int {
	q.trackMu.Lock()
	defer q.trackMu.Unlock()
	return len(q.tracked)
}

// record writes the job to the store; store failures never affect the job
func (q *Queue) record(ctx context.Context, job *Job, workerID string) {
	if q.opts.Store == nil {
		return
	}

	job.mu.Lock()
	rec := &storage.Record{
		ID:        job.id,
		Type:      job.Type,
		Data:      job.Data,
		State:     string(job.state),
		Error:     job.reason,
		WorkerID:  workerID,
		CreatedAt: job.createdAt,
		UpdatedAt: job.updatedAt,
	}
	job.mu.Unlock()

	if err := q.opts.Store.Save(ctx, rec); err != nil {
		q.logger.Warn("Failed to record job state",
			slog.Int64("job_id", rec.ID),
			slog.String("state", rec.State),
			slog.String("error", err.Error()),
		)
	}
}
