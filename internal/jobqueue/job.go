package jobqueue

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"
)

// State is the lifecycle position of a job
type State string

const (
	StateCreated   State = "created"
	StateEnqueued  State = "enqueued"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// IsTerminal reports whether no further transition is possible
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

func (s State) rank() int {
	switch s {
	case StateCreated:
		return 0
	case StateEnqueued:
		return 1
	case StateActive:
		return 2
	case StateCompleted, StateFailed:
		return 3
	default:
		return -1
	}
}

// Job is a unit of work. Producers set Type and Data before Save; the
// queue owns everything else.
type Job struct {
	Type string
	Data map[string]any

	queue *Queue

	mu        sync.Mutex
	saving    bool
	id        int64
	state     State
	reason    string
	createdAt time.Time
	startedAt time.Time
	updatedAt time.Time

	onEnqueue  []func(id int64)
	onComplete []func(*Job)
	onFailed   []func(*Job, error)
}

func newJob(q *Queue, jobType string, data map[string]any) *Job {
	now := time.Now()
	return &Job{
		Type:      jobType,
		Data:      maps.Clone(data),
		queue:     q,
		state:     StateCreated,
		createdAt: now,
		updatedAt: now,
	}
}

// ID returns the id assigned on save, zero before that
func (j *Job) ID() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.id
}

// State returns the current lifecycle state
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Reason returns the failure reason of a failed job
func (j *Job) Reason() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.reason
}

// CreatedAt returns when the job was created
func (j *Job) CreatedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.createdAt
}

// UpdatedAt returns the time of the last state change
func (j *Job) UpdatedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.updatedAt
}

// Duration is the processing time of a finished job. It is zero unless this
// process ran the job.
func (j *Job) Duration() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.startedAt.IsZero() || !j.state.IsTerminal() {
		return 0
	}
	return j.updatedAt.Sub(j.startedAt)
}

// OnEnqueue runs fn with the assigned id once the job is saved
func (j *Job) OnEnqueue(fn func(id int64)) {
	j.mu.Lock()
	j.onEnqueue = append(j.onEnqueue, fn)
	j.mu.Unlock()
}

// OnComplete runs fn when a worker reports the job completed
func (j *Job) OnComplete(fn func(*Job)) {
	j.mu.Lock()
	j.onComplete = append(j.onComplete, fn)
	j.mu.Unlock()
}

// OnFailed runs fn with the failure when a worker reports the job failed
func (j *Job) OnFailed(fn func(*Job, error)) {
	j.mu.Lock()
	j.onFailed = append(j.onFailed, fn)
	j.mu.Unlock()
}

// Save enqueues the job on the queue that created it
func (j *Job) Save(ctx context.Context) (int64, error) {
	return j.queue.Save(ctx, j)
}

// beginSave claims the job for a single Save call
func (j *Job) beginSave() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.saving || j.state != StateCreated {
		return false
	}
	j.saving = true
	return true
}

func (j *Job) abortSave() {
	j.mu.Lock()
	j.saving = false
	j.mu.Unlock()
}

func (j *Job) enqueued(id int64) []func(int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.id = id
	j.state = StateEnqueued
	j.updatedAt = time.Now()
	return slices.Clone(j.onEnqueue)
}

// transition moves the job forward. Moves to an earlier or equal state
// are refused, which keeps terminal states final.
func (j *Job) transition(to State, reason string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if to.rank() <= j.state.rank() {
		return false
	}

	now := time.Now()
	if to == StateActive {
		j.startedAt = now
	}
	j.state = to
	j.reason = reason
	j.updatedAt = now
	return true
}

func (j *Job) completeObservers() []func(*Job) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.onComplete)
}

func (j *Job) failedObservers() []func(*Job, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.onFailed)
}
