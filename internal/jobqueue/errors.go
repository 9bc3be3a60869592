package jobqueue

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadySaved is returned when saving a job that was saved before
	ErrAlreadySaved = errors.New("job already saved")

	// ErrHandlerExists is returned when a second handler is registered for a job type
	ErrHandlerExists = errors.New("handler already registered for job type")

	// ErrAlreadyDone is returned by Done once the job outcome is decided
	ErrAlreadyDone = errors.New("job already done")

	// ErrStuckJob fails a job whose handler did not call Done within the job timeout
	ErrStuckJob = errors.New("job timed out before done was called")

	// ErrShutdown fails jobs still running when the queue shutdown deadline passes
	ErrShutdown = errors.New("queue shut down before job finished")

	// ErrQueueClosed is returned by operations on a closed queue
	ErrQueueClosed = errors.New("queue closed")
)

// SaveError reports a job the broker refused to persist. The job stays in
// the created state and keeps no id.
type SaveError struct {
	Type string
	Err  error
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("failed to save %s job: %v", e.Type, e.Err)
}

func (e *SaveError) Unwrap() error {
	return e.Err
}

// ProcessingError carries the reason a job failed
type ProcessingError struct {
	JobID int64
	Type  string
	Err   error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("job %d (%s) failed: %v", e.JobID, e.Type, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}
