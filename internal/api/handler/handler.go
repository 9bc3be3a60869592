package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/queuing-system/internal/jobqueue"
	"github.com/cuongbtq/queuing-system/internal/jobqueue/storage"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger *slog.Logger
	Queue  *jobqueue.Queue
	Store  storage.Store
	// HealthCheck reports backing store health. Optional.
	HealthCheck func(ctx context.Context) error
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger *slog.Logger
	queue  *jobqueue.Queue
	store  storage.Store
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		queue:  deps.Queue,
		store:  deps.Store,
	}
}
