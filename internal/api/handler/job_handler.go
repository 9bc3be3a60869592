package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cuongbtq/queuing-system/internal/api/dto"
	"github.com/cuongbtq/queuing-system/internal/jobqueue"
	"github.com/cuongbtq/queuing-system/internal/jobqueue/storage"
	"github.com/gin-gonic/gin"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateJob handles POST /api/v1/jobs
// Creates a job and saves it to the queue
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	job := h.queue.Create(req.Type, req.Data)
	id, err := job.Save(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to save job",
			slog.String("job_type", req.Type),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Failed to save job",
		})
		return
	}

	c.JSON(http.StatusCreated, dto.CreateJobResponse{
		ID:    id,
		Type:  job.Type,
		State: string(jobqueue.StateEnqueued),
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
// Retrieves the recorded state of a job
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, err := strconv.ParseInt(c.Param("job_id"), 10, 64)
	if err != nil || jobID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a positive integer",
		})
		return
	}

	rec, err := h.store.Get(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, storage.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}

		h.logger.Error("Failed to get job",
			slog.Int64("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, toJobDTO(rec))
}

// ListJobs handles GET /api/v1/jobs
// Lists job records with optional filtering and keyset pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.State != "" && !validState(req.State) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Unknown job state",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	afterID, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	// one extra record tells whether another page exists
	records, err := h.store.List(c.Request.Context(), storage.Filter{
		Type:    req.Type,
		State:   req.State,
		AfterID: afterID,
		Limit:   req.PageSize + 1,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(records) > req.PageSize
	if hasMore {
		records = records[:req.PageSize]
	}

	jobs := make([]dto.JobDTO, len(records))
	for i := range records {
		jobs[i] = toJobDTO(&records[i])
	}

	var nextCursor string
	if hasMore {
		nextCursor = EncodeJobCursor(records[len(records)-1].ID)
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobs,
		NextCursor: nextCursor,
	})
}

func validState(s string) bool {
	switch jobqueue.State(s) {
	case jobqueue.StateCreated, jobqueue.StateEnqueued, jobqueue.StateActive,
		jobqueue.StateCompleted, jobqueue.StateFailed:
		return true
	default:
		return false
	}
}

func toJobDTO(rec *storage.Record) dto.JobDTO {
	return dto.JobDTO{
		ID:        rec.ID,
		Type:      rec.Type,
		Data:      rec.Data,
		State:     rec.State,
		Error:     rec.Error,
		WorkerID:  rec.WorkerID,
		CreatedAt: rec.CreatedAt.Format(time.RFC3339),
		UpdatedAt: rec.UpdatedAt.Format(time.RFC3339),
	}
}
