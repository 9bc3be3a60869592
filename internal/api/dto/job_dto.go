package dto

type CreateJobRequest struct {
	Type string         `json:"type" binding:"required"`
	Data map[string]any `json:"data"`
}

type CreateJobResponse struct {
	ID    int64  `json:"id"`
	Type  string `json:"type"`
	State string `json:"state"`
}

type ListJobsRequest struct {
	Type     string `form:"type"`
	State    string `form:"state"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	ID        int64          `json:"id"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	State     string         `json:"state"`
	Error     string         `json:"error,omitempty"`
	WorkerID  string         `json:"worker_id,omitempty"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
}
