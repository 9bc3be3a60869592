package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuongbtq/queuing-system/internal/api/dto"
	"github.com/cuongbtq/queuing-system/internal/api/handler"
	"github.com/cuongbtq/queuing-system/internal/broker"
	"github.com/cuongbtq/queuing-system/internal/jobqueue"
	"github.com/cuongbtq/queuing-system/internal/jobqueue/storage"
	"github.com/cuongbtq/queuing-system/internal/metrics"
	"github.com/cuongbtq/queuing-system/shared/logger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testAPI struct {
	router *gin.Engine
	queue  *jobqueue.Queue
	store  *storage.MemoryStore
	broker *broker.Memory
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	ctx := context.Background()
	store := storage.NewMemoryStore()
	mem := broker.NewMemory()

	q, err := jobqueue.New(ctx, &broker.Conn{Jobs: mem, PubSub: mem}, jobqueue.Options{
		Logger:       logger.Discard(),
		PollInterval: 5 * time.Millisecond,
		Store:        store,
	})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close(ctx) })

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	m.ObserveQueue(q)

	r := SetupRouter(&handler.Dependencies{
		Logger: logger.Discard(),
		Queue:  q,
		Store:  store,
	}, reg)

	return &testAPI{router: r, queue: q, store: store, broker: mem}
}

func (a *testAPI) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}

func TestHealth_Unhealthy(t *testing.T) {
	api := newTestAPI(t)

	r := SetupRouter(&handler.Dependencies{
		Logger:      logger.Discard(),
		Queue:       api.queue,
		Store:       api.store,
		HealthCheck: func(context.Context) error { return errors.New("database health check failed") },
	}, nil)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestIDPropagates(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)

	assert.Equal(t, "req-123", rec.Header().Get(RequestIDHeader))
}

func TestCreateJob(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		wantStatus int
	}{
		{
			name: "valid",
			body: dto.CreateJobRequest{
				Type: "push_notification_code",
				Data: map[string]any{"phoneNumber": "0123456789", "message": "Hey, this is from the job creator!"},
			},
			wantStatus: http.StatusCreated,
		},
		{
			name:       "missing type",
			body:       map[string]any{"data": map[string]any{}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed",
			body:       "not an object",
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI(t)

			rec := api.do(http.MethodPost, "/api/v1/jobs", tt.body)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			if tt.wantStatus != http.StatusCreated {
				return
			}

			var resp dto.CreateJobResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, int64(1), resp.ID)
			assert.Equal(t, "enqueued", resp.State)
			assert.Equal(t, 1, api.broker.Waiting("push_notification_code"))
		})
	}
}

func TestCreateJob_BrokerDown(t *testing.T) {
	api := newTestAPI(t)
	require.NoError(t, api.broker.Close())

	rec := api.do(http.MethodPost, "/api/v1/jobs", dto.CreateJobRequest{Type: "push_notification_code"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetJob(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodPost, "/api/v1/jobs", dto.CreateJobRequest{
		Type: "push_notification_code",
		Data: map[string]any{"phoneNumber": "0123456789"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{name: "found", path: "/api/v1/jobs/1", wantStatus: http.StatusOK},
		{name: "not found", path: "/api/v1/jobs/99", wantStatus: http.StatusNotFound},
		{name: "not a number", path: "/api/v1/jobs/abc", wantStatus: http.StatusBadRequest},
		{name: "zero", path: "/api/v1/jobs/0", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}

	rec = api.do(http.MethodGet, "/api/v1/jobs/1", nil)
	var job dto.JobDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, "enqueued", job.State)
	assert.Equal(t, "0123456789", job.Data["phoneNumber"])
}

func TestGetJob_AfterProcessing(t *testing.T) {
	api := newTestAPI(t)

	require.NoError(t, api.queue.Process("push_notification_code", func(_ context.Context, _ *jobqueue.Job, done jobqueue.Done) {
		done(errors.New("Phone number 4153518780 is blacklisted"))
	}))
	require.NoError(t, api.queue.Start())

	rec := api.do(http.MethodPost, "/api/v1/jobs", dto.CreateJobRequest{Type: "push_notification_code"})
	require.Equal(t, http.StatusCreated, rec.Code)

	require.Eventually(t, func() bool {
		rec := api.do(http.MethodGet, "/api/v1/jobs/1", nil)
		var job dto.JobDTO
		if json.Unmarshal(rec.Body.Bytes(), &job) != nil {
			return false
		}
		return job.State == "failed" && job.Error == "Phone number 4153518780 is blacklisted"
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		rec := api.do(http.MethodGet, "/metrics", nil)
		return rec.Code == http.StatusOK &&
			bytes.Contains(rec.Body.Bytes(), []byte(`queue_jobs_failed_total{type="push_notification_code"} 1`))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestListJobs(t *testing.T) {
	api := newTestAPI(t)

	for i := 0; i < 5; i++ {
		jobType := "push_notification_code"
		if i == 4 {
			jobType = "email"
		}
		rec := api.do(http.MethodPost, "/api/v1/jobs", dto.CreateJobRequest{Type: jobType})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	list := func(query string) dto.ListJobsResponse {
		rec := api.do(http.MethodGet, "/api/v1/jobs"+query, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var resp dto.ListJobsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return resp
	}

	all := list("")
	assert.Len(t, all.Jobs, 5)
	assert.Empty(t, all.NextCursor)

	byType := list("?type=email")
	require.Len(t, byType.Jobs, 1)
	assert.Equal(t, int64(5), byType.Jobs[0].ID)

	page1 := list("?page_size=2")
	require.Len(t, page1.Jobs, 2)
	require.NotEmpty(t, page1.NextCursor)
	assert.Equal(t, int64(1), page1.Jobs[0].ID)

	page2 := list("?page_size=2&cursor=" + page1.NextCursor)
	require.Len(t, page2.Jobs, 2)
	assert.Equal(t, int64(3), page2.Jobs[0].ID)

	page3 := list("?page_size=2&cursor=" + page2.NextCursor)
	require.Len(t, page3.Jobs, 1)
	assert.Empty(t, page3.NextCursor)

	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodGet, "/api/v1/jobs?cursor=!!!", nil).Code)
	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodGet, "/api/v1/jobs?state=bogus", nil).Code)
	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodGet, "/api/v1/jobs?page_size=abc", nil).Code)
}

func TestCORSPreflight(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodOptions, "/api/v1/jobs", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
