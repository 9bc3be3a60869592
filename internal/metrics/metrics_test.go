package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuongbtq/queuing-system/internal/broker"
	"github.com/cuongbtq/queuing-system/internal/jobqueue"
	"github.com/cuongbtq/queuing-system/internal/pubsub"
	"github.com/cuongbtq/queuing-system/shared/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	reg := prometheus.NewRegistry()

	m, err := New(reg)
	require.NoError(t, err)
	require.NotNil(t, m)

	// a second registration of the same collectors fails
	_, err = New(reg)
	assert.Error(t, err)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveQueue(nil)
		m.ObservePublisher(nil)
	})
}

func TestObserveQueue(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	mem := broker.NewMemory()
	q, err := jobqueue.New(ctx, &broker.Conn{Jobs: mem, PubSub: mem}, jobqueue.Options{
		Logger:       logger.Discard(),
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close(ctx) })

	m.ObserveQueue(q)

	require.NoError(t, q.Process("push_notification_code", func(_ context.Context, job *jobqueue.Job, done jobqueue.Done) {
		if job.Data["fail"] == true {
			done(errors.New("boom"))
			return
		}
		done(nil)
	}))
	require.NoError(t, q.Start())

	finished := make(chan struct{}, 3)
	for _, fail := range []bool{false, false, true} {
		job := q.Create("push_notification_code", map[string]any{"fail": fail})
		job.OnComplete(func(*jobqueue.Job) { finished <- struct{}{} })
		job.OnFailed(func(*jobqueue.Job, error) { finished <- struct{}{} })
		_, err := job.Save(ctx)
		require.NoError(t, err)
	}

	for i := 0; i < 3; i++ {
		select {
		case <-finished:
		case <-time.After(2 * time.Second):
			t.Fatal("jobs did not finish")
		}
	}

	assert.Equal(t, 3.0, testutil.ToFloat64(m.jobsEnqueued.WithLabelValues("push_notification_code")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.jobsCompleted.WithLabelValues("push_notification_code")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsFailed.WithLabelValues("push_notification_code")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.jobDuration))
}

func TestObservePublisher(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	p := pubsub.New(broker.NewMemory(), logger.Discard())
	t.Cleanup(func() { p.Close() })
	m.ObservePublisher(p)

	require.NoError(t, p.Publish(ctx, "holberton school channel", "Holberton Student #1 starts course"))
	require.NoError(t, p.Publish(ctx, "holberton school channel", "Holberton Student #2 starts course"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.messagesPublished.WithLabelValues("holberton school channel")))
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)
	m.messagesPublished.WithLabelValues("c").Inc()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "queue_messages_published_total")
}
