// Package metrics exposes queue and channel activity as Prometheus metrics
package metrics

import (
	"errors"

	"github.com/cuongbtq/queuing-system/internal/jobqueue"
	"github.com/cuongbtq/queuing-system/internal/pubsub"
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric name
const Namespace = "queue"

// Metrics holds the collectors. A nil *Metrics ignores every call.
type Metrics struct {
	jobsEnqueued      *prometheus.CounterVec
	jobsCompleted     *prometheus.CounterVec
	jobsFailed        *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	messagesPublished *prometheus.CounterVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		jobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Jobs saved to the queue",
		}, []string{"type"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "jobs_completed_total",
			Help:      "Jobs completed by this worker",
		}, []string{"type"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "jobs_failed_total",
			Help:      "Jobs failed by this worker",
		}, []string{"type"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from dequeue to done",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"type"}),
		messagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "messages_published_total",
			Help:      "Messages published on pub/sub channels",
		}, []string{"channel"}),
	}

	err := errors.Join(
		reg.Register(m.jobsEnqueued),
		reg.Register(m.jobsCompleted),
		reg.Register(m.jobsFailed),
		reg.Register(m.jobDuration),
		reg.Register(m.messagesPublished),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// ObserveQueue counts jobs saved and finished through q
func (m *Metrics) ObserveQueue(q *jobqueue.Queue) {
	if m == nil {
		return
	}

	q.OnEnqueue(func(j *jobqueue.Job) {
		m.jobsEnqueued.WithLabelValues(j.Type).Inc()
	})
	q.OnComplete(func(j *jobqueue.Job) {
		m.jobsCompleted.WithLabelValues(j.Type).Inc()
		m.observeDuration(j)
	})
	q.OnFailed(func(j *jobqueue.Job, _ error) {
		m.jobsFailed.WithLabelValues(j.Type).Inc()
		m.observeDuration(j)
	})
}

// observeDuration skips jobs that ran in another process
func (m *Metrics) observeDuration(j *jobqueue.Job) {
	if d := j.Duration(); d > 0 {
		m.jobDuration.WithLabelValues(j.Type).Observe(d.Seconds())
	}
}

// ObservePublisher counts messages published through p
func (m *Metrics) ObservePublisher(p *pubsub.Publisher) {
	if m == nil {
		return
	}

	p.OnPublish(func(msg pubsub.Message) {
		m.messagesPublished.WithLabelValues(msg.Channel).Inc()
	})
}
