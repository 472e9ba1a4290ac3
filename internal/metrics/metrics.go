// Package metrics exposes queue and pipeline counters for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shensi8312/design-institute-platform-sub001/internal/jobs"
)

const namespace = "docpipeline"

// Collector holds the pipeline metrics. Register it once per registry.
type Collector struct {
	registry prometheus.Gatherer

	jobsEnqueued  prometheus.Counter
	jobsStarted   prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    *prometheus.CounterVec
	jobsStalled   prometheus.Counter
	jobLatency    prometheus.Histogram
	queueDepth    *prometheus.GaugeVec
	stageDuration *prometheus.HistogramVec
}

// NewCollector creates the metrics and registers them with reg. A nil
// reg gets a private registry.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		registry: reg,
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Total number of processing jobs submitted",
		}),
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_attempts_total",
			Help:      "Total number of job attempts started",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Total number of jobs completed",
		}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_failures_total",
			Help:      "Total number of failed job attempts by outcome",
		}, []string{"outcome"}),
		jobsStalled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_stalled_total",
			Help:      "Total number of jobs found active after a restart",
		}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_attempt_seconds",
			Help:      "Duration of job attempts in seconds",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_jobs",
			Help:      "Current number of queue entries by status",
		}, []string{"status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 180},
		}, []string{"stage", "outcome"}),
	}

	reg.MustRegister(
		c.jobsEnqueued,
		c.jobsStarted,
		c.jobsCompleted,
		c.jobsFailed,
		c.jobsStalled,
		c.jobLatency,
		c.queueDepth,
		c.stageDuration,
	)
	return c
}

// HandleJobEvent is a jobs.Listener.
func (c *Collector) HandleJobEvent(ev jobs.Event) {
	switch ev.Type {
	case jobs.EventWaiting:
		// delayed retries come back as waiting too
		if ev.Job.AttemptsMade == 0 {
			c.jobsEnqueued.Inc()
		}
	case jobs.EventActive:
		c.jobsStarted.Inc()
	case jobs.EventCompleted:
		c.jobsCompleted.Inc()
		c.observeLatency(ev)
	case jobs.EventFailed:
		outcome := "rejected"
		switch {
		case ev.WillRetry:
			outcome = "retry"
		case ev.Exhausted:
			outcome = "exhausted"
		}
		c.jobsFailed.WithLabelValues(outcome).Inc()
		c.observeLatency(ev)
	case jobs.EventStalled:
		c.jobsStalled.Inc()
	}
}

func (c *Collector) observeLatency(ev jobs.Event) {
	if ev.Job.StartedAt.IsZero() {
		return
	}
	end := ev.Time
	if end.IsZero() {
		end = time.Now()
	}
	c.jobLatency.Observe(end.Sub(ev.Job.StartedAt).Seconds())
}

// UpdateQueueStats records a snapshot of the queue counts.
func (c *Collector) UpdateQueueStats(counts jobs.Counts) {
	c.queueDepth.WithLabelValues(string(jobs.StatusWaiting)).Set(float64(counts.Waiting))
	c.queueDepth.WithLabelValues(string(jobs.StatusActive)).Set(float64(counts.Active))
	c.queueDepth.WithLabelValues(string(jobs.StatusCompleted)).Set(float64(counts.Completed))
	c.queueDepth.WithLabelValues(string(jobs.StatusFailed)).Set(float64(counts.Failed))
	c.queueDepth.WithLabelValues(string(jobs.StatusDelayed)).Set(float64(counts.Delayed))
}

// ObserveStage records how long a pipeline stage took.
func (c *Collector) ObserveStage(stage string, success bool, d time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	c.stageDuration.WithLabelValues(stage, outcome).Observe(d.Seconds())
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
