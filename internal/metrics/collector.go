// Package metrics exposes Prometheus counters for the grading pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the grader's metrics.
type Collector struct {
	// Scheduler metrics
	QueueDepth     *prometheus.GaugeVec
	JobsDispatched *prometheus.CounterVec
	JobsSettled    *prometheus.CounterVec
	JobsRequeued   prometheus.Counter
	JobDuration    *prometheus.HistogramVec
	WorkerStates   *prometheus.GaugeVec

	// Scoring metrics
	ResultsScored prometheus.Counter

	// Ranking proxy metrics
	RankingQueueLength *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewCollector builds and registers the grader metrics on a private registry,
// so tests can build as many collectors as they like.
func NewCollector() *Collector {
	c := &Collector{
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "grader_queue_depth",
				Help: "Queued operations per priority band",
			},
			[]string{"priority"},
		),

		JobsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grader_jobs_dispatched_total",
				Help: "Jobs handed to workers",
			},
			[]string{"type"},
		),

		JobsSettled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grader_jobs_settled_total",
				Help: "Job results committed to the database",
			},
			[]string{"type", "success"},
		),

		JobsRequeued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "grader_jobs_requeued_total",
				Help: "Jobs requeued after a worker was lost",
			},
		),

		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "grader_job_duration_seconds",
				Help:    "Wall time of one job, dispatch to settle",
				Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"type"},
		),

		WorkerStates: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "grader_workers",
				Help: "Workers per scheduling state",
			},
			[]string{"state"},
		),

		ResultsScored: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "grader_results_scored_total",
				Help: "Submission results scored",
			},
		),

		RankingQueueLength: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "grader_ranking_queue_length",
				Help: "Operations waiting per ranking endpoint",
			},
			[]string{"endpoint"},
		),
	}

	c.registry = prometheus.NewRegistry()
	c.registry.MustRegister(
		c.QueueDepth,
		c.JobsDispatched,
		c.JobsSettled,
		c.JobsRequeued,
		c.JobDuration,
		c.WorkerStates,
		c.ResultsScored,
		c.RankingQueueLength,
	)

	return c
}

// Handler returns the HTTP handler serving the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
