package services

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Pipeline outcome labels.
const (
	outcomeOK         = "ok"
	outcomeValidation = "validation"
	outcomeTransform  = "transform"
	outcomeUpload     = "upload"
	outcomeNotFound   = "not_found"
	outcomeWarning    = "warning"
	outcomeError      = "error"
)

// Metrics holds the pipeline collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	pipeline      *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	compensation  prometheus.Counter
	cleanupTasks  *prometheus.CounterVec
	pending       prometheus.Gauge
}

// MustNewMetrics creates the collectors and registers them with reg. Tests
// pass a fresh prometheus.NewRegistry(). Registration errors panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		pipeline: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "impulse_pipeline_total",
				Help: "Create/delete pipeline runs by operation and outcome.",
			},
			[]string{"op", "outcome"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "impulse_stage_duration_seconds",
				Help:    "Time spent in each pipeline stage.",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"stage"},
		),
		compensation: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "impulse_compensation_failures_total",
				Help: "Compensating metadata deletes that failed and left a record referencing missing objects.",
			},
		),
		cleanupTasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "impulse_cleanup_tasks_total",
				Help: "Cleanup task events by kind and outcome (enqueued, done, retry).",
			},
			[]string{"kind", "outcome"},
		),
		pending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "impulse_cleanup_pending",
				Help: "Cleanup tasks still open after the last reconcile pass.",
			},
		),
	}
	reg.MustRegister(m.pipeline, m.stageDuration, m.compensation, m.cleanupTasks, m.pending)
	return m
}

func (m *Metrics) observePipeline(op, outcome string) {
	if m == nil {
		return
	}
	m.pipeline.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) observeStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) incCompensationFailure() {
	if m == nil {
		return
	}
	m.compensation.Inc()
}

func (m *Metrics) observeCleanup(kind, outcome string) {
	if m == nil {
		return
	}
	m.cleanupTasks.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) setPending(n int64) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}
