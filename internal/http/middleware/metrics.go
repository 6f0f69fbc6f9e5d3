// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file exposes Prometheus instrumentation for HTTP traffic. Labels are
// the method, the registered Gin route (never the raw URL, except for
// unmatched requests) and the status code, which keeps cardinality bounded.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics holds the HTTP collectors.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	inflight prometheus.Gauge
	reqSize  *prometheus.HistogramVec
	respSize *prometheus.HistogramVec
}

// NewHTTPMetrics creates the collectors and registers them with reg
// (prometheus.DefaultRegisterer when nil). Registration errors panic.
func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &HTTPMetrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		// Uploads run transforms and two object-store puts, so buckets reach
		// well past the default 10s.
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds.",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"method", "path"},
		),
		inflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_inflight",
				Help: "Current number of in-flight HTTP requests.",
			},
		),
		reqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_size_bytes",
				Help:    "Size of HTTP request bodies in bytes, when known.",
				Buckets: prometheus.ExponentialBuckets(1<<10, 4, 9), // 1KiB..64MiB
			},
			[]string{"method", "path"},
		),
		respSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "http_response_size_bytes",
				Help: "Size of HTTP responses in bytes.",
				Buckets: []float64{
					200, 500, 1 << 10, 2 << 10, 5 << 10,
					10 << 10, 25 << 10, 50 << 10,
					100 << 10, 250 << 10, 500 << 10,
					1 << 20,
				},
			},
			[]string{"method", "path"},
		),
	}
	reg.MustRegister(m.requests, m.latency, m.inflight, m.reqSize, m.respSize)
	return m
}

// Handler returns the instrumenting middleware.
func (m *HTTPMetrics) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		m.inflight.Inc()
		defer m.inflight.Dec()

		c.Next()

		path := routeOf(c)
		method := c.Request.Method

		m.requests.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.latency.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		if n := c.Request.ContentLength; n > 0 {
			m.reqSize.WithLabelValues(method, path).Observe(float64(n))
		}
		// Size is -1 when nothing was written.
		if size := c.Writer.Size(); size >= 0 {
			m.respSize.WithLabelValues(method, path).Observe(float64(size))
		}
	}
}
