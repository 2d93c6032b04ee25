// Package metrics exposes Prometheus collectors for the credit service.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace        = "creditledger"
	metricsPath      = "/metrics"
	unmatchedRoute   = "unmatched"
	sweepStatusOK    = "ok"
	sweepStatusError = "error"
)

// Metrics owns a registry and the collectors registered on it.
type Metrics struct {
	Registry *prometheus.Registry

	operations    *prometheus.CounterVec
	decisions     *prometheus.CounterVec
	sweepRuns     *prometheus.CounterVec
	sweepFailures prometheus.Counter
	sweepDuration prometheus.Histogram

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New builds a Metrics instance with its own registry, including process and Go runtime collectors.
func New() *Metrics {
	metrics := &Metrics{
		Registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "credits",
				Name:      "operations_total",
				Help:      "Total number of credit operations by outcome.",
			},
			[]string{"operation", "status"},
		),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "credits",
				Name:      "allocation_decisions_total",
				Help:      "Allocation calls by credit type and allocator decision.",
			},
			[]string{"credit_type", "decision"},
		),
		sweepRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sweep",
				Name:      "runs_total",
				Help:      "Scheduled allocation sweeps by outcome.",
			},
			[]string{"status"},
		),
		sweepFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sweep",
				Name:      "failed_allocations_total",
				Help:      "Schedules a sweep could not process.",
			},
		),
		sweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "sweep",
				Name:      "duration_seconds",
				Help:      "Duration of scheduled allocation sweeps.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
		),
		httpInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "inflight_requests",
				Help:      "Current number of in-flight HTTP requests.",
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests handled.",
			},
			[]string{"method", "path", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
			},
			[]string{"method", "path"},
		),
	}
	metrics.Registry.MustRegister(
		metrics.operations,
		metrics.decisions,
		metrics.sweepRuns,
		metrics.sweepFailures,
		metrics.sweepDuration,
		metrics.httpInFlight,
		metrics.httpRequests,
		metrics.httpDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return metrics
}

// Handler returns an HTTP handler exposing the registered collectors.
func (metrics *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})
}

// LogOperation implements credits.OperationLogger.
func (metrics *Metrics) LogOperation(_ context.Context, entry credits.OperationLog) {
	metrics.operations.WithLabelValues(entry.Operation, entry.Status).Inc()
	if entry.Decision != "" {
		metrics.decisions.WithLabelValues(entry.CreditType.String(), string(entry.Decision)).Inc()
	}
}

// RecordSweep records one ProcessPendingAllocations run.
func (metrics *Metrics) RecordSweep(result credits.SweepResult, duration time.Duration, err error) {
	status := sweepStatusOK
	if err != nil {
		status = sweepStatusError
	}
	if duration <= 0 {
		duration = time.Millisecond
	}
	metrics.sweepRuns.WithLabelValues(status).Inc()
	metrics.sweepFailures.Add(float64(result.Failed()))
	metrics.sweepDuration.Observe(duration.Seconds())
}

// GinMiddleware records request counts and latency by route template.
func (metrics *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == metricsPath {
			c.Next()
			return
		}
		start := time.Now()
		metrics.httpInFlight.Inc()
		defer metrics.httpInFlight.Dec()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = unmatchedRoute
		}
		method := strings.ToUpper(c.Request.Method)
		metrics.httpRequests.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
