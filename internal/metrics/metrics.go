// Package metrics exposes the /metrics Prometheus exposition named in
// spec §6 ("a text/plain counter exposition: requests, errors, per-
// operation duration sums").
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

// Metrics bundles the counters and histograms exposed at /metrics. Only
// the supervisor tick reports into it (SupervisorTickDuration,
// FallbackRunsActive); nothing increments RequestsTotal, ErrorsTotal,
// OperationDuration or TriggerJobsProcessed.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	TriggerJobsProcessed   *prometheus.CounterVec
	SupervisorTickDuration prometheus.Histogram
	FallbackRunsActive     prometheus.Gauge

	registry *prometheus.Registry
}

// New registers and returns a Metrics set on a dedicated registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_bridge_requests_total",
			Help: "Total dispatcher requests by operation.",
		}, []string{"operation"}),
		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_bridge_errors_total",
			Help: "Total dispatcher errors by operation and wire error code.",
		}, []string{"operation", "code"}),
		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agent_bridge_operation_duration_seconds",
			Help:    "Dispatcher operation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		TriggerJobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_bridge_trigger_jobs_processed_total",
			Help: "Trigger queue jobs processed by outcome.",
		}, []string{"outcome"}),
		SupervisorTickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "agent_bridge_supervisor_tick_duration_seconds",
			Help:    "Supervisor tick wall-clock duration.",
			Buckets: prometheus.DefBuckets,
		}),
		FallbackRunsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agent_bridge_fallback_runs_active",
			Help: "Currently running fallback processes.",
		}),
	}
	m.registry = reg
	return m
}

// Handler returns the HTTP handler for GET /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
