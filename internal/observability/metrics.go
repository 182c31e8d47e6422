package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the pipeline's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	IntakeTotal       *prometheus.CounterVec
	TasksTotal        *prometheus.CounterVec
	TransitionsTotal  *prometheus.CounterVec
	CapabilityLatency *prometheus.HistogramVec
	SLABreachesTotal  prometheus.Counter
	VersionConflicts  prometheus.Counter
	RequestsTotal     *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec
}

// NewMetrics registers all collectors on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		IntakeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_messages_total",
			Help: "Inbound messages by channel and outcome.",
		}, []string{"channel", "outcome"}),
		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_tasks_total",
			Help: "Pipeline tasks processed by kind and outcome.",
		}, []string{"kind", "outcome"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticket_transitions_total",
			Help: "Committed ticket status transitions.",
		}, []string{"from", "to"}),
		CapabilityLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "capability_call_seconds",
			Help:    "Latency of external capability calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"capability"}),
		SLABreachesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sla_breaches_total",
			Help: "Tickets escalated by the SLA sweep.",
		}),
		VersionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "version_conflicts_total",
			Help: "Version-guarded writes that lost a race.",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by path, method and status.",
		}, []string{"path", "method", "status"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "HTTP errors by path, method and code.",
		}, []string{"path", "method", "code"}),
	}

	registry.MustRegister(
		m.IntakeTotal,
		m.TasksTotal,
		m.TransitionsTotal,
		m.CapabilityLatency,
		m.SLABreachesTotal,
		m.VersionConflicts,
		m.RequestsTotal,
		m.ErrorsTotal,
	)
	return m
}

// RecordRequest increments the request counter.
func (m *Metrics) RecordRequest(path, method, status string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(path, method, status).Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(path, method, code string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(path, method, code).Inc()
}

// ObserveCapability records one capability call duration.
func (m *Metrics) ObserveCapability(capability string, d time.Duration) {
	if m == nil {
		return
	}
	m.CapabilityLatency.WithLabelValues(capability).Observe(d.Seconds())
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs a standalone metrics listener until the server fails. Addr may
// be empty, in which case metrics are disabled.
func (m *Metrics) Serve(addr string) error {
	if m == nil || addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
