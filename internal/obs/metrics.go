package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "treasury_guard"

// Metrics groups the collectors exported by the security core.
type Metrics struct {
	registry *prometheus.Registry

	AuthAttempts   *prometheus.CounterVec
	AuthzDecisions *prometheus.CounterVec
	AuditEvents    *prometheus.CounterVec
	AuditAlerts    *prometheus.CounterVec
	AuditFailures  prometheus.Counter
	CryptoOps      *prometheus.CounterVec
	ActiveSessions prometheus.Gauge
	StreamDrops    prometheus.Counter
	OpDuration     *prometheus.HistogramVec
	buildInfo      *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		AuthAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Authentication attempts by outcome.",
		}, []string{"result"}),
		AuthzDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authz_decisions_total",
			Help:      "Authorization decisions by resource type and outcome.",
		}, []string{"resource", "granted"}),
		AuditEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_events_total",
			Help:      "Security events recorded by kind and severity.",
		}, []string{"kind", "severity"}),
		AuditAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_alerts_total",
			Help:      "Synthesized alert events by rule.",
		}, []string{"rule"}),
		AuditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_failures_total",
			Help:      "Audit writes that failed and were swallowed.",
		}),
		CryptoOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crypto_operations_total",
			Help:      "Encryption service operations by kind, algorithm and outcome.",
		}, []string{"op", "algorithm", "result"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently held in the session table.",
		}),
		StreamDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_dropped_events_total",
			Help:      "Events not delivered to a slow live subscriber.",
		}),
		OpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency of security core entry points.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information.",
		}, []string{"version", "commit"}),
	}
	m.registry.MustRegister(
		m.AuthAttempts,
		m.AuthzDecisions,
		m.AuditEvents,
		m.AuditAlerts,
		m.AuditFailures,
		m.CryptoOps,
		m.ActiveSessions,
		m.StreamDrops,
		m.OpDuration,
		m.buildInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveDuration records the latency of op since start.
func (m *Metrics) ObserveDuration(op string, start time.Time) {
	if m == nil {
		return
	}
	m.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Decision counts one authorization decision.
func (m *Metrics) Decision(resource string, granted bool) {
	if m == nil {
		return
	}
	m.AuthzDecisions.WithLabelValues(resource, strconv.FormatBool(granted)).Inc()
}

// Attempt counts one authentication attempt.
func (m *Metrics) Attempt(result string) {
	if m == nil {
		return
	}
	m.AuthAttempts.WithLabelValues(result).Inc()
}

// Crypto counts one encryption service operation.
func (m *Metrics) Crypto(op, algorithm string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.CryptoOps.WithLabelValues(op, algorithm, result).Inc()
}

// AuditEvent counts one recorded security event.
func (m *Metrics) AuditEvent(kind, severity string) {
	if m == nil {
		return
	}
	m.AuditEvents.WithLabelValues(kind, severity).Inc()
}

// Alert counts one synthesized alert.
func (m *Metrics) Alert(rule string) {
	if m == nil {
		return
	}
	m.AuditAlerts.WithLabelValues(rule).Inc()
}

// AuditFailure counts one swallowed audit failure.
func (m *Metrics) AuditFailure() {
	if m == nil {
		return
	}
	m.AuditFailures.Inc()
}

// SetActiveSessions publishes the current session table size.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// StreamDropped counts one event skipped for a full subscriber.
func (m *Metrics) StreamDropped() {
	if m == nil {
		return
	}
	m.StreamDrops.Inc()
}
