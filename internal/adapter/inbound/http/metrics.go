package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for agentgate. Pass to
// components that need to record metrics.
type Metrics struct {
	RequestsTotal        *prometheus.CounterVec
	RequestDuration      *prometheus.HistogramVec
	DecisionsTotal       *prometheus.CounterVec
	StreamMessagesTotal  *prometheus.CounterVec
	ActiveConnections    prometheus.Gauge
	ActiveAgents         prometheus.Gauge
	RateLimitedTotal     prometheus.Counter
	AuditDropsTotal      prometheus.Counter
	SandboxRestartsTotal prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentgate",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"method", "status"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "agentgate",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		DecisionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentgate",
				Name:      "policy_decisions_total",
				Help:      "Total policy decisions by outcome",
			},
			[]string{"decision"},
		),
		StreamMessagesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentgate",
				Name:      "stream_messages_total",
				Help:      "Total stream messages dispatched by type",
			},
			[]string{"type"},
		),
		ActiveConnections: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "agentgate",
				Name:      "active_connections",
				Help:      "Number of open stream connections",
			},
		),
		ActiveAgents: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "agentgate",
				Name:      "active_agents",
				Help:      "Number of live agent workers on this node",
			},
		),
		RateLimitedTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "agentgate",
				Name:      "rate_limited_total",
				Help:      "Total requests delayed or rejected by rate limiting",
			},
		),
		AuditDropsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "agentgate",
				Name:      "audit_drops_total",
				Help:      "Total audit records dropped due to backpressure",
			},
		),
		SandboxRestartsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "agentgate",
				Name:      "sandbox_restarts_total",
				Help:      "Total worker process restarts",
			},
		),
	}
}
