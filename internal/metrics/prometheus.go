// Package metrics provides Prometheus metrics for the TunnelGuard daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics of the daemon.
type Metrics struct {
	// Tunnel state
	Transitions  *prometheus.CounterVec
	TunnelState  *prometheus.GaugeVec
	BlockReasons *prometheus.CounterVec

	// Firewall
	PolicyApplies       *prometheus.CounterVec
	PolicyApplyDuration *prometheus.HistogramVec

	// Tunnel process and retries
	ProcessStarts *prometheus.CounterVec
	RetryDelay    prometheus.Histogram
	RetryAttempt  prometheus.Gauge

	// RPC
	Subscribers *prometheus.GaugeVec

	// System metrics
	Uptime     prometheus.Gauge
	GoRoutines prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnelguard_state_transitions_total",
			Help: "Tunnel state transitions",
		},
		[]string{"from", "to"},
	)

	m.TunnelState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tunnelguard_tunnel_state",
			Help: "Current tunnel state (1 for the active state)",
		},
		[]string{"state"},
	)

	m.BlockReasons = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnelguard_blocked_total",
			Help: "Entries into the blocked state by reason",
		},
		[]string{"reason"},
	)

	m.PolicyApplies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnelguard_policy_applies_total",
			Help: "Firewall policy applications by policy and result",
		},
		[]string{"policy", "result"},
	)

	m.PolicyApplyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tunnelguard_policy_apply_duration_seconds",
			Help:    "Duration of firewall policy applications",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"policy"},
	)

	m.ProcessStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnelguard_process_starts_total",
			Help: "Tunnel process start attempts by result",
		},
		[]string{"result"},
	)

	m.RetryDelay = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tunnelguard_retry_delay_seconds",
			Help:    "Scheduled reconnection delays",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		},
	)

	m.RetryAttempt = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tunnelguard_retry_attempt",
			Help: "Attempt number of the last scheduled reconnection",
		},
	)

	m.Subscribers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tunnelguard_rpc_subscribers",
			Help: "Active RPC push subscribers by topic",
		},
		[]string{"topic"},
	)

	m.Uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tunnelguard_uptime_seconds",
			Help: "Daemon uptime in seconds",
		},
	)

	m.GoRoutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tunnelguard_goroutines",
			Help: "Number of goroutines",
		},
	)

	m.registry.MustRegister(
		m.Transitions,
		m.TunnelState,
		m.BlockReasons,
		m.PolicyApplies,
		m.PolicyApplyDuration,
		m.ProcessStarts,
		m.RetryDelay,
		m.RetryAttempt,
		m.Subscribers,
		m.Uptime,
		m.GoRoutines,
	)

	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
