// Package metrics exposes the gateway's Prometheus counters and histograms.
//
// Every stage of the proxy pipeline increments a counter labelled
// {tool, action, outcome} and observes latency in a histogram, so the
// behaviour of each tool is observable without log scraping.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all gateway instruments, registered on a private registry so
// tests can construct isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	// Requests counts proxy calls by {tool, action, outcome}.
	Requests *prometheus.CounterVec
	// RequestDuration observes end-to-end proxy latency by {tool, action}.
	RequestDuration *prometheus.HistogramVec
	// TokenValidations counts token checks by {outcome}.
	TokenValidations *prometheus.CounterVec
	// Retries counts retry attempts by {tool, action, attempt}.
	Retries *prometheus.CounterVec
	// BreakerRejections counts fast failures while a breaker is open.
	BreakerRejections *prometheus.CounterVec
	// BreakerState publishes the current per-tool state (0 closed, 1 open,
	// 2 half-open).
	BreakerState *prometheus.GaugeVec
	// ChaosInjections counts injected faults by {tool, mode}.
	ChaosInjections *prometheus.CounterVec
	// CacheEvents counts response-cache activity by {event}.
	CacheEvents *prometheus.CounterVec
	// QuotaDenials counts quota_exceeded denials by {action, window}.
	QuotaDenials *prometheus.CounterVec
	// RateLimited counts per-agent admission rejections.
	RateLimited prometheus.Counter
	// DegradationLevel publishes the current degradation level (0-3).
	DegradationLevel prometheus.Gauge
	// ComponentHealth publishes per-component health (0 healthy, 1 degraded,
	// 2 unhealthy).
	ComponentHealth *prometheus.GaugeVec
	// RecoveryAttempts counts recovery executions by {strategy, result}.
	RecoveryAttempts *prometheus.CounterVec
}

// New creates a Metrics instance backed by its own registry, including the
// standard Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_requests_total",
			Help: "Proxy requests by tool, action, and outcome.",
		}, []string{"tool", "action", "outcome"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "toolgate_request_duration_seconds",
			Help:    "End-to-end proxy request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool", "action"}),
		TokenValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_token_validations_total",
			Help: "Token validation results.",
		}, []string{"outcome"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_retries_total",
			Help: "Retry attempts by tool, action, and attempt number.",
		}, []string{"tool", "action", "attempt"}),
		BreakerRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_breaker_rejections_total",
			Help: "Calls rejected while the circuit breaker was open.",
		}, []string{"tool"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "toolgate_breaker_state",
			Help: "Circuit breaker state per tool (0 closed, 1 open, 2 half-open).",
		}, []string{"tool"}),
		ChaosInjections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_chaos_injections_total",
			Help: "Injected faults by tool and mode.",
		}, []string{"tool", "mode"}),
		CacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_cache_events_total",
			Help: "Response cache activity (hit, miss, coalesced, evicted).",
		}, []string{"event"}),
		QuotaDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_quota_denials_total",
			Help: "Requests denied by quota, by action and window.",
		}, []string{"action", "window"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "toolgate_rate_limited_total",
			Help: "Requests rejected by the per-agent rate limiter.",
		}),
		DegradationLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "toolgate_degradation_level",
			Help: "Current graceful-degradation level (0-3).",
		}),
		ComponentHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "toolgate_component_health",
			Help: "Component health (0 healthy, 1 degraded, 2 unhealthy).",
		}, []string{"component"}),
		RecoveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_recovery_attempts_total",
			Help: "Recovery strategy executions by result.",
		}, []string{"strategy", "result"}),
	}

	reg.MustRegister(
		m.Requests, m.RequestDuration, m.TokenValidations, m.Retries,
		m.BreakerRejections, m.BreakerState, m.ChaosInjections,
		m.CacheEvents, m.QuotaDenials, m.RateLimited, m.DegradationLevel,
		m.ComponentHealth, m.RecoveryAttempts,
	)
	return m
}

// Handler returns the /metrics exposition handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRetry increments the retry counter, formatting the attempt label.
func (m *Metrics) ObserveRetry(tool, action string, attempt int) {
	m.Retries.WithLabelValues(tool, action, strconv.Itoa(attempt)).Inc()
}

// Registry exposes the underlying registry for test assertions.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
