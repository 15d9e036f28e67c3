// Package metrics exports the proxy's Prometheus registry.
//
// Metrics live in a private registry rather than the global default so that
// embedding ollamux in another process never causes duplicate registration.
// The /metrics handler is exposed via Handler().
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ollamux/ollamux/internal/core/domain"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// ollamux_http_requests_total{endpoint,status}
	httpRequestsTotal *prometheus.CounterVec

	// ollamux_http_request_duration_seconds{endpoint}
	httpDuration *prometheus.HistogramVec

	// ollamux_upstream_attempts_total{server,outcome}
	upstreamAttempts *prometheus.CounterVec

	// ollamux_upstream_attempt_duration_seconds{server,outcome}
	upstreamDuration *prometheus.HistogramVec

	// ollamux_requests_by_model_total{model,outcome}
	modelRequests *prometheus.CounterVec

	// ollamux_breaker_state{breaker}: 0=closed, 1=open, 2=half-open
	breakerState *prometheus.GaugeVec

	// ollamux_breaker_transitions_total{breaker,to_state}
	breakerTransitions *prometheus.CounterVec

	// ollamux_breaker_rejections_total{breaker}
	breakerRejections *prometheus.CounterVec

	// ollamux_queue_depth
	queueDepth prometheus.Gauge

	// ollamux_queue_rejections_total{reason}
	queueRejections *prometheus.CounterVec

	// ollamux_in_flight{server}
	inFlight *prometheus.GaugeVec

	// ollamux_server_health{server}: 1=healthy, 0=not
	serverHealth *prometheus.GaugeVec

	// ollamux_failover_exhausted_total{model}
	failoverExhausted *prometheus.CounterVec

	// ollamux_recovery_probes_total{result}
	recoveryProbes *prometheus.CounterVec

	// ollamux_build_info{version}
	buildInfo *prometheus.GaugeVec

	mu            sync.Mutex
	lastBreaker   map[string]string
	metricsHandle http.Handler
}

var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600}

func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastBreaker: make(map[string]string),

		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ollamux_http_requests_total",
			Help: "HTTP requests handled by the proxy",
		}, []string{"endpoint", "status"}),

		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ollamux_http_request_duration_seconds",
			Help:    "End-to-end HTTP request duration in seconds",
			Buckets: durationBuckets,
		}, []string{"endpoint"}),

		upstreamAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ollamux_upstream_attempts_total",
			Help: "Upstream server attempts, including same-server retries and failovers",
		}, []string{"server", "outcome"}),

		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ollamux_upstream_attempt_duration_seconds",
			Help:    "Upstream attempt duration in seconds",
			Buckets: durationBuckets,
		}, []string{"server", "outcome"}),

		modelRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ollamux_requests_by_model_total",
			Help: "Routed requests by model and final outcome",
		}, []string{"model", "outcome"}),

		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ollamux_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"breaker"}),

		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ollamux_breaker_transitions_total",
			Help: "Circuit breaker transitions into a state",
		}, []string{"breaker", "to_state"}),

		breakerRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ollamux_breaker_rejections_total",
			Help: "Requests blocked by an open circuit breaker",
		}, []string{"breaker"}),

		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ollamux_queue_depth",
			Help: "Current priority queue depth",
		}),

		queueRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ollamux_queue_rejections_total",
			Help: "Queue admissions rejected by reason",
		}, []string{"reason"}),

		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ollamux_in_flight",
			Help: "In-flight upstream requests per server",
		}, []string{"server"}),

		serverHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ollamux_server_health",
			Help: "Server health (1=healthy, 0=unhealthy or unknown)",
		}, []string{"server"}),

		failoverExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ollamux_failover_exhausted_total",
			Help: "Requests that failed on every candidate server",
		}, []string{"model"}),

		recoveryProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ollamux_recovery_probes_total",
			Help: "Recovery and active-test probe outcomes",
		}, []string{"result"}),

		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ollamux_build_info",
			Help: "Build information",
		}, []string{"version"}),
	}

	reg.MustRegister(
		r.httpRequestsTotal,
		r.httpDuration,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.modelRequests,
		r.breakerState,
		r.breakerTransitions,
		r.breakerRejections,
		r.queueDepth,
		r.queueRejections,
		r.inFlight,
		r.serverHealth,
		r.failoverExhausted,
		r.recoveryProbes,
		r.buildInfo,
	)

	r.metricsHandle = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return r
}

func (r *Registry) ObserveHTTP(endpoint string, statusCode int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(endpoint).Observe(dur.Seconds())
}

func (r *Registry) ObserveUpstreamAttempt(serverID, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(serverID, outcome).Inc()
	r.upstreamDuration.WithLabelValues(serverID, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordModelRequest(model, outcome string) {
	r.modelRequests.WithLabelValues(model, outcome).Inc()
}

// SetBreakerState sets the state gauge and counts the transition when the
// state differs from the last one seen for that breaker.
func (r *Registry) SetBreakerState(key domain.BreakerKey, state string) {
	var level float64
	switch state {
	case "open":
		level = 1
	case "half-open":
		level = 2
	}
	r.breakerState.WithLabelValues(key.String()).Set(level)

	r.mu.Lock()
	if r.lastBreaker[key.String()] != state {
		r.lastBreaker[key.String()] = state
		r.breakerTransitions.WithLabelValues(key.String(), state).Inc()
	}
	r.mu.Unlock()
}

func (r *Registry) RemoveBreaker(key domain.BreakerKey) {
	r.breakerState.DeleteLabelValues(key.String())
	r.mu.Lock()
	delete(r.lastBreaker, key.String())
	r.mu.Unlock()
}

func (r *Registry) RecordBreakerRejection(key domain.BreakerKey) {
	r.breakerRejections.WithLabelValues(key.String()).Inc()
}

func (r *Registry) SetQueueDepth(depth int) {
	r.queueDepth.Set(float64(depth))
}

func (r *Registry) RecordQueueRejection(reason string) {
	r.queueRejections.WithLabelValues(reason).Inc()
}

func (r *Registry) SetInFlight(serverID string, count int64) {
	r.inFlight.WithLabelValues(serverID).Set(float64(count))
}

func (r *Registry) SetServerHealth(serverID string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	r.serverHealth.WithLabelValues(serverID).Set(value)
}

func (r *Registry) RemoveServer(serverID string) {
	r.serverHealth.DeleteLabelValues(serverID)
	r.inFlight.DeleteLabelValues(serverID)
}

func (r *Registry) RecordFailoverExhausted(model string) {
	r.failoverExhausted.WithLabelValues(model).Inc()
}

func (r *Registry) RecordRecoveryProbe(result string) {
	r.recoveryProbes.WithLabelValues(result).Inc()
}

func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

// Handler serves the registry in Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return r.metricsHandle
}
