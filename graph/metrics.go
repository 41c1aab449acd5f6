package graph

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics provides Prometheus-compatible metrics for the execution
// engine and the delegation client.
//
// Metrics exposed (all namespaced with "postgraph_"):
//
// 1. step_latency_ms (histogram): Node execution duration in milliseconds.
// Labels: step, status (success/error/timeout).
//
// 2. transitions_total (counter): Recorded state machine transitions.
// Labels: from, to.
//
// 3. inflight_executions (gauge): Create/Resume calls currently driving nodes.
//
// 4. store_errors_total (counter): Checkpoint store failures.
// Labels: op (save/load/list).
//
// 5. delegate_retries_total (counter): Retries performed by the delegation
// client. Labels: operation, platform, reason.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewPrometheusMetrics(registry)
//	engine, _ := graph.New(st, collab, graph.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// A nil *PrometheusMetrics is valid and records nothing.
type PrometheusMetrics struct {
	inflight prometheus.Gauge

	stepLatency *prometheus.HistogramVec

	transitions     *prometheus.CounterVec
	storeErrors     *prometheus.CounterVec
	delegateRetries *prometheus.CounterVec

	registry prometheus.Registerer

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates and registers all engine metrics with the
// provided registry (prometheus.DefaultRegisterer when nil).
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	pm := &PrometheusMetrics{
		registry: registry,
		enabled:  true,
	}

	pm.inflight = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "postgraph",
		Name:      "inflight_executions",
		Help:      "Create and resume calls currently driving an execution",
	})

	pm.stepLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "postgraph",
		Name:      "step_latency_ms",
		Help:      "Node execution duration in milliseconds",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
	}, []string{"step", "status"})

	pm.transitions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "postgraph",
		Name:      "transitions_total",
		Help:      "State machine transitions recorded by the engine",
	}, []string{"from", "to"})

	pm.storeErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "postgraph",
		Name:      "store_errors_total",
		Help:      "Checkpoint store operations that failed",
	}, []string{"op"})

	pm.delegateRetries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "postgraph",
		Name:      "delegate_retries_total",
		Help:      "Delegation client retries after a transient failure",
	}, []string{"operation", "platform", "reason"})

	return pm
}

func (pm *PrometheusMetrics) on() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// RecordStepLatency records the duration of one node run.
func (pm *PrometheusMetrics) RecordStepLatency(step Step, latency time.Duration, status string) {
	if !pm.on() {
		return
	}
	pm.stepLatency.WithLabelValues(string(step), status).Observe(float64(latency.Milliseconds()))
}

// RecordTransition counts a persisted move between steps.
func (pm *PrometheusMetrics) RecordTransition(from, to Step) {
	if !pm.on() {
		return
	}
	pm.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// IncrementStoreErrors counts a failed store operation.
func (pm *PrometheusMetrics) IncrementStoreErrors(op string) {
	if !pm.on() {
		return
	}
	pm.storeErrors.WithLabelValues(op).Inc()
}

// IncrementDelegateRetries counts one delegation client retry.
func (pm *PrometheusMetrics) IncrementDelegateRetries(operation, platform, reason string) {
	if !pm.on() {
		return
	}
	pm.delegateRetries.WithLabelValues(operation, platform, reason).Inc()
}

func (pm *PrometheusMetrics) executionStarted() {
	if !pm.on() {
		return
	}
	pm.inflight.Inc()
}

func (pm *PrometheusMetrics) executionFinished() {
	if !pm.on() {
		return
	}
	pm.inflight.Dec()
}

// Disable temporarily disables metric recording (useful for testing).
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable re-enables metric recording after Disable().
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

// Reset clears gauge values. Counters and histograms are cumulative.
func (pm *PrometheusMetrics) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.inflight.Set(0)
}
