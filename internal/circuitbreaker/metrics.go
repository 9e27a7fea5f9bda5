package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "highlog_circuit_breaker_state",
			Help: "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name", "service"},
	)

	breakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "highlog_circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker",
		},
		[]string{"name", "service", "state", "result"},
	)

	breakerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "highlog_circuit_breaker_failures_total",
			Help: "Total number of failures in circuit breaker",
		},
		[]string{"name", "service"},
	)

	breakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "highlog_circuit_breaker_state_changes_total",
			Help: "Total number of state changes in circuit breaker",
		},
		[]string{"name", "service", "from_state", "to_state"},
	)

	breakerOpenSince = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "highlog_circuit_breaker_open_since_seconds",
			Help: "Timestamp when the circuit breaker entered open state (0 if not open)",
		},
		[]string{"name", "service"},
	)
)

type registeredBreaker struct {
	service string
	breaker *Breaker
}

// MetricsCollector exports breaker state to Prometheus.
type MetricsCollector struct {
	mu       sync.RWMutex
	breakers []registeredBreaker
}

// Register hooks a breaker into metrics export.
func (mc *MetricsCollector) Register(name, service string, b *Breaker) {
	mc.mu.Lock()
	mc.breakers = append(mc.breakers, registeredBreaker{service: service, breaker: b})
	mc.mu.Unlock()

	b.SetStateHook(func(_ string, from, to State) {
		breakerStateChanges.WithLabelValues(name, service, from.String(), to.String()).Inc()
		breakerState.WithLabelValues(name, service).Set(float64(to))
		if to == StateOpen {
			breakerOpenSince.WithLabelValues(name, service).SetToCurrentTime()
		} else if from == StateOpen {
			breakerOpenSince.WithLabelValues(name, service).Set(0)
		}
	})
	breakerState.WithLabelValues(name, service).Set(float64(b.State()))
}

// RecordRequest records one call outcome.
func (mc *MetricsCollector) RecordRequest(name, service string, state State, success bool) {
	result := "success"
	if !success {
		result = "failure"
		breakerFailures.WithLabelValues(name, service).Inc()
	}
	breakerRequests.WithLabelValues(name, service, state.String(), result).Inc()
}

// Sync republishes the state gauge for every registered breaker. Catches
// open-timeout expiry, which has no transition callback until the next call.
func (mc *MetricsCollector) Sync() {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	for _, rb := range mc.breakers {
		breakerState.WithLabelValues(rb.breaker.Name(), rb.service).Set(float64(rb.breaker.State()))
	}
}

// GlobalMetricsCollector is shared by every wrapper in the process.
var GlobalMetricsCollector = &MetricsCollector{}

// StartMetricsCollection periodically syncs breaker gauges.
func StartMetricsCollection() {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			GlobalMetricsCollector.Sync()
		}
	}()
}
