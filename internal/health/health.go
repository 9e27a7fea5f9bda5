package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pinger is the connectivity probe implemented by the database client and
// the Redis embedding cache.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CheckResult is the outcome of one component probe.
type CheckResult struct {
	Component string    `json:"component"`
	Healthy   bool      `json:"healthy"`
	Critical  bool      `json:"critical"`
	Error     string    `json:"error,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
}

type checker struct {
	name     string
	critical bool
	timeout  time.Duration
	probe    Pinger
}

// Manager runs readiness probes on demand. A failing critical component
// makes the service not ready; non-critical failures are reported but do
// not change the status code.
type Manager struct {
	mu       sync.RWMutex
	checkers []checker
	logger   *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	return &Manager{logger: logger}
}

// Register adds a component probe. A zero timeout defaults to 5s.
func (m *Manager) Register(name string, probe Pinger, critical bool, timeout time.Duration) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, checker{name: name, critical: critical, timeout: timeout, probe: probe})
}

// CheckAll probes every registered component and reports whether all
// critical components are healthy.
func (m *Manager) CheckAll(ctx context.Context) ([]CheckResult, bool) {
	m.mu.RLock()
	checkers := make([]checker, len(m.checkers))
	copy(checkers, m.checkers)
	m.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	ready := true
	for i, c := range checkers {
		results[i] = m.runCheck(ctx, c)
		if c.critical && !results[i].Healthy {
			ready = false
		}
	}
	return results, ready
}

func (m *Manager) runCheck(ctx context.Context, c checker) CheckResult {
	start := time.Now()
	result := CheckResult{
		Component: c.name,
		Critical:  c.critical,
		Timestamp: start,
	}

	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.probe.Ping(checkCtx)
	result.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		result.Error = err.Error()
		m.logger.Warn("Health check failed",
			zap.String("component", c.name),
			zap.Bool("critical", c.critical),
			zap.Error(err),
		)
		return result
	}
	result.Healthy = true
	return result
}

// Handler serves readiness as JSON. 200 when every critical component is
// healthy, 503 otherwise.
func (m *Manager) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results, ready := m.CheckAll(r.Context())

		status := http.StatusOK
		overall := "ready"
		if !ready {
			status = http.StatusServiceUnavailable
			overall = "not_ready"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": overall,
			"checks": results,
		})
	}
}
