package circuitbreaker

import (
	"context"
	"errors"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	// ErrOpen is returned without calling the dependency while the
	// breaker is open.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrProbeLimit is returned when the half-open probe budget is spent.
	ErrProbeLimit = errors.New("circuit breaker probe limit reached")
)

// Settings tunes one breaker. Zero values fall back to the defaults in New.
type Settings struct {
	FailureThreshold int           // consecutive failures that trip the breaker
	SuccessThreshold int           // consecutive half-open successes that close it
	OpenTimeout      time.Duration // wait before allowing half-open probes
	HalfOpenProbes   int           // concurrent calls allowed while half-open
}

// DatabaseSettings returns Postgres breaker tuning, overridable via CB_DB_*
// environment variables.
func DatabaseSettings() Settings {
	return Settings{
		FailureThreshold: envInt("CB_DB_FAILURE_THRESHOLD", 5),
		SuccessThreshold: envInt("CB_DB_SUCCESS_THRESHOLD", 2),
		OpenTimeout:      envDuration("CB_DB_TIMEOUT", 30*time.Second),
		HalfOpenProbes:   envInt("CB_DB_MAX_REQUESTS", 3),
	}
}

// RedisSettings returns cache breaker tuning, overridable via CB_REDIS_*.
func RedisSettings() Settings {
	return Settings{
		FailureThreshold: envInt("CB_REDIS_FAILURE_THRESHOLD", 3),
		SuccessThreshold: envInt("CB_REDIS_SUCCESS_THRESHOLD", 2),
		OpenTimeout:      envDuration("CB_REDIS_TIMEOUT", 15*time.Second),
		HalfOpenProbes:   envInt("CB_REDIS_MAX_REQUESTS", 5),
	}
}

// HTTPSettings returns outbound-HTTP breaker tuning, overridable via CB_HTTP_*.
func HTTPSettings() Settings {
	return Settings{
		FailureThreshold: envInt("CB_HTTP_FAILURE_THRESHOLD", 3),
		SuccessThreshold: envInt("CB_HTTP_SUCCESS_THRESHOLD", 2),
		OpenTimeout:      envDuration("CB_HTTP_TIMEOUT", 15*time.Second),
		HalfOpenProbes:   envInt("CB_HTTP_MAX_REQUESTS", 5),
	}
}

// ModelSettings returns model-provider breaker tuning, overridable via
// CB_MODEL_*. The gateway wraps provider calls with this breaker so a hard
// outage sheds load instead of burning the per-call retry budget.
func ModelSettings() Settings {
	return Settings{
		FailureThreshold: envInt("CB_MODEL_FAILURE_THRESHOLD", 8),
		SuccessThreshold: envInt("CB_MODEL_SUCCESS_THRESHOLD", 2),
		OpenTimeout:      envDuration("CB_MODEL_TIMEOUT", 30*time.Second),
		HalfOpenProbes:   envInt("CB_MODEL_MAX_REQUESTS", 3),
	}
}

// Breaker sheds calls to a failing dependency. Consecutive failures trip it
// open; after OpenTimeout a limited number of probes run half-open, and
// consecutive probe successes close it again.
type Breaker struct {
	name     string
	settings Settings
	logger   *zap.Logger

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	probes    int
	openedAt  time.Time
	hook      func(name string, from, to State)
}

// New creates a breaker. Zero settings fields get conservative defaults.
func New(name string, s Settings, logger *zap.Logger) *Breaker {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = 2
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	if s.HalfOpenProbes <= 0 {
		s.HalfOpenProbes = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{name: name, settings: s, logger: logger}
}

// Do runs fn unless the breaker rejects the call. A panic in fn counts as a
// failure and is re-raised.
func (b *Breaker) Do(ctx context.Context, fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}

	done := false
	defer func() {
		if !done {
			b.settle(false)
		}
	}()

	err := fn()
	done = true
	b.settle(err == nil)
	return err
}

// State returns the current position, accounting for open-timeout expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.openedAt) >= b.settings.OpenTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// SetStateHook installs a callback invoked on every transition. Used by the
// metrics collector.
func (b *Breaker) SetStateHook(hook func(name string, from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hook = hook
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if time.Since(b.openedAt) < b.settings.OpenTimeout {
			return ErrOpen
		}
		b.transition(StateHalfOpen)
	}
	if b.state == StateHalfOpen {
		if b.probes >= b.settings.HalfOpenProbes {
			return ErrProbeLimit
		}
		b.probes++
	}
	return nil
}

func (b *Breaker) settle(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.settings.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.probes--
		if !success {
			b.transition(StateOpen)
			return
		}
		b.successes++
		if b.successes >= b.settings.SuccessThreshold {
			b.transition(StateClosed)
		}
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.failures = 0
	b.successes = 0
	b.probes = 0
	if to == StateOpen {
		b.openedAt = time.Now()
	}

	if b.hook != nil {
		b.hook(b.name, from, to)
	}
	b.logger.Info("Circuit breaker state changed",
		zap.String("name", b.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}

func envInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil && d > 0 {
			return d
		}
	}
	return def
}
