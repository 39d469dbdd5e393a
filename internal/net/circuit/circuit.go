package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/sawpanic/liqradar/internal/domain"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker short-circuits a call
	ErrCircuitOpen = domain.ErrCircuitOpen
	// ErrRequestTimeout is returned when a request exceeds RequestTimeout
	ErrRequestTimeout = errors.New("request timeout")
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Circuit is closed, requests allowed
	StateOpen                  // Circuit is open, requests blocked
	StateHalfOpen              // Circuit is half-open, limited trial requests allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "CLOSED":
		*s = StateClosed
	case "OPEN":
		*s = StateOpen
	case "HALF_OPEN":
		*s = StateHalfOpen
	default:
		return fmt.Errorf("unknown circuit state %q", text)
	}
	return nil
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Config represents circuit breaker configuration
type Config struct {
	FailureThreshold int           // Consecutive failures to open circuit
	SuccessThreshold int           // Consecutive successes to close circuit from half-open
	RecoveryTimeout  time.Duration // Time spent open before trial calls are admitted
	RequestTimeout   time.Duration // Individual request timeout, zero disables it
}

// DefaultConfig mirrors the resilience defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		RecoveryTimeout:  60 * time.Second,
	}
}

// OutcomeFunc observes every call decision of a named breaker. err is nil on
// success and ErrCircuitOpen when the call was short-circuited.
type OutcomeFunc func(dependency string, err error)

// StateFunc observes breaker transitions.
type StateFunc func(dependency string, from, to State)

// Breaker guards one named dependency. The state machine is gobreaker's;
// Breaker adds the per-call timeout, error classification and counters.
type Breaker struct {
	name     string
	config   Config
	cb       *gobreaker.CircuitBreaker
	onResult OutcomeFunc

	mu              sync.RWMutex
	openedAt        time.Time
	lastStateChange time.Time

	totalRequests  atomic.Int64
	totalSuccesses atomic.Int64
	totalFailures  atomic.Int64
	totalTimeouts  atomic.Int64
	totalRejected  atomic.Int64
}

// NewBreaker creates a new circuit breaker with the specified configuration
func NewBreaker(name string, config Config) *Breaker {
	return newBreaker(name, config, nil, nil)
}

func newBreaker(name string, config Config, onResult OutcomeFunc, onState StateFunc) *Breaker {
	if config.FailureThreshold < 1 {
		config.FailureThreshold = 1
	}
	if config.SuccessThreshold < 1 {
		config.SuccessThreshold = 1
	}
	b := &Breaker{
		name:            name,
		config:          config,
		onResult:        onResult,
		lastStateChange: time.Now(),
	}

	threshold := uint32(config.FailureThreshold)
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(config.SuccessThreshold),
		Interval:    0, // counts only reset on state change
		Timeout:     config.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// Half-open closes on real successes only.
			if err == nil {
				return true
			}
			return !domain.CountsAsFailure(err) && b.cb.State() != gobreaker.StateHalfOpen
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			now := time.Now()
			b.mu.Lock()
			b.lastStateChange = now
			if to == gobreaker.StateOpen {
				b.openedAt = now
			}
			b.mu.Unlock()
			if onState != nil {
				onState(name, fromGobreaker(from), fromGobreaker(to))
			}
		},
	})
	return b
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

// Config returns the breaker configuration.
func (b *Breaker) Config() Config { return b.config }

// Call executes fn if the circuit breaker allows it. Only transient failures
// (see domain.CountsAsFailure) count against the breaker.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		b.totalRequests.Add(1)
		return nil, b.run(ctx, fn)
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		b.totalRejected.Add(1)
		err = ErrCircuitOpen
	case err == nil:
		b.totalSuccesses.Add(1)
	case domain.CountsAsFailure(err):
		b.totalFailures.Add(1)
	}

	if b.onResult != nil {
		b.onResult(b.name, err)
	}
	return err
}

func (b *Breaker) run(ctx context.Context, fn func(ctx context.Context) error) error {
	if b.config.RequestTimeout <= 0 {
		return fn(ctx)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, b.config.RequestTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(timeoutCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.totalTimeouts.Add(1)
		return ErrRequestTimeout
	}
}

// State returns the current circuit breaker state
func (b *Breaker) State() State {
	return fromGobreaker(b.cb.State())
}

// Stats returns current circuit breaker statistics
func (b *Breaker) Stats() Stats {
	state := b.State()
	counts := b.cb.Counts()

	b.mu.RLock()
	openedAt, lastChange := b.openedAt, b.lastStateChange
	b.mu.RUnlock()

	requests := b.totalRequests.Load()
	successes := b.totalSuccesses.Load()
	successRate := float64(0)
	if requests > 0 {
		successRate = float64(successes) / float64(requests)
	}

	stats := Stats{
		Name:                b.name,
		State:               state,
		ConsecutiveFailures: int(counts.ConsecutiveFailures),
		LastStateChange:     lastChange,
		TotalRequests:       requests,
		TotalSuccesses:      successes,
		TotalFailures:       b.totalFailures.Load(),
		TotalTimeouts:       b.totalTimeouts.Load(),
		TotalRejected:       b.totalRejected.Load(),
		SuccessRate:         successRate,
	}
	if state == StateHalfOpen {
		stats.SuccessesInHalfOpen = int(counts.ConsecutiveSuccesses)
	}
	if state != StateClosed {
		stats.OpenedAt = openedAt
	}
	return stats
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name                string    `json:"name"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	SuccessesInHalfOpen int       `json:"successes_in_half_open"`
	LastStateChange     time.Time `json:"last_state_change"`
	TotalRequests       int64     `json:"total_requests"`
	TotalSuccesses      int64     `json:"total_successes"`
	TotalFailures       int64     `json:"total_failures"`
	TotalTimeouts       int64     `json:"total_timeouts"`
	TotalRejected       int64     `json:"total_rejected"`
	SuccessRate         float64   `json:"success_rate"`
}

// IsHealthy returns true if the circuit breaker indicates healthy service
func (s *Stats) IsHealthy() bool {
	return s.State == StateClosed && (s.TotalRequests == 0 || s.SuccessRate >= 0.9)
}
