package circuit

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Dependency names used across the service.
const (
	DependencyFeed = "feed"
	DependencySink = "sink"
)

// Manager manages the circuit breakers of all named dependencies
type Manager struct {
	breakers map[string]*Breaker
	mu       sync.RWMutex

	onResult []OutcomeFunc
	onState  []StateFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithOutcomeHook registers fn to observe every call made through any breaker.
func WithOutcomeHook(fn OutcomeFunc) Option {
	return func(m *Manager) { m.onResult = append(m.onResult, fn) }
}

// WithStateHook registers fn to observe breaker transitions.
func WithStateHook(fn StateFunc) Option {
	return func(m *Manager) { m.onState = append(m.onState, fn) }
}

// NewManager creates a new circuit breaker manager
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		breakers: make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddProvider adds a circuit breaker for a named dependency and returns it
func (m *Manager) AddProvider(name string, config Config) *Breaker {
	b := newBreaker(name, config, m.outcome, m.transition)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakers[name] = b
	return b
}

func (m *Manager) outcome(name string, err error) {
	for _, fn := range m.onResult {
		fn(name, err)
	}
}

func (m *Manager) transition(name string, from, to State) {
	log.Warn().
		Str("dependency", name).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("Circuit breaker state change")
	for _, fn := range m.onState {
		fn(name, from, to)
	}
}

// GetBreaker returns the circuit breaker for a specific dependency
func (m *Manager) GetBreaker(name string) (*Breaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	breaker, exists := m.breakers[name]
	return breaker, exists
}

// Names returns the registered dependency names in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats returns statistics for all dependencies
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]Stats, len(m.breakers))
	for name, breaker := range m.breakers {
		stats[name] = breaker.Stats()
	}
	return stats
}

// UnhealthyProviders returns a description of every unhealthy breaker
func (m *Manager) UnhealthyProviders() []string {
	var unhealthy []string
	for _, name := range m.Names() {
		b, _ := m.GetBreaker(name)
		stat := b.Stats()
		if !stat.IsHealthy() {
			unhealthy = append(unhealthy, fmt.Sprintf("%s (state: %s, success: %.1f%%)",
				name, stat.State, stat.SuccessRate*100))
		}
	}
	return unhealthy
}
