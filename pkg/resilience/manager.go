package resilience

import (
	"sync"
)

// Manager manages one circuit breaker per dependency name.
type Manager struct {
	defaults CircuitBreakerConfig
	breakers map[string]*CircuitBreaker
	mu       sync.RWMutex
}

// NewManager creates a manager that hands out breakers with the given
// default configuration.
func NewManager(defaults CircuitBreakerConfig) *Manager {
	return &Manager{
		defaults: defaults.withDefaults(),
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for a dependency, creating it on first use.
func (m *Manager) Get(name string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Check again in case it was created while we were waiting for the lock
	if cb, ok = m.breakers[name]; ok {
		return cb
	}
	cb = NewCircuitBreaker(name, m.defaults)
	m.breakers[name] = cb
	return cb
}

// Statuses returns a snapshot of every registered breaker.
func (m *Manager) Statuses() []CircuitBreakerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]CircuitBreakerStatus, 0, len(m.breakers))
	for _, cb := range m.breakers {
		out = append(out, cb.Status())
	}
	return out
}
