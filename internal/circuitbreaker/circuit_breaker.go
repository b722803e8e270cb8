// Package circuitbreaker stops calling a provider whose API is failing
// and lets harvests back off until it recovers.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/commerce-harvester/internal/logging"
	"github.com/commerce-harvester/internal/types"
)

// State represents the circuit breaker state
type State string

const (
	// StateClosed means calls go through
	StateClosed State = "closed"
	// StateOpen means calls fail fast until the open timeout elapses
	StateOpen State = "open"
	// StateHalfOpen means a limited number of probe calls are allowed
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is matched by every OpenError
var ErrCircuitOpen = errors.New("circuit breaker is open")

// OpenError is returned instead of calling the provider while the circuit is
// open. RetryAfter tells the caller when probing resumes.
type OpenError struct {
	Provider types.ProviderType
	Until    time.Time
	now      time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%s upstream unavailable: circuit open until %s", e.Provider, e.Until.Format(time.RFC3339))
}

// Is makes errors.Is(err, ErrCircuitOpen) true
func (e *OpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// RetryAfter returns the remaining open time
func (e *OpenError) RetryAfter() time.Duration {
	d := e.Until.Sub(e.now)
	if d < 0 {
		return 0
	}
	return d
}

// Config configures a circuit breaker
type Config struct {
	Provider types.ProviderType
	// MinCalls is the number of calls observed before the breaker may open
	MinCalls int
	// FailureThreshold is the failure ratio (0.0-1.0) that opens the circuit
	FailureThreshold float64
	// ConsecutiveFailures opens the circuit regardless of ratio
	ConsecutiveFailures int
	// OpenTimeout is how long the circuit stays open before probing
	OpenTimeout time.Duration
	// HalfOpenMaxCalls is the number of probes, all of which must succeed to close
	HalfOpenMaxCalls int
	// IsFailure decides which errors count. Nil counts every error.
	IsFailure func(error) bool
	Now       func() time.Time
}

// DefaultConfig returns the default configuration for a provider
func DefaultConfig(provider types.ProviderType) *Config {
	return &Config{
		Provider:            provider,
		MinCalls:            10,
		FailureThreshold:    0.5,
		ConsecutiveFailures: 5,
		OpenTimeout:         time.Minute,
		HalfOpenMaxCalls:    3,
	}
}

// CircuitBreaker tracks call outcomes for one provider
type CircuitBreaker struct {
	cfg Config

	mu               sync.Mutex
	state            State
	failures         int
	successes        int
	totalCalls       int
	halfOpenCalls    int
	consecutiveFails int
	lastFailureTime  time.Time
	lastStateChange  time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config *Config) *CircuitBreaker {
	cfg := *config
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	return &CircuitBreaker{
		cfg:             cfg,
		state:           StateClosed,
		lastStateChange: cfg.Now(),
	}
}

func (cb *CircuitBreaker) log() *logging.Logger {
	return logging.WithFields(map[string]interface{}{
		"component": "circuitbreaker",
		"provider":  string(cb.cfg.Provider),
	})
}

// Execute runs fn unless the circuit is open
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.afterRequest(err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.cfg.Now()
	switch cb.state {
	case StateOpen:
		until := cb.lastStateChange.Add(cb.cfg.OpenTimeout)
		if now.Before(until) {
			return &OpenError{Provider: cb.cfg.Provider, Until: until, now: now}
		}
		cb.setState(StateHalfOpen)
		cb.log().Info("Circuit breaker transitioning to half-open")
		fallthrough
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.cfg.HalfOpenMaxCalls {
			// Probes in flight; treat as still open for a short while
			return &OpenError{Provider: cb.cfg.Provider, Until: now.Add(time.Second), now: now}
		}
		cb.halfOpenCalls++
	}
	return nil
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalCalls++
	if err != nil && (cb.cfg.IsFailure == nil || cb.cfg.IsFailure(err)) {
		cb.onFailure()
		return
	}
	cb.onSuccess()
}

func (cb *CircuitBreaker) onSuccess() {
	cb.successes++
	cb.consecutiveFails = 0

	if cb.state == StateHalfOpen && cb.successes >= cb.cfg.HalfOpenMaxCalls {
		cb.setState(StateClosed)
		cb.reset()
		cb.log().Info("Circuit breaker closed after successful recovery")
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	cb.consecutiveFails++
	cb.lastFailureTime = cb.cfg.Now()

	switch cb.state {
	case StateClosed:
		if cb.shouldOpen() {
			cb.setState(StateOpen)
			cb.log().WithFields(map[string]interface{}{
				"failures":         cb.failures,
				"totalCalls":       cb.totalCalls,
				"failureRate":      cb.failureRate(),
				"consecutiveFails": cb.consecutiveFails,
			}).Warn("Circuit breaker opened due to failures")
		}
	case StateHalfOpen:
		cb.setState(StateOpen)
		cb.log().Warn("Circuit breaker reopened after failure in half-open state")
	}
}

func (cb *CircuitBreaker) shouldOpen() bool {
	if cb.cfg.ConsecutiveFailures > 0 && cb.consecutiveFails >= cb.cfg.ConsecutiveFailures {
		return true
	}
	if cb.totalCalls < cb.cfg.MinCalls {
		return false
	}
	return cb.failureRate() >= cb.cfg.FailureThreshold
}

func (cb *CircuitBreaker) failureRate() float64 {
	if cb.totalCalls == 0 {
		return 0
	}
	return float64(cb.failures) / float64(cb.totalCalls)
}

// setState must be called with the lock held. Every transition starts a fresh
// observation period.
func (cb *CircuitBreaker) setState(state State) {
	cb.state = state
	cb.lastStateChange = cb.cfg.Now()
	cb.halfOpenCalls = 0
	if state == StateHalfOpen {
		cb.successes = 0
	}
}

func (cb *CircuitBreaker) reset() {
	cb.failures = 0
	cb.successes = 0
	cb.totalCalls = 0
	cb.consecutiveFails = 0
	cb.halfOpenCalls = 0
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats represents circuit breaker statistics
type Stats struct {
	Provider         types.ProviderType `json:"provider"`
	State            State              `json:"state"`
	Failures         int                `json:"failures"`
	Successes        int                `json:"successes"`
	TotalCalls       int                `json:"totalCalls"`
	ConsecutiveFails int                `json:"consecutiveFails"`
	FailureRate      float64            `json:"failureRate"`
	LastFailureTime  time.Time          `json:"lastFailureTime"`
	LastStateChange  time.Time          `json:"lastStateChange"`
}

// Stats returns a snapshot
func (cb *CircuitBreaker) Stats() *Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return &Stats{
		Provider:         cb.cfg.Provider,
		State:            cb.state,
		Failures:         cb.failures,
		Successes:        cb.successes,
		TotalCalls:       cb.totalCalls,
		ConsecutiveFails: cb.consecutiveFails,
		FailureRate:      cb.failureRate(),
		LastFailureTime:  cb.lastFailureTime,
		LastStateChange:  cb.lastStateChange,
	}
}

// Reset manually closes the circuit
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(StateClosed)
	cb.reset()
	cb.log().Info("Circuit breaker manually reset")
}

// Manager owns one breaker per provider
type Manager struct {
	mu       sync.RWMutex
	breakers map[types.ProviderType]*CircuitBreaker
	template func(types.ProviderType) *Config
}

// NewManager creates a manager. template builds the config of new breakers;
// nil uses DefaultConfig.
func NewManager(template func(types.ProviderType) *Config) *Manager {
	if template == nil {
		template = DefaultConfig
	}
	return &Manager{
		breakers: make(map[types.ProviderType]*CircuitBreaker),
		template: template,
	}
}

// For returns the provider's breaker, creating it on first use
func (m *Manager) For(provider types.ProviderType) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[provider]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok = m.breakers[provider]; ok {
		return cb
	}
	cfg := m.template(provider)
	cfg.Provider = provider
	cb = NewCircuitBreaker(cfg)
	m.breakers[provider] = cb
	return cb
}

// AllStats returns statistics for every breaker, sorted by provider
func (m *Manager) AllStats() []*Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Stats, 0, len(m.breakers))
	for _, cb := range m.breakers {
		out = append(out, cb.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// ResetAll closes every circuit
func (m *Manager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, cb := range m.breakers {
		cb.Reset()
	}
	logging.Info("All circuit breakers reset")
}
