package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState int

const (
	// StateClosed means dials flow through normally
	StateClosed CircuitBreakerState = iota
	// StateOpen means dials fail immediately
	StateOpen
	// StateHalfOpen means one probe dial is let through
	StateHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the circuit for a target is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig holds configuration for a circuit breaker
type CircuitBreakerConfig struct {
	// MaxFailures consecutive dial failures before opening (default: 5)
	MaxFailures int
	// RecoveryTimeout before a half-open probe is allowed (default: 30s)
	RecoveryTimeout time.Duration
}

// DefaultCircuitBreakerConfig returns default configuration
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:     5,
		RecoveryTimeout: 30 * time.Second,
	}
}

// CircuitBreaker guards dials to a single target address
type CircuitBreaker struct {
	maxFailures     int
	recoveryTimeout time.Duration

	failures     int
	lastFailure  time.Time
	state        CircuitBreakerState
	stateChanged time.Time
	probing      bool

	mu sync.Mutex
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	defaults := DefaultCircuitBreakerConfig()
	if config.MaxFailures <= 0 {
		config.MaxFailures = defaults.MaxFailures
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = defaults.RecoveryTimeout
	}

	return &CircuitBreaker{
		maxFailures:     config.MaxFailures,
		recoveryTimeout: config.RecoveryTimeout,
		state:           StateClosed,
		stateChanged:    time.Now(),
	}
}

// Allow checks if a dial should be attempted
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(cb.stateChanged) >= cb.recoveryTimeout {
			cb.transitionTo(StateHalfOpen)
			cb.probing = true
			return nil
		}
		return fmt.Errorf("%w: open for %v", ErrCircuitOpen, time.Since(cb.stateChanged).Round(time.Millisecond))
	case StateHalfOpen:
		// Only one probe at a time
		if cb.probing {
			return fmt.Errorf("%w: probe in flight", ErrCircuitOpen)
		}
		cb.probing = true
		return nil
	default:
		return errors.New("unknown circuit breaker state")
	}
}

// RecordSuccess records a successful dial
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probing = false
	if cb.state == StateHalfOpen {
		cb.transitionTo(StateClosed)
	}
	cb.failures = 0
}

// RecordFailure records a failed dial
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probing = false
	cb.failures++
	cb.lastFailure = time.Now()

	switch cb.state {
	case StateHalfOpen:
		cb.transitionTo(StateOpen)
	case StateClosed:
		if cb.failures >= cb.maxFailures {
			cb.transitionTo(StateOpen)
		}
	}
}

// releaseProbe gives up a half-open probe without recording an outcome
func (cb *CircuitBreaker) releaseProbe() {
	cb.mu.Lock()
	cb.probing = false
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) transitionTo(newState CircuitBreakerState) {
	cb.state = newState
	cb.stateChanged = time.Now()

	if newState == StateClosed || newState == StateOpen {
		cb.failures = 0
	}
}

// State returns the current state
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns current statistics
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerStats{
		State:        cb.state.String(),
		Failures:     cb.failures,
		LastFailure:  cb.lastFailure,
		StateChanged: cb.stateChanged,
	}
}

// CircuitBreakerStats contains circuit breaker statistics
type CircuitBreakerStats struct {
	State        string    `json:"state"`
	Failures     int       `json:"failures"`
	LastFailure  time.Time `json:"last_failure"`
	StateChanged time.Time `json:"state_changed"`
}

// BreakerDialer wraps a Dialer with one circuit breaker per target address, so
// a dead target fails fast instead of stalling every new connection on a dial
// timeout.
type BreakerDialer struct {
	dialer   Dialer
	config   CircuitBreakerConfig
	breakers map[string]*CircuitBreaker
	mu       sync.RWMutex
}

// NewBreakerDialer wraps dialer
func NewBreakerDialer(dialer Dialer, config CircuitBreakerConfig) *BreakerDialer {
	return &BreakerDialer{
		dialer:   dialer,
		config:   config,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// DialContext dials address unless its circuit is open
func (bd *BreakerDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	cb := bd.breaker(address)
	if err := cb.Allow(); err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}

	conn, err := bd.dialer.DialContext(ctx, network, address)
	if err != nil {
		// A cancelled dial says nothing about the target
		if ctx.Err() == nil {
			cb.RecordFailure()
		} else {
			cb.releaseProbe()
		}
		return nil, err
	}

	cb.RecordSuccess()
	return conn, nil
}

// breaker gets or creates the circuit breaker for address
func (bd *BreakerDialer) breaker(address string) *CircuitBreaker {
	bd.mu.RLock()
	cb, exists := bd.breakers[address]
	bd.mu.RUnlock()

	if exists {
		return cb
	}

	bd.mu.Lock()
	defer bd.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, exists := bd.breakers[address]; exists {
		return cb
	}

	cb = NewCircuitBreaker(bd.config)
	bd.breakers[address] = cb
	return cb
}

// Reset forgets every breaker, used when the operator retargets the proxy
func (bd *BreakerDialer) Reset() {
	bd.mu.Lock()
	defer bd.mu.Unlock()
	bd.breakers = make(map[string]*CircuitBreaker)
}

// GetAllStats returns stats for all circuit breakers keyed by target address
func (bd *BreakerDialer) GetAllStats() map[string]CircuitBreakerStats {
	bd.mu.RLock()
	defer bd.mu.RUnlock()

	stats := make(map[string]CircuitBreakerStats)
	for addr, cb := range bd.breakers {
		stats[addr] = cb.Stats()
	}
	return stats
}
