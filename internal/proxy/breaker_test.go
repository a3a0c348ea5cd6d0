package proxy

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

// TestCircuitBreakerStateString tests the String() method of CircuitBreakerState
func TestCircuitBreakerStateString(t *testing.T) {
	tests := []struct {
		state    CircuitBreakerState
		expected string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{CircuitBreakerState(999), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if result := tt.state.String(); result != tt.expected {
				t.Errorf("State.String() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestNewCircuitBreaker(t *testing.T) {
	tests := []struct {
		name            string
		config          CircuitBreakerConfig
		wantMaxFailures int
		wantRecovery    time.Duration
	}{
		{
			name:            "Default config",
			config:          CircuitBreakerConfig{},
			wantMaxFailures: 5,
			wantRecovery:    30 * time.Second,
		},
		{
			name:            "Custom values",
			config:          CircuitBreakerConfig{MaxFailures: 3, RecoveryTimeout: 10 * time.Second},
			wantMaxFailures: 3,
			wantRecovery:    10 * time.Second,
		},
		{
			name:            "Negative values use defaults",
			config:          CircuitBreakerConfig{MaxFailures: -1, RecoveryTimeout: -time.Second},
			wantMaxFailures: 5,
			wantRecovery:    30 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := NewCircuitBreaker(tt.config)

			if cb.maxFailures != tt.wantMaxFailures {
				t.Errorf("maxFailures = %v, want %v", cb.maxFailures, tt.wantMaxFailures)
			}
			if cb.recoveryTimeout != tt.wantRecovery {
				t.Errorf("recoveryTimeout = %v, want %v", cb.recoveryTimeout, tt.wantRecovery)
			}
			if cb.State() != StateClosed {
				t.Errorf("State() = %v, want %v", cb.State(), StateClosed)
			}
		})
	}
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:     2,
		RecoveryTimeout: 20 * time.Millisecond,
	})

	cb.RecordFailure()
	if cb.State() != StateClosed {
		t.Fatalf("State() after 1 failure = %v, want %v", cb.State(), StateClosed)
	}
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("State() after 2 failures = %v, want %v", cb.State(), StateOpen)
	}

	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Allow() on open circuit = %v, want %v", err, ErrCircuitOpen)
	}

	time.Sleep(30 * time.Millisecond)

	if err := cb.Allow(); err != nil {
		t.Fatalf("Allow() after recovery timeout = %v, want nil", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("State() = %v, want %v", cb.State(), StateHalfOpen)
	}

	// Only one probe at a time
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second Allow() while probing = %v, want %v", err, ErrCircuitOpen)
	}

	cb.RecordSuccess()
	if cb.State() != StateClosed {
		t.Errorf("State() after successful probe = %v, want %v", cb.State(), StateClosed)
	}
}

func TestCircuitBreakerFailedProbeReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:     1,
		RecoveryTimeout: 10 * time.Millisecond,
	})

	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	if err := cb.Allow(); err != nil {
		t.Fatalf("Allow() = %v, want nil", err)
	}
	cb.RecordFailure()

	if cb.State() != StateOpen {
		t.Errorf("State() after failed probe = %v, want %v", cb.State(), StateOpen)
	}
}

func TestCircuitBreakerConcurrency(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1000})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if cb.Allow() != nil {
				return
			}
			if i%2 == 0 {
				cb.RecordSuccess()
			} else {
				cb.RecordFailure()
			}
		}(i)
	}
	wg.Wait()

	if cb.State() != StateClosed {
		t.Errorf("State() = %v, want %v", cb.State(), StateClosed)
	}
}

// countingDialer fails every dial and counts them
type countingDialer struct {
	mu    sync.Mutex
	dials int
	err   error
}

func (d *countingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	return nil, d.err
}

func TestBreakerDialerFailsFast(t *testing.T) {
	inner := &countingDialer{err: errors.New("connection refused")}
	bd := NewBreakerDialer(inner, CircuitBreakerConfig{MaxFailures: 2, RecoveryTimeout: time.Minute})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		bd.DialContext(ctx, "tcp", "10.0.0.1:80")
	}

	if inner.dials != 2 {
		t.Errorf("inner dials = %v, want %v", inner.dials, 2)
	}

	_, err := bd.DialContext(ctx, "tcp", "10.0.0.1:80")
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("DialContext() error = %v, want %v", err, ErrCircuitOpen)
	}

	// Other addresses have their own circuit
	bd.DialContext(ctx, "tcp", "10.0.0.2:80")
	if inner.dials != 3 {
		t.Errorf("inner dials = %v, want %v", inner.dials, 3)
	}

	stats := bd.GetAllStats()
	if stats["10.0.0.1:80"].State != "open" {
		t.Errorf("stats state = %v, want open", stats["10.0.0.1:80"].State)
	}

	bd.Reset()
	if len(bd.GetAllStats()) != 0 {
		t.Error("Reset() should forget every breaker")
	}
}

func TestBreakerDialerIgnoresCancelledDials(t *testing.T) {
	inner := &countingDialer{err: context.Canceled}
	bd := NewBreakerDialer(inner, CircuitBreakerConfig{MaxFailures: 1, RecoveryTimeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 3; i++ {
		bd.DialContext(ctx, "tcp", "10.0.0.1:80")
	}

	if inner.dials != 3 {
		t.Errorf("inner dials = %v, want %v", inner.dials, 3)
	}
	if got := bd.GetAllStats()["10.0.0.1:80"].State; got != "closed" {
		t.Errorf("state = %v, want closed", got)
	}
}
