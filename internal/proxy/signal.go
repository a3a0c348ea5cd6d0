package proxy

import (
	"errors"
	"sync"
)

// ErrSignalFired is returned when a shutdown signal is fired a second time
var ErrSignalFired = errors.New("shutdown signal already fired")

// ShutdownSignal is a single-use notification telling one listener to stop
type ShutdownSignal struct {
	ch   chan struct{}
	once sync.Once
}

// NewShutdownSignal creates an unfired signal
func NewShutdownSignal() *ShutdownSignal {
	return &ShutdownSignal{ch: make(chan struct{})}
}

// Fire delivers the signal. Only the first call succeeds.
func (s *ShutdownSignal) Fire() error {
	fired := false
	s.once.Do(func() {
		close(s.ch)
		fired = true
	})
	if !fired {
		return ErrSignalFired
	}
	return nil
}

// Done is closed once the signal has fired
func (s *ShutdownSignal) Done() <-chan struct{} {
	return s.ch
}
