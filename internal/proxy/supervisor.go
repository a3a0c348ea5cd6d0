package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/smallnest/chanx"

	"github.com/craigderington/portswitch/pkg/types"
)

var (
	// ErrSupervisorStopped is returned when submitting to a supervisor that is no longer running
	ErrSupervisorStopped = errors.New("supervisor is not running")
	// ErrInvariant marks a broken supervisor invariant. It is fatal to Run.
	ErrInvariant = errors.New("supervisor invariant violated")
)

// SupervisorConfig holds supervisor configuration
type SupervisorConfig struct {
	// Dialer for outbound connections (default: OS resolver, 10s timeout)
	Dialer       Dialer
	DrainTimeout time.Duration
	Metrics      *Metrics
	Logger       zerolog.Logger
}

// update is one configuration message. reply is nil for fire-and-forget submits.
type update struct {
	config types.ProxyConfig
	reply  chan error
}

// runningProxy exists exactly while a listener is bound
type runningProxy struct {
	signal    *ShutdownSignal
	listener  *Listener
	config    types.ProxyConfig
	startedAt time.Time
}

// Supervisor is the control actor of the proxy. Run consumes configuration
// updates one at a time, in the order they were submitted, and finishes each
// one (including any drain it waits for) before taking the next. It is the only
// writer of the running listener and of the target registry, so at most one
// listener exists at any time.
type Supervisor struct {
	registry     *TargetRegistry
	dialer       Dialer
	drainTimeout time.Duration
	metrics      *Metrics
	logger       zerolog.Logger

	updates     *chanx.UnboundedChan[update]
	queueCancel context.CancelFunc
	queueMu     sync.RWMutex
	closed      bool

	// Written only by the Run goroutine; mu guards concurrent readers
	running *runningProxy
	lastErr string
	mu      sync.RWMutex

	subscribers []func(types.ProxyStatus)
	subMu       sync.RWMutex

	// lookupIP resolves target hosts for the self-forward check
	lookupIP func(ctx context.Context, host string) ([]net.IPAddr, error)

	started atomic.Bool
	stopped chan struct{}
}

// selfCheckTimeout bounds the lookup of a target host on the supervisor goroutine
const selfCheckTimeout = 2 * time.Second

// NewSupervisor creates a supervisor in the idle state. Call Run to start processing updates.
func NewSupervisor(config SupervisorConfig) *Supervisor {
	if config.Dialer == nil {
		config.Dialer = NewNetDialer(DefaultDialTimeout)
	}

	queueCtx, queueCancel := context.WithCancel(context.Background())

	return &Supervisor{
		registry:     NewTargetRegistry(),
		dialer:       config.Dialer,
		drainTimeout: config.DrainTimeout,
		metrics:      config.Metrics,
		logger:       config.Logger.With().Str("component", "supervisor").Logger(),
		updates:      chanx.NewUnboundedChan[update](queueCtx, 16),
		queueCancel:  queueCancel,
		lookupIP:     net.DefaultResolver.LookupIPAddr,
		stopped:      make(chan struct{}),
	}
}

// Submit queues a configuration update without waiting for it. The outcome
// is available from LastError once the update has been processed.
func (s *Supervisor) Submit(config types.ProxyConfig) error {
	return s.enqueue(update{config: config})
}

// Apply queues a configuration update and waits for its outcome: nil, a
// validation error, or a *BindError.
func (s *Supervisor) Apply(ctx context.Context, config types.ProxyConfig) error {
	reply := make(chan error, 1)
	if err := s.enqueue(update{config: config, reply: reply}); err != nil {
		return err
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		select {
		case err := <-reply:
			return err
		default:
			return ErrSupervisorStopped
		}
	}
}

func (s *Supervisor) enqueue(u update) error {
	s.queueMu.RLock()
	defer s.queueMu.RUnlock()

	if s.closed {
		return ErrSupervisorStopped
	}
	s.updates.In <- u
	return nil
}

// Close stops accepting updates. Run processes the ones already queued,
// shuts down the running proxy and returns.
func (s *Supervisor) Close() {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.updates.In)
	}
}

// Subscribe registers fn to be called with the proxy status after every
// processed update. fn runs on the supervisor goroutine and must not block.
func (s *Supervisor) Subscribe(fn func(types.ProxyStatus)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// Run processes configuration updates until ctx is cancelled or Close is
// called, then stops the running proxy and waits for it to drain. It returns
// a non-nil error only when an invariant was violated.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("supervisor already running")
	}
	defer close(s.stopped)
	defer s.closeQueue()

	s.logger.Info().Msg("Supervisor started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Supervisor context cancelled")
			return s.shutdown()

		case u, ok := <-s.updates.Out:
			if !ok {
				return s.shutdown()
			}

			err := s.handle(u.config)
			if errors.Is(err, ErrInvariant) {
				s.logger.Error().Err(err).Msg("Supervisor stopped")
				if u.reply != nil {
					u.reply <- err
				}
				return err
			}

			// Subscribers see the new state before Apply returns
			s.notify()
			if u.reply != nil {
				u.reply <- err
			}
		}
	}
}

// closeQueue rejects further updates and releases the queue goroutine
func (s *Supervisor) closeQueue() {
	s.queueMu.Lock()
	s.closed = true
	s.queueMu.Unlock()
	s.queueCancel()
}

// shutdown stops the running proxy on the way out of Run
func (s *Supervisor) shutdown() error {
	if s.running != nil {
		if err := s.stopRunning(); err != nil {
			s.logger.Error().Err(err).Msg("Supervisor stopped")
			return err
		}
		s.notify()
	}
	s.logger.Info().Msg("Supervisor stopped")
	return nil
}

// handle applies one configuration update to the current state
func (s *Supervisor) handle(config types.ProxyConfig) error {
	if config.IsOff() {
		if s.running == nil {
			s.logger.Debug().Msg("Proxy already disabled")
			s.recordTransition("disable", nil)
			return nil
		}
		return s.stopRunning()
	}

	if err := config.Validate(); err != nil {
		s.logger.Warn().Err(err).Str("config", config.String()).Msg("Rejected configuration")
		s.recordTransition("enable", err)
		return err
	}

	// A running listener keeps its bound port, so that is the one a target
	// must not point back at
	selfPort := config.ListenPort
	action := "enable"
	if rp := s.running; rp != nil {
		selfPort = rp.port()
		action = "retarget"
	}
	if err := s.checkSelfForward(config.Target, selfPort); err != nil {
		s.logger.Warn().Err(err).Str("config", config.String()).Uint16("listen_port", selfPort).Msg("Rejected configuration")
		s.recordTransition(action, err)
		return err
	}

	previous, hadTarget := s.registry.Load()
	s.registry.Store(config.Target)
	if hadTarget && previous != config.Target {
		if r, ok := s.dialer.(interface{ Reset() }); ok {
			r.Reset()
		}
	}

	if rp := s.running; rp != nil {
		// The bound listener is kept; only the target changes. A new listen
		// port or mode applies after the proxy is disabled and enabled again.
		if config.ListenPort != rp.config.ListenPort || config.EffectiveMode() != rp.config.EffectiveMode() {
			s.logger.Info().
				Uint16("listen_port", config.ListenPort).
				Str("mode", string(config.EffectiveMode())).
				Str("bound_addr", rp.listener.Addr().String()).
				Msg("Listener already bound, new listen port and mode apply after disable and enable")
		}
		s.logger.Info().Str("target", config.Target.Address()).Msg("Forward target updated")
		s.recordTransition("retarget", nil)
		return nil
	}

	signal := NewShutdownSignal()
	listener, err := StartListener(ListenerConfig{
		ListenPort:   config.ListenPort,
		Mode:         config.EffectiveMode(),
		Registry:     s.registry,
		Dialer:       s.dialer,
		Metrics:      s.metrics,
		DrainTimeout: s.drainTimeout,
		Logger:       s.logger,
	}, signal)
	if err != nil {
		s.logger.Error().Err(err).Uint16("listen_port", config.ListenPort).Msg("Failed to start proxy")
		s.recordTransition("enable", err)
		return err
	}

	s.mu.Lock()
	s.running = &runningProxy{
		signal:    signal,
		listener:  listener,
		config:    config,
		startedAt: time.Now(),
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ListenerUp.Set(1)
	}
	s.logger.Info().
		Str("listen_addr", listener.Addr().String()).
		Str("target", config.Target.Address()).
		Str("mode", string(config.EffectiveMode())).
		Msg("Proxy started")
	s.recordTransition("enable", nil)
	return nil
}

// checkSelfForward rejects a target that reaches the proxy's own listener.
// Hosts that are not literals are resolved; a failed lookup is left to the dial.
func (s *Supervisor) checkSelfForward(target types.ForwardTarget, port uint16) error {
	if target.Port != port {
		return nil
	}
	if target.IsLoopback() {
		return types.ErrForwardToListenPort
	}
	if target.IsLiteral() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), selfCheckTimeout)
	defer cancel()

	addrs, err := s.lookupIP(ctx, target.Host)
	if err != nil {
		s.logger.Debug().Err(err).Str("host", target.Host).Msg("Target lookup failed")
		return nil
	}
	for _, addr := range addrs {
		if types.IsLocalIP(addr.IP) {
			return types.ErrForwardToListenPort
		}
	}
	return nil
}

// port returns the port the listener is bound to
func (rp *runningProxy) port() uint16 {
	if addr, ok := rp.listener.Addr().(*net.TCPAddr); ok {
		return uint16(addr.Port)
	}
	return rp.config.ListenPort
}

// stopRunning signals the running listener and waits for it to drain
func (s *Supervisor) stopRunning() error {
	rp := s.running

	if err := rp.signal.Fire(); err != nil {
		return fmt.Errorf("%w: shutdown signal for %s not delivered: %v", ErrInvariant, rp.listener.Addr(), err)
	}
	<-rp.listener.Done()
	drainErr := rp.listener.Err()

	s.mu.Lock()
	s.running = nil
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ListenerUp.Set(0)
	}
	s.logger.Info().Str("listen_addr", rp.listener.Addr().String()).Msg("Proxy stopped")

	// The proxy is off either way; an abandoned drain is only reported
	s.recordTransition("disable", drainErr)
	return nil
}

// recordTransition stores the outcome of an update for LastError and metrics
func (s *Supervisor) recordTransition(action string, err error) {
	result := "ok"
	msg := ""
	if err != nil {
		result = "error"
		msg = err.Error()
	}

	s.mu.Lock()
	s.lastErr = msg
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.TransitionsTotal.WithLabelValues(action, result).Inc()
	}
}

func (s *Supervisor) notify() {
	s.subMu.RLock()
	subscribers := s.subscribers
	s.subMu.RUnlock()

	if len(subscribers) == 0 {
		return
	}
	status := s.Status()
	for _, fn := range subscribers {
		fn(status)
	}
}

// LastError returns the error message of the most recent update, or ""
func (s *Supervisor) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// IsRunning reports whether a listener is bound
func (s *Supervisor) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running != nil
}

// ListenAddr returns the bound listener address, or "" when idle
func (s *Supervisor) ListenAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.running == nil {
		return ""
	}
	return s.running.listener.Addr().String()
}

// Status returns a snapshot of the proxy state
func (s *Supervisor) Status() types.ProxyStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := types.ProxyStatus{
		State:     types.ProxyStateIdle,
		LastError: s.lastErr,
	}

	rp := s.running
	if rp == nil {
		return status
	}

	status.State = types.ProxyStateRunning
	status.ListenAddr = rp.listener.Addr().String()
	status.Mode = rp.config.EffectiveMode()
	startedAt := rp.startedAt
	status.StartedAt = &startedAt

	status.ListenPort = rp.port()
	if target, ok := s.registry.Load(); ok {
		status.Target = &target
	}

	stats := rp.listener.Stats()
	status.Connections = stats.Connections
	status.ActiveConns = stats.ActiveConns
	status.Requests = stats.Requests
	status.BytesSent = stats.BytesSent
	status.BytesReceived = stats.BytesReceived
	status.DialErrors = stats.DialErrors

	return status
}
