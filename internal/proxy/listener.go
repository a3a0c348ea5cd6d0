package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/craigderington/portswitch/pkg/types"
)

// ErrDrainTimeout is recorded when connections were still open after the drain timeout
var ErrDrainTimeout = errors.New("timeout waiting for connections to close")

// BindError is returned when the listen port cannot be bound
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to bind to %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// ListenerConfig configures a Listener
type ListenerConfig struct {
	// ListenPort on the loopback interface, 0 picks an ephemeral port
	ListenPort uint16
	Mode       types.Mode
	Registry   *TargetRegistry
	Dialer     Dialer
	Metrics    *Metrics
	// DrainTimeout bounds the wait for open connections after shutdown.
	// Zero waits for as long as they take.
	DrainTimeout time.Duration
	Logger       zerolog.Logger
}

// Listener owns one bound loopback socket. Its accept loop hands every
// connection to a Forwarder and runs until the ShutdownSignal fires, then
// waits for the connections it spawned before reporting Done.
type Listener struct {
	listener     net.Listener
	forwarder    Forwarder
	rec          *recorder
	signal       *ShutdownSignal
	drainTimeout time.Duration
	metrics      *Metrics
	logger       zerolog.Logger

	// Cancelled when draining starts
	ctx    context.Context
	cancel context.CancelFunc

	// Connection tracking
	activeConns sync.WaitGroup
	inbound     *connSet
	outbound    *connSet

	done chan struct{}
	err  error
}

// StartListener binds the listen port and starts accepting connections.
// The bind happens before StartListener returns; a failure is a *BindError.
func StartListener(config ListenerConfig, signal *ShutdownSignal) (*Listener, error) {
	if config.Registry == nil {
		return nil, errors.New("target registry is required")
	}
	if config.Dialer == nil {
		config.Dialer = NewNetDialer(DefaultDialTimeout)
	}
	mode, err := types.ParseMode(string(config.Mode))
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(int(config.ListenPort)))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, &BindError{Addr: addr, Err: err}
	}

	rec := newRecorder(mode, config.Metrics)
	outbound := newConnSet()

	var forwarder Forwarder
	switch mode {
	case types.ModeHTTP:
		forwarder = &HTTPForwarder{registry: config.Registry, dialer: config.Dialer, rec: rec, outbound: outbound}
	default:
		forwarder = &TCPForwarder{registry: config.Registry, dialer: config.Dialer, rec: rec, outbound: outbound}
	}

	ctx, cancel := context.WithCancel(context.Background())

	l := &Listener{
		listener:     listener,
		forwarder:    forwarder,
		rec:          rec,
		signal:       signal,
		drainTimeout: config.DrainTimeout,
		metrics:      config.Metrics,
		logger: config.Logger.With().
			Str("listen_addr", listener.Addr().String()).
			Str("mode", string(mode)).
			Logger(),
		ctx:      ctx,
		cancel:   cancel,
		inbound:  newConnSet(),
		outbound: outbound,
		done:     make(chan struct{}),
	}

	go l.run()

	return l, nil
}

// Addr returns the bound address
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Done is closed once the listener stopped and its connections drained
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// Err returns the drain outcome, valid after Done is closed
func (l *Listener) Err() error {
	<-l.done
	return l.err
}

// Stats returns the current statistics
func (l *Listener) Stats() ForwarderStats {
	return l.rec.snapshot()
}

func (l *Listener) run() {
	defer close(l.done)

	stopped := make(chan struct{})
	go func() {
		select {
		case <-l.signal.Done():
			l.logger.Info().Msg("Graceful shutdown signal received")
		case <-stopped:
		}
		l.listener.Close()
	}()

	l.logger.Info().Msg("Listener started")
	l.acceptLoop()
	close(stopped)

	// Idle connections stop waiting for more work
	l.cancel()

	start := time.Now()
	l.err = l.drain()
	if l.metrics != nil {
		l.metrics.DrainDuration.Observe(time.Since(start).Seconds())
	}

	if l.err != nil {
		l.logger.Warn().Err(l.err).Msg("Listener stopped before all connections closed")
		return
	}
	l.logger.Info().Dur("drain", time.Since(start)).Msg("All connections closed")
}

// acceptLoop accepts incoming connections and spawns goroutines to handle them
func (l *Listener) acceptLoop() {
	var backoff time.Duration

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.signal.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				l.logger.Error().Err(err).Msg("Listener closed unexpectedly")
				return
			}

			// Transient accept failure, e.g. out of file descriptors
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			l.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("Accept failed")
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		l.track(conn)
		go l.handleConnection(conn)
	}
}

// handleConnection runs the forwarder for a single accepted connection
func (l *Listener) handleConnection(conn net.Conn) {
	defer l.activeConns.Done()
	defer l.inbound.remove(conn)

	l.rec.connOpened()
	defer l.rec.connClosed()

	logger := l.logger.With().
		Str("conn_id", uuid.NewString()).
		Str("remote_addr", conn.RemoteAddr().String()).
		Logger()
	logger.Debug().Msg("Connection accepted")

	l.forwarder.Serve(logger.WithContext(l.ctx), conn)
}

func (l *Listener) track(conn net.Conn) {
	l.inbound.add(conn)
	l.activeConns.Add(1)
}

// drain waits for every spawned connection. With a drain timeout, connections
// still open when it expires are closed and abandoned.
func (l *Listener) drain() error {
	done := make(chan struct{})
	go func() {
		l.activeConns.Wait()
		close(done)
	}()

	if l.drainTimeout <= 0 {
		<-done
		return nil
	}

	timer := time.NewTimer(l.drainTimeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
	}

	// Both sides are closed so blocked relays return and release their goroutines
	abandoned := l.inbound.closeAll()
	l.outbound.closeAll()

	return fmt.Errorf("%w: closed %d connections after %v", ErrDrainTimeout, abandoned, l.drainTimeout)
}

// connSet tracks open connections so an abandoned drain can close them. Once
// closed, connections added later are closed immediately. A nil set ignores
// every call.
type connSet struct {
	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

func newConnSet() *connSet {
	return &connSet{conns: make(map[net.Conn]struct{})}
}

func (s *connSet) add(conn net.Conn) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		conn.Close()
		return
	}
	s.conns[conn] = struct{}{}
}

func (s *connSet) remove(conn net.Conn) {
	if s == nil {
		return
	}
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// closeAll closes every tracked connection and returns how many there were
func (s *connSet) closeAll() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	n := len(s.conns)
	for conn := range s.conns {
		conn.Close()
	}
	clear(s.conns)
	return n
}
