package proxy

import (
	"errors"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/craigderington/portswitch/pkg/types"
)

func TestStartListenerBindError(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer occupied.Close()
	port := uint16(occupied.Addr().(*net.TCPAddr).Port)

	_, err = StartListener(ListenerConfig{
		ListenPort: port,
		Registry:   NewTargetRegistry(),
		Logger:     zerolog.Nop(),
	}, NewShutdownSignal())

	var bindErr *BindError
	if !errors.As(err, &bindErr) {
		t.Fatalf("StartListener() error = %v, want *BindError", err)
	}
	if want := "127.0.0.1:" + strconv.Itoa(int(port)); bindErr.Addr != want {
		t.Errorf("BindError.Addr = %v, want %v", bindErr.Addr, want)
	}
}

func TestStartListenerRequiresRegistry(t *testing.T) {
	if _, err := StartListener(ListenerConfig{Logger: zerolog.Nop()}, NewShutdownSignal()); err == nil {
		t.Error("StartListener() without registry should fail")
	}
}

func TestListenerForwardsTCP(t *testing.T) {
	echo := startEchoServer(t)

	registry := NewTargetRegistry()
	registry.Store(targetFor(echo))
	l := startTestListener(t, types.ModeTCP, registry)

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if got := exchange(t, conn, "ping"); got != "ping" {
		t.Errorf("relay = %q, want %q", got, "ping")
	}
}

func TestListenerDrainWaitsForInFlightConnections(t *testing.T) {
	echo := startEchoServer(t)

	registry := NewTargetRegistry()
	registry.Store(targetFor(echo))

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	signal := NewShutdownSignal()
	l, err := StartListener(ListenerConfig{
		Registry: registry,
		Metrics:  metrics,
		Logger:   zerolog.Nop(),
	}, signal)
	if err != nil {
		t.Fatalf("StartListener() error = %v", err)
	}
	addr := l.Addr().String()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	// Round trip once so the connection is known to be forwarded
	buf := make([]byte, 1)
	conn.Write([]byte("a"))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("ReadFull() error = %v", err)
	}

	signal.Fire()

	// New connections are refused once the listener is closed
	refused := false
	for i := 0; i < 100; i++ {
		c, err := net.Dial("tcp", addr)
		if err != nil {
			refused = true
			break
		}
		c.Close()
		time.Sleep(10 * time.Millisecond)
	}
	if !refused {
		t.Error("listener kept accepting after the shutdown signal")
	}

	select {
	case <-l.Done():
		t.Fatal("listener finished while a connection was still open")
	case <-time.After(100 * time.Millisecond):
	}

	// The in-flight connection still works
	conn.Write([]byte("b"))
	if _, err := io.ReadFull(conn, buf); err != nil || buf[0] != 'b' {
		t.Fatalf("relay during drain = %q, %v", buf, err)
	}

	conn.(*net.TCPConn).CloseWrite()
	io.Copy(io.Discard, conn)

	select {
	case <-l.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not finish after the last connection closed")
	}
	if err := l.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range families {
		switch mf.GetName() {
		case "portswitch_active_connections":
			if got := mf.GetMetric()[0].GetGauge().GetValue(); got != 0 {
				t.Errorf("active connections = %v, want 0", got)
			}
		case "portswitch_drain_duration_seconds":
			if got := mf.GetMetric()[0].GetHistogram().GetSampleCount(); got != 1 {
				t.Errorf("drain observations = %v, want 1", got)
			}
		case "portswitch_connections_total":
			if got := mf.GetMetric()[0].GetCounter().GetValue(); got < 1 {
				t.Errorf("connections total = %v, want at least 1", got)
			}
		}
	}
}

func TestListenerDrainTimeout(t *testing.T) {
	echo := startEchoServer(t)

	registry := NewTargetRegistry()
	registry.Store(targetFor(echo))

	signal := NewShutdownSignal()
	l, err := StartListener(ListenerConfig{
		Registry:     registry,
		DrainTimeout: 50 * time.Millisecond,
		Logger:       zerolog.Nop(),
	}, signal)
	if err != nil {
		t.Fatalf("StartListener() error = %v", err)
	}

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	buf := make([]byte, 1)
	conn.Write([]byte("a"))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("ReadFull() error = %v", err)
	}

	signal.Fire()

	select {
	case <-l.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("drain timeout did not stop the listener")
	}
	if err := l.Err(); !errors.Is(err, ErrDrainTimeout) {
		t.Errorf("Err() = %v, want %v", err, ErrDrainTimeout)
	}

	// The abandoned connection was closed
	if _, err := conn.Read(buf); err == nil {
		t.Error("connection should be closed after the drain timeout")
	}
}

func TestListenerDrainTimeoutClosesTargetSide(t *testing.T) {
	// The target accepts and then never writes or closes
	target, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer target.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := target.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	registry := NewTargetRegistry()
	registry.Store(targetFor(target.Addr().(*net.TCPAddr)))

	signal := NewShutdownSignal()
	l, err := StartListener(ListenerConfig{
		Registry:     registry,
		DrainTimeout: 50 * time.Millisecond,
		Logger:       zerolog.Nop(),
	}, signal)
	if err != nil {
		t.Fatalf("StartListener() error = %v", err)
	}

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	var upstream net.Conn
	select {
	case upstream = <-accepted:
		defer upstream.Close()
	case <-time.After(5 * time.Second):
		t.Fatal("target never saw the forwarded connection")
	}

	signal.Fire()
	select {
	case <-l.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("drain timeout did not stop the listener")
	}

	// The relay returns once its outbound side is closed too
	deadline := time.Now().Add(2 * time.Second)
	for l.Stats().ActiveConns != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("ActiveConns = %d after the drain was abandoned, want 0", l.Stats().ActiveConns)
		}
		time.Sleep(10 * time.Millisecond)
	}

	upstream.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.Copy(io.Discard, upstream); err != nil {
		t.Errorf("target read error = %v, want EOF", err)
	}
}

func TestConnSetClosesLateAdds(t *testing.T) {
	set := newConnSet()
	a, b := connPair(t)
	set.add(a)

	if got := set.closeAll(); got != 1 {
		t.Errorf("closeAll() = %d, want 1", got)
	}

	// Added after closeAll, e.g. a dial that finished late
	c, _ := connPair(t)
	set.add(c)
	if _, err := c.Write([]byte("x")); err == nil {
		t.Error("connection added after closeAll should be closed")
	}

	b.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := b.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("peer Read() error = %v, want EOF", err)
	}

	var nilSet *connSet
	nilSet.add(a)
	nilSet.remove(a)
	if got := nilSet.closeAll(); got != 0 {
		t.Errorf("nil closeAll() = %d, want 0", got)
	}
}

func TestBindErrorUnwrap(t *testing.T) {
	inner := errors.New("address already in use")
	err := &BindError{Addr: "127.0.0.1:9000", Err: inner}

	if !errors.Is(err, inner) {
		t.Error("BindError should unwrap to the underlying error")
	}
	if want := "failed to bind to 127.0.0.1:9000: address already in use"; err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
