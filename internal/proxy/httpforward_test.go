package proxy

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/craigderington/portswitch/pkg/types"
)

// startTestListener starts a loopback listener on an ephemeral port and stops it on cleanup
func startTestListener(t *testing.T, mode types.Mode, registry *TargetRegistry) *Listener {
	t.Helper()

	signal := NewShutdownSignal()
	l, err := StartListener(ListenerConfig{
		Mode:     mode,
		Registry: registry,
		Dialer:   NewNetDialer(time.Second),
		Logger:   zerolog.Nop(),
	}, signal)
	if err != nil {
		t.Fatalf("StartListener() error = %v", err)
	}

	t.Cleanup(func() {
		signal.Fire()
		select {
		case <-l.Done():
		case <-time.After(5 * time.Second):
			t.Error("listener did not stop")
		}
	})
	return l
}

func httpTarget(t *testing.T, server *httptest.Server) types.ForwardTarget {
	t.Helper()

	addr, err := net.ResolveTCPAddr("tcp", server.Listener.Addr().String())
	if err != nil {
		t.Fatalf("ResolveTCPAddr() error = %v", err)
	}
	return targetFor(addr)
}

func dialListener(t *testing.T, l *Listener) (net.Conn, *bufio.Reader) {
	t.Helper()

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn, bufio.NewReader(conn)
}

func roundTrip(t *testing.T, conn net.Conn, br *bufio.Reader, rawRequest string) (*http.Response, string) {
	t.Helper()

	if _, err := io.WriteString(conn, rawRequest); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("ReadResponse() error = %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	return resp, string(body)
}

func TestHTTPForwarderPreservesHeaderCaseAndOrder(t *testing.T) {
	const request = "GET /status HTTP/1.1\r\n" +
		"Host: example.test\r\n" +
		"x-lower-case: 1\r\n" +
		"X-UPPER-CASE: 2\r\n" +
		"X-Mixed-Case: 3\r\n" +
		"\r\n"
	const response = "HTTP/1.1 200 OK\r\n" +
		"content-length: 2\r\n" +
		"X-BACKEND-ID: raw\r\n" +
		"\r\n" +
		"ok"

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	received := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		head, err := readHead(bufio.NewReader(conn), maxHeaderBytes)
		if err != nil {
			received <- err.Error()
			return
		}
		received <- string(head)
		io.WriteString(conn, response)
	}()

	registry := NewTargetRegistry()
	registry.Store(targetFor(ln.Addr().(*net.TCPAddr)))
	l := startTestListener(t, types.ModeHTTP, registry)

	conn, br := dialListener(t, l)
	if _, err := io.WriteString(conn, request); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	select {
	case got := <-received:
		if got != request {
			t.Errorf("backend received head %q, want %q", got, request)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("backend did not receive the request")
	}

	head, err := readHead(br, maxHeaderBytes)
	if err != nil {
		t.Fatalf("readHead() error = %v", err)
	}
	if want := strings.TrimSuffix(response, "ok"); string(head) != want {
		t.Errorf("client received head %q, want %q", head, want)
	}
}

func TestHTTPForwarderReadsTargetPerRequest(t *testing.T) {
	backendA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "a")
	}))
	defer backendA.Close()
	backendB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "b")
	}))
	defer backendB.Close()

	registry := NewTargetRegistry()
	registry.Store(httpTarget(t, backendA))
	l := startTestListener(t, types.ModeHTTP, registry)

	conn, br := dialListener(t, l)
	const request = "GET / HTTP/1.1\r\nHost: example.test\r\n\r\n"

	if _, body := roundTrip(t, conn, br, request); body != "a" {
		t.Errorf("first response = %q, want %q", body, "a")
	}

	// Same inbound connection, new target
	registry.Store(httpTarget(t, backendB))

	if _, body := roundTrip(t, conn, br, request); body != "b" {
		t.Errorf("second response = %q, want %q", body, "b")
	}

	if got := l.Stats().Requests; got != 2 {
		t.Errorf("Requests = %v, want %v", got, 2)
	}
}

func TestHTTPForwarderChunkedBodies(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		flusher := w.(http.Flusher)
		for _, part := range bytes.Fields(body) {
			w.Write(part)
			flusher.Flush()
		}
	}))
	defer backend.Close()

	registry := NewTargetRegistry()
	registry.Store(httpTarget(t, backend))
	l := startTestListener(t, types.ModeHTTP, registry)

	conn, br := dialListener(t, l)
	request := "POST /echo HTTP/1.1\r\n" +
		"Host: example.test\r\n" +
		"Transfer-Encoding: chunked\r\n" +
		"\r\n" +
		"6\r\nhello \r\n" +
		"5\r\nworld\r\n" +
		"0\r\n\r\n"

	resp, body := roundTrip(t, conn, br, request)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %v, want %v", resp.StatusCode, http.StatusOK)
	}
	if body != "helloworld" {
		t.Errorf("body = %q, want %q", body, "helloworld")
	}
}

func TestHTTPForwarderBadGateway(t *testing.T) {
	registry := NewTargetRegistry()
	registry.Store(types.ForwardTarget{Host: "127.0.0.1", Port: unusedPort(t)})
	l := startTestListener(t, types.ModeHTTP, registry)

	conn, br := dialListener(t, l)

	resp, _ := roundTrip(t, conn, br, "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhello")
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %v, want %v", resp.StatusCode, http.StatusBadGateway)
	}
	if resp.Close {
		t.Error("502 should keep the inbound connection open")
	}

	// The connection is still usable
	resp, _ = roundTrip(t, conn, br, "GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %v, want %v", resp.StatusCode, http.StatusBadGateway)
	}
	if !resp.Close {
		t.Error("response to Connection: close should close the connection")
	}

	if got := l.Stats().DialErrors; got != 2 {
		t.Errorf("DialErrors = %v, want %v", got, 2)
	}
}

func TestHTTPForwarderMalformedRequest(t *testing.T) {
	registry := NewTargetRegistry()
	registry.Store(types.ForwardTarget{Host: "127.0.0.1", Port: unusedPort(t)})
	l := startTestListener(t, types.ModeHTTP, registry)

	conn, br := dialListener(t, l)

	resp, _ := roundTrip(t, conn, br, "NONSENSE\r\n\r\n")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %v, want %v", resp.StatusCode, http.StatusBadRequest)
	}
	if !resp.Close {
		t.Error("400 should close the connection")
	}
}

func TestHTTPForwarderDrainClosesIdleConnections(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer backend.Close()

	registry := NewTargetRegistry()
	registry.Store(httpTarget(t, backend))

	signal := NewShutdownSignal()
	l, err := StartListener(ListenerConfig{
		Mode:     types.ModeHTTP,
		Registry: registry,
		Logger:   zerolog.Nop(),
	}, signal)
	if err != nil {
		t.Fatalf("StartListener() error = %v", err)
	}

	conn, br := dialListener(t, l)
	if _, body := roundTrip(t, conn, br, "GET / HTTP/1.1\r\nHost: x\r\n\r\n"); body != "ok" {
		t.Fatalf("body = %q, want %q", body, "ok")
	}

	// The keep-alive connection is now idle
	signal.Fire()

	select {
	case <-l.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("drain did not finish with only an idle connection open")
	}

	if _, err := br.ReadByte(); err == nil {
		t.Error("idle connection should be closed after drain")
	}
}

func TestParseChunkSize(t *testing.T) {
	tests := []struct {
		line    string
		want    int64
		wantErr bool
	}{
		{line: "0\r\n", want: 0},
		{line: "1a\r\n", want: 26},
		{line: "FF;name=value\r\n", want: 255},
		{line: "zz\r\n", wantErr: true},
		{line: "-1\r\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.line), func(t *testing.T) {
			got, err := parseChunkSize([]byte(tt.line))
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseChunkSize() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseChunkSize() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReadHead(t *testing.T) {
	br := bufio.NewReader(strings.NewReader("\r\nGET / HTTP/1.1\r\nHost: x\r\n\r\nbody"))

	head, err := readHead(br, maxHeaderBytes)
	if err != nil {
		t.Fatalf("readHead() error = %v", err)
	}
	if want := "GET / HTTP/1.1\r\nHost: x\r\n\r\n"; string(head) != want {
		t.Errorf("readHead() = %q, want %q", head, want)
	}

	rest, _ := io.ReadAll(br)
	if string(rest) != "body" {
		t.Errorf("remaining = %q, want %q", rest, "body")
	}

	big := "GET / HTTP/1.1\r\nX-Big: " + strings.Repeat("a", 128) + "\r\n\r\n"
	if _, err := readHead(bufio.NewReader(strings.NewReader(big)), 64); err != errHeaderTooLarge {
		t.Errorf("readHead() error = %v, want %v", err, errHeaderTooLarge)
	}
}

func TestResponseFraming(t *testing.T) {
	get := &http.Request{Method: http.MethodGet}
	head := &http.Request{Method: http.MethodHead}

	tests := []struct {
		name string
		req  *http.Request
		resp *http.Response
		want bodyFraming
	}{
		{"head request", head, &http.Response{StatusCode: 200, ContentLength: 10}, bodyNone},
		{"no content", get, &http.Response{StatusCode: 204, ContentLength: -1}, bodyNone},
		{"chunked", get, &http.Response{StatusCode: 200, TransferEncoding: []string{"chunked"}, ContentLength: -1}, bodyChunked},
		{"content length", get, &http.Response{StatusCode: 200, ContentLength: 10}, bodyLength},
		{"until close", get, &http.Response{StatusCode: 200, ContentLength: -1}, bodyUntilClose},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got, _ := responseFraming(tt.req, tt.resp); got != tt.want {
				t.Errorf("responseFraming() = %v, want %v", got, tt.want)
			}
		})
	}
}
