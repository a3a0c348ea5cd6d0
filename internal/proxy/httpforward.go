package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	maxHeaderBytes    = 1 << 20
	maxChunkLineBytes = 64 << 10
)

var (
	errHeaderTooLarge = errors.New("header section too large")
	errBadChunk       = errors.New("malformed chunk size line")
)

// HTTPForwarder relays HTTP/1.1 exchanges. Every request reads the current
// target and gets its own outbound connection, which is closed once the
// response has been streamed back. Request and response heads are forwarded
// verbatim, so header names keep their casing and order.
type HTTPForwarder struct {
	registry *TargetRegistry
	dialer   Dialer
	rec      *recorder
	outbound *connSet
}

// Serve handles requests on inbound until the client closes, an exchange
// leaves the connection unusable, or the listener drains while it is idle.
func (f *HTTPForwarder) Serve(ctx context.Context, inbound net.Conn) {
	defer inbound.Close()

	logger := zerolog.Ctx(ctx)
	ibr := bufio.NewReader(inbound)

	guard := &idleGuard{conn: inbound}
	stop := context.AfterFunc(ctx, guard.drain)
	defer stop()

	for {
		if !guard.enter() {
			return
		}
		_, err := ibr.Peek(1)
		guard.leave()
		if err != nil {
			return
		}

		if !f.exchange(ctx, inbound, ibr, logger) {
			return
		}
	}
}

// exchange relays one request and its response. It returns whether the
// inbound connection can carry another request.
func (f *HTTPForwarder) exchange(ctx context.Context, inbound net.Conn, ibr *bufio.Reader, logger *zerolog.Logger) bool {
	start := time.Now()

	reqHead, err := readHead(ibr, maxHeaderBytes)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return false
		}
		status := http.StatusBadRequest
		if errors.Is(err, errHeaderTooLarge) {
			status = http.StatusRequestHeaderFieldsTooLarge
		}
		logger.Debug().Err(err).Msg("Failed to read request")
		f.respond(inbound, status, true)
		return false
	}

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(reqHead)))
	if err != nil {
		logger.Debug().Err(err).Msg("Malformed request")
		f.respond(inbound, http.StatusBadRequest, true)
		return false
	}
	reqFraming, reqLength := requestFraming(req)

	reqLogger := logger.With().
		Str("method", req.Method).
		Str("uri", req.RequestURI).
		Logger()

	target, ok := f.registry.Load()
	if !ok {
		reqLogger.Error().Err(ErrNoTarget).Msg("Rejecting request")
		return f.reject(inbound, ibr, req, reqFraming, reqLength)
	}
	reqLogger = reqLogger.With().Str("target", target.Address()).Logger()

	outbound, err := f.dialer.DialContext(context.WithoutCancel(ctx), "tcp", target.Address())
	if err != nil {
		f.rec.dialError()
		reqLogger.Warn().Err(err).Msg("Failed to connect to forward target")
		return f.reject(inbound, ibr, req, reqFraming, reqLength)
	}
	defer outbound.Close()
	f.outbound.add(outbound)
	defer f.outbound.remove(outbound)

	up := &countingWriter{w: outbound}
	down := &countingWriter{w: inbound}
	defer func() {
		f.rec.sent(up.n)
		f.rec.received(down.n)
	}()

	if _, err := up.Write(reqHead); err != nil {
		reqLogger.Warn().Err(err).Msg("Failed to send request to forward target")
		return f.reject(inbound, ibr, req, reqFraming, reqLength)
	}

	// The request body is streamed while the response is read, so
	// "Expect: 100-continue" exchanges make progress.
	bodyDone := make(chan error, 1)
	go func() {
		bodyDone <- copyBody(up, ibr, reqFraming, reqLength)
	}()

	obr := bufio.NewReader(outbound)
	var resp *http.Response
	for {
		respHead, err := readHead(obr, maxHeaderBytes)
		if err == nil {
			resp, err = http.ReadResponse(bufio.NewReader(bytes.NewReader(respHead)), req)
		}
		if err != nil {
			reqLogger.Warn().Err(err).Msg("Invalid response from forward target")
			outbound.Close()
			if bodyErr := <-bodyDone; bodyErr != nil {
				// The rest of the request body is unaccounted for
				f.respond(inbound, http.StatusBadGateway, true)
				return false
			}
			f.respond(inbound, http.StatusBadGateway, req.Close)
			return !req.Close
		}

		if _, err := down.Write(respHead); err != nil {
			outbound.Close()
			<-bodyDone
			return false
		}

		// Interim responses are followed by the final one
		if resp.StatusCode >= 100 && resp.StatusCode < 200 && resp.StatusCode != http.StatusSwitchingProtocols {
			continue
		}
		break
	}

	if resp.StatusCode == http.StatusSwitchingProtocols {
		if err := <-bodyDone; err != nil {
			return false
		}
		f.rec.request(resp.StatusCode)
		reqLogger.Debug().Msg("Upgraded connection, relaying raw bytes")
		sent, received := splice(inbound, ibr, outbound, obr)
		up.n += sent
		down.n += received
		return false
	}

	respFraming, respLength := responseFraming(req, resp)
	respErr := copyBody(down, obr, respFraming, respLength)
	outbound.Close()
	reqErr := <-bodyDone

	f.rec.request(resp.StatusCode)
	reqLogger.Debug().
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Request forwarded")

	if respErr != nil || reqErr != nil {
		reqLogger.Debug().AnErr("response_error", respErr).AnErr("request_error", reqErr).Msg("Exchange ended early")
		return false
	}

	return !req.Close && !resp.Close && respFraming != bodyUntilClose
}

// reject answers a request that could not be forwarded with 502 Bad Gateway.
// The request body is consumed first so the connection stays in sync.
func (f *HTTPForwarder) reject(inbound net.Conn, ibr *bufio.Reader, req *http.Request, framing bodyFraming, length int64) bool {
	// The client is waiting for permission to send the body
	if expectsContinue(req) {
		f.respond(inbound, http.StatusBadGateway, true)
		return false
	}

	if err := copyBody(io.Discard, ibr, framing, length); err != nil {
		return false
	}

	if err := f.respond(inbound, http.StatusBadGateway, req.Close); err != nil {
		return false
	}
	return !req.Close
}

// respond writes a short plain-text response generated by the proxy itself
func (f *HTTPForwarder) respond(w io.Writer, status int, closeConn bool) error {
	f.rec.request(status)
	return writeStatus(w, status, closeConn)
}

func writeStatus(w io.Writer, status int, closeConn bool) error {
	text := http.StatusText(status)

	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, text)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(text)+1)
	if closeConn {
		b.WriteString("Connection: close\r\n")
	}
	b.WriteString("\r\n")
	b.WriteString(text)
	b.WriteString("\n")

	_, err := io.WriteString(w, b.String())
	return err
}

func expectsContinue(req *http.Request) bool {
	return strings.EqualFold(strings.TrimSpace(req.Header.Get("Expect")), "100-continue")
}

// idleGuard interrupts a connection blocked waiting for its next request when
// the listener drains. A connection in the middle of an exchange is left alone
// and closed once that exchange is done.
type idleGuard struct {
	conn     net.Conn
	mu       sync.Mutex
	idle     bool
	draining bool
}

// enter marks the connection idle. It returns false once draining started.
func (g *idleGuard) enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.draining {
		return false
	}
	g.idle = true
	return true
}

// leave marks the connection busy again and clears any interrupt deadline
func (g *idleGuard) leave() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.idle = false
	g.conn.SetReadDeadline(time.Time{})
}

func (g *idleGuard) drain() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.draining = true
	if g.idle {
		g.conn.SetReadDeadline(time.Now())
	}
}

type bodyFraming int

const (
	bodyNone bodyFraming = iota
	bodyLength
	bodyChunked
	bodyUntilClose
)

func requestFraming(req *http.Request) (bodyFraming, int64) {
	if isChunked(req.TransferEncoding) {
		return bodyChunked, 0
	}
	if req.ContentLength > 0 {
		return bodyLength, req.ContentLength
	}
	return bodyNone, 0
}

func responseFraming(req *http.Request, resp *http.Response) (bodyFraming, int64) {
	switch {
	case req.Method == http.MethodHead,
		resp.StatusCode >= 100 && resp.StatusCode < 200,
		resp.StatusCode == http.StatusNoContent,
		resp.StatusCode == http.StatusNotModified:
		return bodyNone, 0
	case isChunked(resp.TransferEncoding):
		return bodyChunked, 0
	case resp.ContentLength == 0:
		return bodyNone, 0
	case resp.ContentLength > 0:
		return bodyLength, resp.ContentLength
	default:
		return bodyUntilClose, 0
	}
}

func isChunked(te []string) bool {
	return len(te) > 0 && strings.EqualFold(te[len(te)-1], "chunked")
}

// copyBody copies one message body from src to dst without decoding it
func copyBody(dst io.Writer, src *bufio.Reader, framing bodyFraming, length int64) error {
	switch framing {
	case bodyLength:
		_, err := io.CopyN(dst, src, length)
		return err
	case bodyChunked:
		return copyChunked(dst, src)
	case bodyUntilClose:
		_, err := io.Copy(dst, src)
		return err
	default:
		return nil
	}
}

// copyChunked copies a chunked body verbatim, chunk framing and trailers included
func copyChunked(dst io.Writer, src *bufio.Reader) error {
	for {
		line, err := readLine(src, maxChunkLineBytes)
		if err != nil {
			return err
		}
		if _, err := dst.Write(line); err != nil {
			return err
		}

		size, err := parseChunkSize(line)
		if err != nil {
			return err
		}

		if size == 0 {
			// Trailer section, terminated by an empty line
			for {
				line, err := readLine(src, maxHeaderBytes)
				if err != nil {
					return err
				}
				if _, err := dst.Write(line); err != nil {
					return err
				}
				if isBlankLine(line) {
					return nil
				}
			}
		}

		// Chunk data plus its trailing CRLF
		if _, err := io.CopyN(dst, src, size+2); err != nil {
			return err
		}
	}
}

func parseChunkSize(line []byte) (int64, error) {
	s := strings.TrimRight(string(line), "\r\n")
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	size, err := strconv.ParseInt(strings.TrimSpace(s), 16, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("%w: %q", errBadChunk, s)
	}
	return size, nil
}

// readHead reads a message head verbatim, up to and including the empty line
// that ends it. Empty lines before the start line are skipped.
func readHead(br *bufio.Reader, limit int) ([]byte, error) {
	var head []byte
	for {
		line, err := readLine(br, limit-len(head))
		if err != nil {
			if errors.Is(err, io.EOF) && len(head) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}

		if isBlankLine(line) {
			if len(head) == 0 {
				continue
			}
			return append(head, line...), nil
		}
		head = append(head, line...)
	}
}

// readLine reads one line including its terminator, refusing lines longer than limit
func readLine(br *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	for {
		frag, err := br.ReadSlice('\n')
		line = append(line, frag...)
		if len(line) > limit {
			return nil, errHeaderTooLarge
		}
		switch {
		case err == nil:
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(line) > 0:
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}
	}
}

func isBlankLine(line []byte) bool {
	return string(line) == "\r\n" || string(line) == "\n"
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
