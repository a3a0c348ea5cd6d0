package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"
)

// ErrNoTarget is reported when a connection arrives before any target was stored
var ErrNoTarget = errors.New("no forward target configured")

// Forwarder handles one accepted inbound connection until it is done with it.
// ctx carries the per-connection logger and is cancelled when the owning
// listener starts draining; forwarders use it to stop waiting for new work,
// never to abort work in progress.
type Forwarder interface {
	Serve(ctx context.Context, conn net.Conn)
}

// TCPForwarder relays raw bytes between the inbound connection and the target
type TCPForwarder struct {
	registry *TargetRegistry
	dialer   Dialer
	rec      *recorder
	// outbound holds dialed target connections, closed if a drain is abandoned
	outbound *connSet
}

// Serve dials the current target and relays until both directions are closed
func (f *TCPForwarder) Serve(ctx context.Context, inbound net.Conn) {
	defer inbound.Close()

	logger := zerolog.Ctx(ctx)

	target, ok := f.registry.Load()
	if !ok {
		logger.Error().Err(ErrNoTarget).Msg("Dropping connection")
		return
	}

	// The drain signal must not abort a dial for a connection already accepted
	outbound, err := f.dialer.DialContext(context.WithoutCancel(ctx), "tcp", target.Address())
	if err != nil {
		f.rec.dialError()
		logger.Warn().Err(err).Str("target", target.Address()).Msg("Failed to connect to forward target")
		return
	}
	defer outbound.Close()
	f.outbound.add(outbound)
	defer f.outbound.remove(outbound)

	sent, received := relay(inbound, outbound)
	f.rec.sent(sent)
	f.rec.received(received)

	logger.Debug().
		Str("target", target.Address()).
		Int64("bytes_sent", sent).
		Int64("bytes_received", received).
		Msg("Connection closed")
}

// relay copies data bidirectionally between client and target
func relay(client, target net.Conn) (sent, received int64) {
	return splice(client, client, target, target)
}

// splice copies clientR to target and targetR to client. When one direction
// reaches EOF the write side of the other connection is closed so the peer
// sees it; splice returns once both directions are finished.
func splice(client net.Conn, clientR io.Reader, target net.Conn, targetR io.Reader) (sent, received int64) {
	var wg sync.WaitGroup
	wg.Add(2)

	// Client -> Target
	go func() {
		defer wg.Done()
		sent, _ = io.Copy(target, clientR)
		closeWrite(target)
	}()

	// Target -> Client
	go func() {
		defer wg.Done()
		received, _ = io.Copy(client, targetR)
		closeWrite(client)
	}()

	wg.Wait()
	return sent, received
}

type closeWriter interface {
	CloseWrite() error
}

// closeWrite half-closes conn, or fully closes it when half-close is unsupported
func closeWrite(conn net.Conn) {
	if cw, ok := conn.(closeWriter); ok {
		if err := cw.CloseWrite(); err == nil {
			return
		}
	}
	conn.Close()
}
