package proxy

import (
	"context"
	"net"
	"time"
)

// DefaultDialTimeout bounds a single dial to the forward target
const DefaultDialTimeout = 10 * time.Second

// Dialer opens outbound connections to the forward target. Implementations
// must be safe for concurrent use.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Ensure the dialers implement Dialer
var (
	_ Dialer = (*net.Dialer)(nil)
	_ Dialer = (*SSHDialer)(nil)
	_ Dialer = (*BreakerDialer)(nil)
)

// NewNetDialer returns a Dialer resolving hosts with the OS resolver on every dial
func NewNetDialer(timeout time.Duration) *net.Dialer {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	return &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}
}
