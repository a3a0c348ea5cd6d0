package types

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// LoopbackHost is the hostname a target must differ from to count as external
const LoopbackHost = "localhost"

var (
	// ErrForwardToListenPort is returned when a configuration would forward the
	// listening port to itself
	ErrForwardToListenPort = errors.New("Cannot forward to listening port")
	// ErrEmptyTargetHost is returned when an enabled configuration has no target host
	ErrEmptyTargetHost = errors.New("target host is required")
	// ErrUnknownMode is returned for a forwarding mode other than tcp or http
	ErrUnknownMode = errors.New("unknown forwarding mode")
)

// Mode selects how accepted connections are relayed to the target
type Mode string

const (
	ModeTCP  Mode = "tcp"
	ModeHTTP Mode = "http"
)

// ParseMode parses a mode name, defaulting to tcp when empty
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeTCP:
		return ModeTCP, nil
	case ModeHTTP:
		return ModeHTTP, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// ForwardTarget is the remote endpoint traffic is forwarded to
type ForwardTarget struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

// IsExternal reports whether the target host is something other than localhost
func (t ForwardTarget) IsExternal() bool {
	return t.Host != LoopbackHost
}

// IsLoopback reports whether the target host names the local machine without
// a lookup. Unspecified addresses count: dialing 0.0.0.0 or :: reaches the
// loopback listener.
func (t ForwardTarget) IsLoopback() bool {
	host := strings.TrimSuffix(strings.Trim(t.Host, "[]"), ".")
	if strings.EqualFold(host, LoopbackHost) {
		return true
	}
	return IsLocalIP(net.ParseIP(host))
}

// IsLocalIP reports whether dialing ip reaches a listener bound to loopback
func IsLocalIP(ip net.IP) bool {
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}

// IsLiteral reports whether the host is an IP address or localhost, which
// need no lookup to classify
func (t ForwardTarget) IsLiteral() bool {
	host := strings.TrimSuffix(strings.Trim(t.Host, "[]"), ".")
	return strings.EqualFold(host, LoopbackHost) || net.ParseIP(host) != nil
}

// Address returns the host:port form used for dialing
func (t ForwardTarget) Address() string {
	return net.JoinHostPort(strings.Trim(t.Host, "[]"), strconv.Itoa(int(t.Port)))
}

func (t ForwardTarget) String() string {
	return t.Address()
}

// ParseTarget parses "host:port" into a ForwardTarget
func ParseTarget(s string) (ForwardTarget, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return ForwardTarget{}, fmt.Errorf("invalid target %q (expected host:port): %w", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return ForwardTarget{}, fmt.Errorf("invalid port in target %q", s)
	}
	if host == "" {
		return ForwardTarget{}, ErrEmptyTargetHost
	}
	return ForwardTarget{Host: host, Port: uint16(port)}, nil
}

// ProxyConfig is a configuration update for the proxy. It is either disabled,
// or enabled with a listen port and a forward target.
type ProxyConfig struct {
	Enabled    bool          `json:"enabled"`
	ListenPort uint16        `json:"listen_port,omitempty"`
	Target     ForwardTarget `json:"target"`
	Mode       Mode          `json:"mode,omitempty"`
}

// Disabled returns the configuration that turns the proxy off
func Disabled() ProxyConfig {
	return ProxyConfig{}
}

// Enabled returns a configuration forwarding listenPort to target over raw TCP
func Enabled(listenPort uint16, target ForwardTarget) ProxyConfig {
	return ProxyConfig{
		Enabled:    true,
		ListenPort: listenPort,
		Target:     target,
		Mode:       ModeTCP,
	}
}

// WithMode returns a copy of the configuration using the given mode
func (c ProxyConfig) WithMode(mode Mode) ProxyConfig {
	c.Mode = mode
	return c
}

func (c ProxyConfig) IsOn() bool  { return c.Enabled }
func (c ProxyConfig) IsOff() bool { return !c.Enabled }

// ListenPortValue returns the listen port when enabled
func (c ProxyConfig) ListenPortValue() (uint16, bool) {
	if !c.Enabled {
		return 0, false
	}
	return c.ListenPort, true
}

// TargetValue returns the forward target when enabled
func (c ProxyConfig) TargetValue() (ForwardTarget, bool) {
	if !c.Enabled {
		return ForwardTarget{}, false
	}
	return c.Target, true
}

// EffectiveMode returns the configured mode, tcp when unset
func (c ProxyConfig) EffectiveMode() Mode {
	if c.Mode == "" {
		return ModeTCP
	}
	return c.Mode
}

// Validate checks the configuration. The only rule callers surface to users is
// ErrForwardToListenPort; the others guard malformed input.
func (c ProxyConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Target.Host == "" {
		return ErrEmptyTargetHost
	}
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return err
	}
	if c.Target.IsLoopback() && c.Target.Port == c.ListenPort {
		return ErrForwardToListenPort
	}
	return nil
}

func (c ProxyConfig) String() string {
	if !c.Enabled {
		return "disabled"
	}
	return fmt.Sprintf("%s 127.0.0.1:%d -> %s", c.EffectiveMode(), c.ListenPort, c.Target)
}

// ProxyState represents whether a listener is currently bound
type ProxyState string

const (
	ProxyStateIdle    ProxyState = "idle"
	ProxyStateRunning ProxyState = "running"
)

// ProxyStatus is a point-in-time view of the proxy
type ProxyStatus struct {
	State         ProxyState     `json:"state"`
	ListenAddr    string         `json:"listen_addr,omitempty"`
	ListenPort    uint16         `json:"listen_port,omitempty"`
	Target        *ForwardTarget `json:"target,omitempty"`
	Mode          Mode           `json:"mode,omitempty"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
	Connections   int64          `json:"connections"`
	ActiveConns   int64          `json:"active_connections"`
	Requests      int64          `json:"requests"`
	BytesSent     int64          `json:"bytes_sent"`
	BytesReceived int64          `json:"bytes_received"`
	DialErrors    int64          `json:"dial_errors"`
}

// NamedTarget is a saved forward target the operator can switch to
type NamedTarget struct {
	Name      string        `json:"name"`
	Target    ForwardTarget `json:"target"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}
