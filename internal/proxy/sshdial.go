package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig describes the jump host used to reach forward targets
type SSHConfig struct {
	Host       string
	Port       int
	User       string
	KeyPath    string
	Passphrase string
	// AgentSocket authenticates through a running ssh-agent, tried before KeyPath
	AgentSocket string
	KnownHosts  string
	// InsecureIgnoreHostKey skips host key verification. Must be set
	// explicitly; an empty KnownHosts path is otherwise an error.
	InsecureIgnoreHostKey bool
	Timeout               time.Duration
}

// SSHDialer dials forward targets through an SSH jump host. The SSH client is
// connected on first use and re-established after it drops.
type SSHDialer struct {
	addr         string
	clientConfig *ssh.ClientConfig
	timeout      time.Duration
	logger       zerolog.Logger

	client  *ssh.Client
	pending *sshAttempt
	closed  bool
	mu      sync.Mutex
}

// ErrSSHDialerClosed is returned by dials after Close
var ErrSSHDialerClosed = errors.New("ssh dialer closed")

// NewSSHDialer validates config and loads the private key
func NewSSHDialer(config SSHConfig, logger zerolog.Logger) (*SSHDialer, error) {
	if config.Host == "" {
		return nil, errors.New("ssh host is required")
	}
	if config.User == "" {
		return nil, errors.New("ssh user is required")
	}
	if config.Port == 0 {
		config.Port = 22
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultDialTimeout
	}

	var auths []ssh.AuthMethod
	if config.AgentSocket != "" {
		auth, err := agentAuth(config.AgentSocket)
		if err != nil {
			return nil, fmt.Errorf("agent authentication failed: %w", err)
		}
		auths = append(auths, auth)
	}
	if config.KeyPath != "" || len(auths) == 0 {
		auth, err := keyAuth(config.KeyPath, config.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("key authentication failed: %w", err)
		}
		auths = append(auths, auth)
	}

	hostKeyCallback, err := hostKeyCallback(config)
	if err != nil {
		return nil, err
	}

	return &SSHDialer{
		addr: net.JoinHostPort(config.Host, strconv.Itoa(config.Port)),
		clientConfig: &ssh.ClientConfig{
			User:            config.User,
			Auth:            auths,
			HostKeyCallback: hostKeyCallback,
			Timeout:         config.Timeout,
		},
		timeout: config.Timeout,
		logger:  logger.With().Str("component", "ssh_dialer").Str("jump_host", config.Host).Logger(),
	}, nil
}

// DialContext opens a connection to address from the jump host
func (d *SSHDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	client, err := d.connect(ctx)
	if err != nil {
		return nil, err
	}

	conn, err := client.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s via %s: %w", address, d.addr, err)
	}
	return conn, nil
}

// sshAttempt is one handshake with the jump host, shared by every dial
// waiting for it
type sshAttempt struct {
	done   chan struct{}
	client *ssh.Client
	err    error
}

// connect returns the live SSH client, establishing it if needed. Only one
// handshake runs at a time and no lock is held while it does.
func (d *SSHDialer) connect(ctx context.Context) (*ssh.Client, error) {
	d.mu.Lock()
	if d.client != nil {
		client := d.client
		d.mu.Unlock()
		return client, nil
	}
	if d.closed {
		d.mu.Unlock()
		return nil, ErrSSHDialerClosed
	}
	attempt := d.pending
	if attempt == nil {
		attempt = &sshAttempt{done: make(chan struct{})}
		d.pending = attempt
		go d.establish(attempt)
	}
	d.mu.Unlock()

	select {
	case <-attempt.done:
		return attempt.client, attempt.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// establish runs the handshake for attempt and publishes the client
func (d *SSHDialer) establish(attempt *sshAttempt) {
	client, err := d.handshake()

	d.mu.Lock()
	d.pending = nil
	if err == nil && d.closed {
		client.Close()
		client, err = nil, ErrSSHDialerClosed
	}
	if err == nil {
		d.client = client
	}
	d.mu.Unlock()

	attempt.client, attempt.err = client, err
	close(attempt.done)

	if err != nil {
		d.logger.Warn().Err(err).Msg("SSH session failed")
		return
	}
	d.logger.Info().Msg("SSH session established")

	go func() {
		err := client.Wait()
		d.mu.Lock()
		if d.client == client {
			d.client = nil
		}
		d.mu.Unlock()
		d.logger.Warn().Err(err).Msg("SSH session closed")
	}()
}

// handshake dials the jump host. The whole exchange is bounded by the timeout.
func (d *SSHDialer) handshake() (*ssh.Client, error) {
	dialer := &net.Dialer{Timeout: d.timeout}
	conn, err := dialer.Dial("tcp", d.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", d.addr, err)
	}

	conn.SetDeadline(time.Now().Add(d.timeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, d.addr, d.clientConfig)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to establish SSH session with %s: %w", d.addr, err)
	}
	conn.SetDeadline(time.Time{})

	return ssh.NewClient(sshConn, chans, reqs), nil
}

// Close tears down the SSH session
func (d *SSHDialer) Close() error {
	d.mu.Lock()
	client := d.client
	d.client = nil
	d.closed = true
	d.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Close()
}

func keyAuth(keyPath, passphrase string) (ssh.AuthMethod, error) {
	if keyPath == "" {
		return nil, errors.New("key path is required")
	}

	expandedPath, err := expandPath(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to expand key path: %w", err)
	}

	key, err := os.ReadFile(expandedPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key from %s: %w", expandedPath, err)
	}

	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return ssh.PublicKeys(signer), nil
}

// agentAuth signs with the keys held by the ssh-agent listening on socket
func agentAuth(socket string) (ssh.AuthMethod, error) {
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SSH agent at %s: %w", socket, err)
	}

	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), nil
}

func hostKeyCallback(config SSHConfig) (ssh.HostKeyCallback, error) {
	if config.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	if config.KnownHosts == "" {
		return nil, errors.New("known_hosts path is required unless host key checking is disabled")
	}

	path, err := expandPath(config.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("failed to expand known_hosts path: %w", err)
	}

	callback, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse known_hosts file: %w", err)
	}
	return callback, nil
}

// expandPath expands a leading ~ to the user's home directory
func expandPath(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, strings.TrimPrefix(path[1:], "/")), nil
}
