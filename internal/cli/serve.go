package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/craigderington/portswitch/internal/api"
	"github.com/craigderington/portswitch/internal/proxy"
	"github.com/craigderington/portswitch/internal/storage"
	"github.com/craigderington/portswitch/pkg/types"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the portswitch daemon",
	Long: `Run the proxy supervisor and the local control API.

The last applied configuration is restored on start. When nothing has been
stored yet, --listen-port and --target enable the proxy immediately.

Configuration keys (flags, $HOME/.portswitch.yaml or PORTSWITCH_* env):
  api.addr                  control API address
  db                        SQLite database path
  listen_port, target, mode initial proxy configuration
  drain_timeout             how long disable waits for open connections
  dial_timeout              timeout for a single dial to the target
  breaker.max_failures      dial failures before a target fails fast
  breaker.recovery_timeout  time before a failing target is retried
  dial.ssh.*                reach targets through an SSH jump host
                            (host, port, user, key, passphrase, agent,
                            known_hosts, insecure)
  rate_limit, rate_burst    control API state changes per second per client`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	flags := serveCmd.Flags()
	flags.String("addr", "127.0.0.1:7070", "control API address")
	flags.String("db", defaultDBPath(), "SQLite database path")
	flags.Int("listen-port", 0, "listen port for the initial configuration and for activating targets")
	flags.String("target", "", "initial forward target in format host:port")
	flags.String("mode", "tcp", "initial forwarding mode: tcp or http")
	flags.Duration("drain-timeout", 30*time.Second, "maximum time disable waits for open connections (0 waits forever)")
	flags.Duration("dial-timeout", proxy.DefaultDialTimeout, "timeout for a single dial to the target")
	flags.Int("breaker-max-failures", proxy.DefaultCircuitBreakerConfig().MaxFailures, "consecutive dial failures before a target fails fast")
	flags.Duration("breaker-recovery-timeout", proxy.DefaultCircuitBreakerConfig().RecoveryTimeout, "time before a failing target is retried")
	flags.String("ssh-host", "", "SSH jump host used to reach targets")
	flags.Int("ssh-port", 22, "SSH jump host port")
	flags.String("ssh-user", os.Getenv("USER"), "SSH username")
	flags.String("ssh-key", "", "path to SSH private key (default ~/.ssh/id_rsa unless --ssh-agent)")
	flags.String("ssh-passphrase", "", "passphrase for the SSH private key")
	flags.Bool("ssh-agent", false, "authenticate with the ssh-agent at $SSH_AUTH_SOCK")
	flags.String("ssh-known-hosts", "~/.ssh/known_hosts", "known_hosts file for the jump host")
	flags.Bool("ssh-insecure", false, "skip jump host key verification")
	flags.Float64("rate-limit", 0, "control API state changes per second per client (0 disables)")
	flags.Int("rate-burst", 20, "control API request burst per client")

	// Bind flags to viper
	viper.BindPFlag("api.addr", flags.Lookup("addr"))
	viper.BindPFlag("db", flags.Lookup("db"))
	viper.BindPFlag("listen_port", flags.Lookup("listen-port"))
	viper.BindPFlag("target", flags.Lookup("target"))
	viper.BindPFlag("mode", flags.Lookup("mode"))
	viper.BindPFlag("drain_timeout", flags.Lookup("drain-timeout"))
	viper.BindPFlag("dial_timeout", flags.Lookup("dial-timeout"))
	viper.BindPFlag("breaker.max_failures", flags.Lookup("breaker-max-failures"))
	viper.BindPFlag("breaker.recovery_timeout", flags.Lookup("breaker-recovery-timeout"))
	viper.BindPFlag("dial.ssh.host", flags.Lookup("ssh-host"))
	viper.BindPFlag("dial.ssh.port", flags.Lookup("ssh-port"))
	viper.BindPFlag("dial.ssh.user", flags.Lookup("ssh-user"))
	viper.BindPFlag("dial.ssh.key", flags.Lookup("ssh-key"))
	viper.BindPFlag("dial.ssh.passphrase", flags.Lookup("ssh-passphrase"))
	viper.BindPFlag("dial.ssh.agent", flags.Lookup("ssh-agent"))
	viper.BindPFlag("dial.ssh.known_hosts", flags.Lookup("ssh-known-hosts"))
	viper.BindPFlag("dial.ssh.insecure", flags.Lookup("ssh-insecure"))
	viper.BindPFlag("rate_limit", flags.Lookup("rate-limit"))
	viper.BindPFlag("rate_burst", flags.Lookup("rate-burst"))
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "portswitch.db"
	}
	return filepath.Join(home, ".portswitch", "portswitch.db")
}

func runServe(cmd *cobra.Command, args []string) error {
	addr := viper.GetString("api.addr")
	listenPort, err := portValue(viper.GetInt("listen_port"))
	if err != nil {
		return err
	}

	log.Info().
		Str("version", version).
		Str("addr", addr).
		Msg("Starting portswitch daemon")

	// Storage
	dbPath := viper.GetString("db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	store, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Outbound dialing: direct or through the jump host, behind per-target breakers
	base, closeDialer, err := newBaseDialer()
	if err != nil {
		return err
	}
	defer closeDialer()

	dialer := proxy.NewBreakerDialer(base, proxy.CircuitBreakerConfig{
		MaxFailures:     viper.GetInt("breaker.max_failures"),
		RecoveryTimeout: viper.GetDuration("breaker.recovery_timeout"),
	})

	supervisor := proxy.NewSupervisor(proxy.SupervisorConfig{
		Dialer:       dialer,
		DrainTimeout: viper.GetDuration("drain_timeout"),
		Metrics:      proxy.NewMetrics(reg),
		Logger:       log.Logger,
	})

	// Create context that cancels on interrupt
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		runErr <- supervisor.Run(ctx)
	}()

	// Create API server
	server := api.NewServer(api.Config{
		Addr:       addr,
		Logger:     log.Logger,
		Supervisor: supervisor,
		Store:      store,
		Breakers:   dialer,
		ListenPort: listenPort,
		Registry:   reg,
		RateLimit:  viper.GetFloat64("rate_limit"),
		RateBurst:  viper.GetInt("rate_burst"),
	})

	if err := restoreConfig(ctx, supervisor, store, listenPort); err != nil {
		log.Warn().Err(err).Msg("Failed to restore proxy configuration")
	}

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Start()
	}()

	log.Info().Msgf("API available at http://%s/api/v1", addr)
	log.Info().Msgf("Metrics: http://%s/metrics", addr)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var (
		exitErr        error
		supervisorErr  error
		supervisorDone bool
	)
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case err := <-serveErr:
		if err != nil {
			exitErr = fmt.Errorf("API server failed: %w", err)
		}
	case supervisorErr = <-runErr:
		// Run only returns early on a broken invariant
		supervisorDone = true
		exitErr = fmt.Errorf("proxy supervisor failed: %w", supervisorErr)
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("API server shutdown failed")
	}

	// Stopping the supervisor drains the running proxy
	cancel()
	if !supervisorDone {
		if err := <-runErr; err != nil && exitErr == nil {
			exitErr = err
		}
	}

	if exitErr != nil {
		return exitErr
	}

	log.Info().Msg("portswitch stopped gracefully")
	return nil
}

// newBaseDialer returns the dialer for forward targets and a func releasing it
func newBaseDialer() (proxy.Dialer, func(), error) {
	timeout := viper.GetDuration("dial_timeout")

	if viper.GetString("dial.ssh.host") == "" {
		return proxy.NewNetDialer(timeout), func() {}, nil
	}

	var agentSocket string
	if viper.GetBool("dial.ssh.agent") {
		agentSocket = os.Getenv("SSH_AUTH_SOCK")
		if agentSocket == "" {
			return nil, nil, errors.New("--ssh-agent requires SSH_AUTH_SOCK")
		}
	}

	keyPath := viper.GetString("dial.ssh.key")
	if keyPath == "" && agentSocket == "" {
		keyPath = "~/.ssh/id_rsa"
	}

	knownHosts := viper.GetString("dial.ssh.known_hosts")
	if viper.GetBool("dial.ssh.insecure") {
		knownHosts = ""
	}

	sshDialer, err := proxy.NewSSHDialer(proxy.SSHConfig{
		Host:                  viper.GetString("dial.ssh.host"),
		Port:                  viper.GetInt("dial.ssh.port"),
		User:                  viper.GetString("dial.ssh.user"),
		KeyPath:               keyPath,
		Passphrase:            viper.GetString("dial.ssh.passphrase"),
		AgentSocket:           agentSocket,
		KnownHosts:            knownHosts,
		InsecureIgnoreHostKey: viper.GetBool("dial.ssh.insecure"),
		Timeout:               timeout,
	}, log.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to configure SSH jump host: %w", err)
	}

	log.Info().
		Str("jump_host", viper.GetString("dial.ssh.host")).
		Msg("Dialing targets through SSH jump host")

	return sshDialer, func() { sshDialer.Close() }, nil
}

// restoreConfig applies the stored configuration, or the one given by flags
// when nothing is stored yet
func restoreConfig(ctx context.Context, supervisor *proxy.Supervisor, store *storage.SQLiteStore, listenPort uint16) error {
	config, err := store.LoadConfig(ctx)
	switch {
	case err == nil:
		if config.IsOff() {
			return nil
		}
		log.Info().Str("config", config.String()).Msg("Restoring proxy configuration")
	case errors.Is(err, storage.ErrNotFound):
		config, err = initialConfig(listenPort)
		if err != nil || config.IsOff() {
			return err
		}
	default:
		return err
	}

	applyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := supervisor.Apply(applyCtx, config); err != nil {
		return fmt.Errorf("apply %s: %w", config, err)
	}
	return store.SaveConfig(ctx, config)
}

// initialConfig builds the configuration from --listen-port, --target and --mode
func initialConfig(listenPort uint16) (types.ProxyConfig, error) {
	targetAddr := viper.GetString("target")
	if targetAddr == "" {
		return types.Disabled(), nil
	}
	if listenPort == 0 {
		return types.ProxyConfig{}, errors.New("--listen-port is required with --target")
	}

	target, err := types.ParseTarget(targetAddr)
	if err != nil {
		return types.ProxyConfig{}, err
	}
	mode, err := types.ParseMode(viper.GetString("mode"))
	if err != nil {
		return types.ProxyConfig{}, err
	}

	return types.Enabled(listenPort, target).WithMode(mode), nil
}

func portValue(port int) (uint16, error) {
	if port < 0 || port > 65535 {
		return 0, fmt.Errorf("invalid listen port: %d", port)
	}
	return uint16(port), nil
}
