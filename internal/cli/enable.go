package cli

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/craigderington/portswitch/pkg/types"
)

var (
	enableListenPort int
	enableTarget     string
	enableMode       string
)

var enableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Forward a local port to a target",
	Long: `Enable forwarding, or switch the target of the running proxy.

Modes:
  - tcp:  relay raw bytes in both directions (default)
  - http: relay HTTP/1.1 requests, reading the target per request

While the proxy is running only the target can change. A new listen port
or mode takes effect after "portswitch disable".

Examples:
  # Forward localhost:8080 to a staging backend
  portswitch enable --listen-port 8080 --target staging.internal:80

  # Switch the running proxy to another backend
  portswitch enable --listen-port 8080 --target 10.0.0.7:80 --mode http`,
	RunE: runEnable,
}

func init() {
	enableCmd.Flags().IntVar(&enableListenPort, "listen-port", 0, "local port to listen on (required)")
	enableCmd.Flags().StringVar(&enableTarget, "target", "", "forward target in format host:port (required)")
	enableCmd.Flags().StringVar(&enableMode, "mode", "tcp", "forwarding mode: tcp or http")

	enableCmd.MarkFlagRequired("listen-port")
	enableCmd.MarkFlagRequired("target")
}

func runEnable(cmd *cobra.Command, args []string) error {
	target, err := types.ParseTarget(enableTarget)
	if err != nil {
		return err
	}
	mode, err := types.ParseMode(enableMode)
	if err != nil {
		return err
	}
	if enableListenPort < 1 || enableListenPort > 65535 {
		return fmt.Errorf("invalid listen port: %d", enableListenPort)
	}

	req := map[string]interface{}{
		"enabled":    true,
		"listenPort": enableListenPort,
		"mode":       mode,
		"target": map[string]interface{}{
			"host": target.Host,
			"port": target.Port,
		},
	}

	var status types.ProxyStatus
	if _, err := newClient().do(http.MethodPut, "/proxy", req, &status); err != nil {
		return fmt.Errorf("failed to enable proxy: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✓ Proxy enabled\n")
	printStatus(cmd.OutOrStdout(), status)
	return nil
}
