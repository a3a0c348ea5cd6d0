package cli

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/craigderington/portswitch/internal/proxy"
	"github.com/craigderington/portswitch/pkg/types"
)

var showBreakers bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Get proxy status",
	Long:  `Get the state, target and traffic counters of the proxy.`,
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&showBreakers, "breakers", false, "also show circuit breaker state per target")
}

func runStatus(cmd *cobra.Command, args []string) error {
	c := newClient()

	var status types.ProxyStatus
	if _, err := c.do(http.MethodGet, "/proxy", nil, &status); err != nil {
		return fmt.Errorf("failed to get proxy status: %w", err)
	}

	printStatus(cmd.OutOrStdout(), status)

	if !showBreakers {
		return nil
	}

	var breakers map[string]proxy.CircuitBreakerStats
	if _, err := c.do(http.MethodGet, "/proxy/breakers", nil, &breakers); err != nil {
		return fmt.Errorf("failed to get circuit breakers: %w", err)
	}
	printBreakers(cmd.OutOrStdout(), breakers)
	return nil
}

func printStatus(out io.Writer, status types.ProxyStatus) {
	fmt.Fprintln(out, "Proxy Status")
	fmt.Fprintln(out, "─────────────────────────────")
	fmt.Fprintf(out, "  State: %s\n", status.State)

	if status.State == types.ProxyStateRunning {
		fmt.Fprintf(out, "  Listening: %s\n", status.ListenAddr)
		if status.Target != nil {
			fmt.Fprintf(out, "  Target: %s (%s)\n", status.Target, status.Mode)
		}
		if status.StartedAt != nil {
			fmt.Fprintf(out, "  Started: %s\n", status.StartedAt.Local().Format("2006-01-02 15:04:05"))
		}
		fmt.Fprintf(out, "  Connections: %d (%d active)\n", status.Connections, status.ActiveConns)
		if status.Mode == types.ModeHTTP {
			fmt.Fprintf(out, "  Requests: %d\n", status.Requests)
		}
		fmt.Fprintf(out, "  Bytes Sent: %s\n", formatBytes(status.BytesSent))
		fmt.Fprintf(out, "  Bytes Received: %s\n", formatBytes(status.BytesReceived))
		fmt.Fprintf(out, "  Dial Errors: %d\n", status.DialErrors)
	}

	if status.LastError != "" {
		fmt.Fprintf(out, "  Last Error: %s\n", status.LastError)
	}
}

func printBreakers(out io.Writer, breakers map[string]proxy.CircuitBreakerStats) {
	if len(breakers) == 0 {
		fmt.Fprintln(out, "\nNo circuit breakers")
		return
	}

	addrs := make([]string, 0, len(breakers))
	for addr := range breakers {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "TARGET\tSTATE\tFAILURES")
	fmt.Fprintln(w, "──────\t─────\t────────")
	for _, addr := range addrs {
		stats := breakers[addr]
		fmt.Fprintf(w, "%s\t%s\t%d\n", addr, stats.State, stats.Failures)
	}
	w.Flush()
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"B", "KB", "MB", "GB", "TB"}
	return fmt.Sprintf("%.1f %s", float64(bytes)/float64(div), units[exp+1])
}
