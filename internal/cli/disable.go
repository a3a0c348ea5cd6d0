package cli

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/craigderington/portswitch/pkg/types"
)

var disableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Stop forwarding",
	Long: `Stop the proxy. Returns once every open connection has finished or the
drain timeout has passed.`,
	Args: cobra.NoArgs,
	RunE: runDisable,
}

func runDisable(cmd *cobra.Command, args []string) error {
	var status types.ProxyStatus
	if _, err := newClient().do(http.MethodDelete, "/proxy", nil, &status); err != nil {
		return fmt.Errorf("failed to disable proxy: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "✓ Proxy disabled")
	if status.LastError != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "  Last Error: %s\n", status.LastError)
	}
	return nil
}
