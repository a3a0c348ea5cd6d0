package cli

import (
	"fmt"
	"net/http"
	"net/url"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/craigderington/portswitch/pkg/types"
)

var (
	useListenPort int
	useMode       string
)

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "Manage saved forward targets",
	Long: `Save forward targets under a name and switch the proxy between them.

Examples:
  portswitch targets add blue 10.0.0.5:8080
  portswitch targets add green 10.0.0.6:8080
  portswitch targets use green --listen-port 8080
  portswitch targets edit blue 10.0.0.7:8080
  portswitch targets list`,
}

var targetsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved targets",
	Args:  cobra.NoArgs,
	RunE:  runTargetsList,
}

var targetsAddCmd = &cobra.Command{
	Use:   "add [name] [host:port]",
	Short: "Save a named target",
	Args:  cobra.ExactArgs(2),
	RunE:  runTargetsAdd,
}

var targetsEditCmd = &cobra.Command{
	Use:   "edit [name] [host:port]",
	Short: "Change the address of a saved target",
	Long: `Change the address of a saved target. If the proxy is forwarding to the
old address it switches to the new one.`,
	Args: cobra.ExactArgs(2),
	RunE: runTargetsEdit,
}

var targetsRemoveCmd = &cobra.Command{
	Use:     "remove [name]",
	Aliases: []string{"rm"},
	Short:   "Remove a saved target",
	Long:    `Remove a saved target. The running proxy keeps forwarding to it.`,
	Args:    cobra.ExactArgs(1),
	RunE:    runTargetsRemove,
}

var targetsUseCmd = &cobra.Command{
	Use:   "use [name]",
	Short: "Forward to a saved target",
	Long: `Enable the proxy forwarding to a saved target. Without --listen-port the
port of the running proxy is kept, falling back to the last configured one.`,
	Args: cobra.ExactArgs(1),
	RunE: runTargetsUse,
}

func init() {
	targetsUseCmd.Flags().IntVar(&useListenPort, "listen-port", 0, "local port to listen on")
	targetsUseCmd.Flags().StringVar(&useMode, "mode", "", "forwarding mode: tcp or http")

	targetsCmd.AddCommand(targetsListCmd)
	targetsCmd.AddCommand(targetsAddCmd)
	targetsCmd.AddCommand(targetsEditCmd)
	targetsCmd.AddCommand(targetsRemoveCmd)
	targetsCmd.AddCommand(targetsUseCmd)
}

func runTargetsList(cmd *cobra.Command, args []string) error {
	var targets []types.NamedTarget
	if _, err := newClient().do(http.MethodGet, "/targets", nil, &targets); err != nil {
		return fmt.Errorf("failed to list targets: %w", err)
	}

	if len(targets) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No saved targets")
		return nil
	}

	// Print table
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "NAME\tTARGET\tUPDATED")
	fmt.Fprintln(w, "────\t──────\t───────")

	for _, t := range targets {
		fmt.Fprintf(w, "%s\t%s\t%s\n",
			t.Name,
			t.Target,
			t.UpdatedAt.Local().Format("2006-01-02 15:04"),
		)
	}

	w.Flush()

	fmt.Fprintf(cmd.OutOrStdout(), "\nTotal: %d target(s)\n", len(targets))

	return nil
}

func runTargetsAdd(cmd *cobra.Command, args []string) error {
	name := args[0]
	target, err := types.ParseTarget(args[1])
	if err != nil {
		return err
	}

	req := map[string]interface{}{
		"name": name,
		"host": target.Host,
		"port": target.Port,
	}

	var saved types.NamedTarget
	if _, err := newClient().do(http.MethodPost, "/targets", req, &saved); err != nil {
		return fmt.Errorf("failed to save target: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✓ Target saved: %s → %s\n", saved.Name, saved.Target)
	return nil
}

func runTargetsEdit(cmd *cobra.Command, args []string) error {
	name := args[0]
	target, err := types.ParseTarget(args[1])
	if err != nil {
		return err
	}

	req := map[string]interface{}{
		"host": target.Host,
		"port": target.Port,
	}

	var saved types.NamedTarget
	if _, err := newClient().do(http.MethodPut, "/targets/"+url.PathEscape(name), req, &saved); err != nil {
		return fmt.Errorf("failed to update target: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✓ Target updated: %s → %s\n", saved.Name, saved.Target)
	return nil
}

func runTargetsRemove(cmd *cobra.Command, args []string) error {
	name := args[0]

	if _, err := newClient().do(http.MethodDelete, "/targets/"+url.PathEscape(name), nil, nil); err != nil {
		return fmt.Errorf("failed to remove target: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✓ Target removed: %s\n", name)
	return nil
}

func runTargetsUse(cmd *cobra.Command, args []string) error {
	name := args[0]

	req := map[string]interface{}{}
	if useListenPort != 0 {
		req["listenPort"] = useListenPort
	}
	if useMode != "" {
		mode, err := types.ParseMode(useMode)
		if err != nil {
			return err
		}
		req["mode"] = mode
	}

	var status types.ProxyStatus
	if _, err := newClient().do(http.MethodPost, "/targets/"+url.PathEscape(name)+"/activate", req, &status); err != nil {
		return fmt.Errorf("failed to activate target %s: %w", name, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✓ Forwarding to %s\n", name)
	printStatus(cmd.OutOrStdout(), status)
	return nil
}
