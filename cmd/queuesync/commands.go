package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// buildRunCmd creates the "run" command that follows a tenant's queues
// until interrupted.
func buildRunCmd() *cobra.Command {
	var (
		configPath string
		flags      runFlags
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect and follow queue changes",
		Long: `Connect to the queue backend and log queue and counter changes.

The command will:
1. Load configuration from --config, $QUEUESYNC_CONFIG or ~/.queuesync/config.yaml
2. Open the websocket subscription for the configured tenant
3. Fetch every conversation and the server counters on each connect
4. Refetch on the configured schedule while connected
5. Serve Prometheus metrics when metrics.addr is set

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with the default config
  queuesync run

  # Override the tenant and enable debug logging
  queuesync run --config /etc/queuesync/prod.yaml --tenant acme --log-level debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runRun(ctx, cmd, configPath, flags)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	cmd.Flags().StringVar(&flags.SocketURL, "socket-url", "", "Websocket endpoint (overrides server.socket_url)")
	cmd.Flags().StringVar(&flags.APIURL, "api-url", "", "REST base URL (overrides server.api_url)")
	cmd.Flags().StringVar(&flags.TenantID, "tenant", "", "Tenant to subscribe to (overrides subscription.tenant_id)")
	cmd.Flags().StringVar(&flags.UserID, "user", "", "User id sent with the subscription (overrides subscription.user_id)")
	cmd.Flags().IntVar(&flags.MaxAttempts, "max-attempts", 0, "Reconnect attempts before giving up, 0 for unlimited (overrides reconnect.max_attempts)")
	cmd.Flags().BoolVar(&flags.NoRefetch, "no-refetch", false, "Disable the periodic refetch")
	cmd.Flags().StringVar(&flags.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	cmd.Flags().StringVar(&flags.LogFormat, "log-format", "", "Log format: json or text")
	cmd.Flags().StringVar(&flags.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g., :9090)")

	return cmd
}

// buildClassifyCmd creates the "classify" command that assigns queues to a
// JSON array of conversation records.
func buildClassifyCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "classify [file]",
		Short: "Classify conversation records into queues",
		Long: `Read a JSON array of conversation records from a file or stdin, print the
queue each one belongs to and the counters derived from them.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return runClassify(cmd, path, asJSON)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "queuesync %s\ncommit: %s\nbuilt: %s\n", version, commit, date)
			return err
		},
	}
}
