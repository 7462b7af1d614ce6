// Package main provides the queuesync CLI.
//
// queuesync keeps a live view of one tenant's conversation queues and
// counters over a websocket subscription, with periodic REST refreshes.
//
// # Basic Usage
//
// Follow a tenant's queues:
//
//	queuesync run --config queuesync.yaml
//
// Classify a dump of conversation records:
//
//	queuesync classify conversations.json
//	cat conversations.json | queuesync classify --json
//
// # Environment Variables
//
//   - QUEUESYNC_CONFIG: Path to configuration file (default: ~/.queuesync/config.yaml)
//
// Config files may reference any environment variable as ${NAME}.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "queuesync",
		Short: "queuesync - live conversation queues and counters",
		Long: `queuesync subscribes to a tenant's conversation events and keeps the
bot, entrada, aguardando, em_atendimento and finalizadas queues current.

The websocket connection reconnects with exponential backoff and every
reconnect triggers a full REST refresh.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildClassifyCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}
