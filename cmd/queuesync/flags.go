package main

import (
	"github.com/spf13/cobra"

	"github.com/haasonsaas/queuesync/internal/config"
)

// runFlags holds "run" flag values. Only flags the user set override config.
type runFlags struct {
	SocketURL   string
	APIURL      string
	TenantID    string
	UserID      string
	MaxAttempts int
	NoRefetch   bool
	LogLevel    string
	LogFormat   string
	MetricsAddr string
}

func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config, flags runFlags) {
	if flagChanged(cmd, "socket-url") {
		cfg.Server.SocketURL = flags.SocketURL
	}
	if flagChanged(cmd, "api-url") {
		cfg.Server.APIURL = flags.APIURL
	}
	if flagChanged(cmd, "tenant") {
		cfg.Subscription.TenantID = flags.TenantID
	}
	if flagChanged(cmd, "user") {
		cfg.Subscription.UserID = flags.UserID
	}
	if flagChanged(cmd, "max-attempts") {
		cfg.Reconnect.MaxAttempts = flags.MaxAttempts
	}
	if flagChanged(cmd, "no-refetch") {
		cfg.Refetch.Disabled = flags.NoRefetch
	}
	if flagChanged(cmd, "log-level") {
		cfg.Logging.Level = flags.LogLevel
	}
	if flagChanged(cmd, "log-format") {
		cfg.Logging.Format = flags.LogFormat
	}
	if flagChanged(cmd, "metrics-addr") {
		cfg.Metrics.Addr = flags.MetricsAddr
	}
}

func flagChanged(cmd *cobra.Command, name string) bool {
	if f := cmd.Flags().Lookup(name); f != nil {
		return f.Changed
	}
	if f := cmd.InheritedFlags().Lookup(name); f != nil {
		return f.Changed
	}
	return false
}
