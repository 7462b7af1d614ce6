package main

// config.go turns a loaded configuration into a wired session.

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/queuesync/internal/backoff"
	"github.com/haasonsaas/queuesync/internal/config"
	"github.com/haasonsaas/queuesync/internal/connection"
	"github.com/haasonsaas/queuesync/internal/fetch"
	"github.com/haasonsaas/queuesync/internal/observability"
	"github.com/haasonsaas/queuesync/internal/session"
	"github.com/haasonsaas/queuesync/internal/transport"
)

// loadConfig resolves the config path, loads the file and applies flag
// overrides. It returns the path that was read.
func loadConfig(cmd *cobra.Command, configPath string, flags runFlags) (*config.Config, string, error) {
	path := config.ResolvePath(configPath)
	raw, err := config.LoadRaw(path)
	if err != nil {
		return nil, path, fmt.Errorf("failed to load config: %w", err)
	}
	cfg, err := config.Decode(raw)
	if err != nil {
		return nil, path, fmt.Errorf("failed to load config: %w", err)
	}
	applyFlagOverrides(cmd, cfg, flags)
	if err := cfg.Validate(); err != nil {
		return nil, path, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, path, nil
}

func newSession(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics, tracer trace.Tracer) (*session.Session, error) {
	header := http.Header{}
	if cfg.Server.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Server.Token)
	}

	var schedule cron.Schedule
	if !cfg.Refetch.Disabled {
		s, err := cfg.Refetch.ParseSchedule()
		if err != nil {
			return nil, err
		}
		schedule = s
	}

	opts := []session.Option{
		session.WithLogger(logger),
		session.WithMetrics(metrics),
		session.WithTracer(tracer),
	}
	if cfg.Server.APIURL != "" {
		client, err := fetch.NewClient(cfg.Server.APIURL,
			fetch.WithHTTPClient(&http.Client{Timeout: cfg.Server.RequestTimeout}),
			fetch.WithToken(cfg.Server.Token),
			fetch.WithPageSize(cfg.Refetch.PageSize),
			fetch.WithLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("create fetch client: %w", err)
		}
		opts = append(opts, session.WithFetcher(client))
	} else {
		logger.Warn("server.api_url not set; full refreshes are disabled")
	}

	dialer := transport.NewWebSocketDialer(transport.WebSocketOptions{
		HandshakeTimeout: cfg.Server.HandshakeTimeout,
		PongWait:         2 * cfg.Reconnect.Heartbeat(),
	})

	return session.New(session.Config{
		Connection: connection.Config{
			URL:    cfg.Server.SocketURL,
			Header: header,
			Subscription: connection.Subscription{
				TenantID: cfg.Subscription.TenantID,
				UserID:   cfg.Subscription.UserID,
			},
			Backoff: backoff.Policy{
				Base:        cfg.Reconnect.Base,
				MaxDelay:    cfg.Reconnect.MaxDelay,
				Jitter:      cfg.Reconnect.Jitter,
				MaxAttempts: cfg.Reconnect.MaxAttempts,
			},
			HeartbeatInterval: cfg.Reconnect.Heartbeat(),
		},
		Schedule:   schedule,
		LaneBuffer: cfg.Dispatch.LaneBuffer,
		StaleAfter: cfg.Counters.StaleAfter,
	}, dialer, opts...)
}
