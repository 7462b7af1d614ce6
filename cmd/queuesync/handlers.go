package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/queuesync/internal/connection"
	"github.com/haasonsaas/queuesync/internal/counters"
	"github.com/haasonsaas/queuesync/internal/observability"
	"github.com/haasonsaas/queuesync/internal/queue"
	"github.com/haasonsaas/queuesync/internal/session"
	"github.com/haasonsaas/queuesync/pkg/models"
)

const shutdownTimeout = 10 * time.Second

// =============================================================================
// Run Command Handler
// =============================================================================

func runRun(ctx context.Context, cmd *cobra.Command, configPath string, flags runFlags) error {
	cfg, path, err := loadConfig(cmd, configPath, flags)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(logger)
	logger.Info("starting queuesync",
		"version", version,
		"commit", commit,
		"config", path,
		"tenant_id", cfg.Subscription.TenantID,
	)

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	sess, err := newSession(cfg, logger, metrics, tracer)
	if err != nil {
		return fmt.Errorf("failed to initialize session: %w", err)
	}

	stopMetrics, err := serveMetrics(cfg.Metrics.Addr, cfg.Metrics.Path, sess, logger)
	if err != nil {
		return err
	}
	defer stopMetrics()

	for _, key := range queue.Keys() {
		sess.Subscribe(key, func(ids []string) {
			logger.Info("queue changed", "queue", string(key), "size", len(ids))
		})
	}
	sess.SubscribeCounters(func(d counters.Display) {
		attrs := []any{"source", string(d.Snapshot.Source), "stale", d.Stale}
		for _, key := range queue.Keys() {
			attrs = append(attrs, string(key), d.Snapshot.Count(key))
		}
		logger.Info("counters", attrs...)
	})
	sess.OnConnectionChange(func(evt connection.StateEvent) {
		if evt.To == connection.StateFailed {
			logger.Error("connection failed; giving up until restarted",
				"attempt", evt.Status.Attempt, "last_error", evt.Status.LastError)
		}
	})

	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return sess.Close(closeCtx)
}

// serveMetrics starts the Prometheus listener when addr is set. The returned
// function stops it.
func serveMetrics(addr, path string, sess *session.Session, logger *slog.Logger) (func(), error) {
	if addr == "" {
		return func() {}, nil
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		status := sess.ConnectionStatus()
		w.Header().Set("Content-Type", "application/json")
		if status.State != connection.StateConnected {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // best-effort response
			"state":   status.State.String(),
			"attempt": status.Attempt,
			"stale":   sess.Counters().Stale,
		})
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("metrics server listening", "addr", addr, "path", path)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx) //nolint:errcheck // best-effort shutdown
	}, nil
}

// =============================================================================
// Classify Command Handler
// =============================================================================

type classifyOutput struct {
	Assignments []assignment           `json:"assignments"`
	Counters    models.CounterSnapshot `json:"counters"`
}

type assignment struct {
	ID    string          `json:"id"`
	Queue models.QueueKey `json:"queue"`
}

func runClassify(cmd *cobra.Command, path string, asJSON bool) error {
	var in io.Reader = cmd.InOrStdin()
	if path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open records: %w", err)
		}
		defer f.Close()
		in = f
	}

	var records []models.ConversationRecord
	if err := json.NewDecoder(in).Decode(&records); err != nil {
		return fmt.Errorf("decode records: %w", err)
	}

	classifier := queue.NewClassifier(slog.Default())
	out := classifyOutput{
		Assignments: make([]assignment, 0, len(records)),
		Counters:    models.NewCounterSnapshot(models.CounterSourceDerived, time.Now()),
	}
	for _, rec := range records {
		out.Assignments = append(out.Assignments, assignment{ID: rec.ID, Queue: classifier.Classify(rec)})
	}
	maps.Copy(out.Counters.Counts, classifier.Count(slices.Values(records)))

	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tQUEUE")
	for _, a := range out.Assignments {
		fmt.Fprintf(w, "%s\t%s\n", a.ID, a.Queue)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "QUEUE\tCOUNT")
	for _, key := range queue.Keys() {
		fmt.Fprintf(w, "%s\t%d\n", key, out.Counters.Count(key))
	}
	return w.Flush()
}
