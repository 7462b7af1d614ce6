// Package observability wires structured logging, Prometheus metrics and
// OpenTelemetry tracing for queuesync.
//
// Components never construct their own sinks. They accept a *slog.Logger, a
// *Metrics and a trace.Tracer; nil values fall back to slog.Default(), no-op
// metrics and the global tracer respectively.
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "debug", Format: "text"})
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{ServiceName: "queuesync"})
//	defer shutdown(context.Background())
package observability
