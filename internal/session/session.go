// Package session wires the connection, dispatcher, store and reconciler
// into one live view of a tenant's queues.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/queuesync/internal/connection"
	"github.com/haasonsaas/queuesync/internal/conversation"
	"github.com/haasonsaas/queuesync/internal/counters"
	"github.com/haasonsaas/queuesync/internal/events"
	"github.com/haasonsaas/queuesync/internal/observability"
	"github.com/haasonsaas/queuesync/internal/queue"
	"github.com/haasonsaas/queuesync/internal/transport"
	"github.com/haasonsaas/queuesync/pkg/models"
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("session: closed")

// Fetcher performs full refreshes against the REST API.
type Fetcher interface {
	ListConversations(ctx context.Context, tenantID string) ([]models.ConversationRecord, error)
	GetCounters(ctx context.Context, tenantID string) (models.CounterSnapshot, error)
}

// Config wires a Session.
type Config struct {
	Connection connection.Config

	// Schedule drives the periodic refetch. Nil disables it.
	Schedule cron.Schedule

	LaneBuffer int

	// StaleAfter of zero uses the reconciler default.
	StaleAfter time.Duration
}

// Option customizes a Session.
type Option func(*Session)

// WithLogger sets the logger shared by every component.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics shared by every component.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Session) { s.metrics = metrics }
}

// WithTracer sets the tracer for dispatch and refresh spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Session) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithFetcher enables full refreshes. Without one the session relies on
// events alone.
func WithFetcher(fetcher Fetcher) Option {
	return func(s *Session) { s.fetcher = fetcher }
}

// WithConnectionOptions passes extra options to the connection manager.
func WithConnectionOptions(opts ...connection.Option) Option {
	return func(s *Session) { s.connOpts = append(s.connOpts, opts...) }
}

// Session owns one connection and the state derived from it.
type Session struct {
	id       string
	tenantID string
	schedule cron.Schedule
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer
	fetcher  Fetcher
	connOpts []connection.Option

	classifier *queue.Classifier
	store      *conversation.Store
	reconciler *counters.Reconciler
	dispatcher *events.Dispatcher
	conn       *connection.Manager

	unsubscribe []func()

	// refreshMu serializes full refreshes.
	refreshMu sync.Mutex

	mu      sync.Mutex
	started bool
	closed  bool
	runCtx  context.Context
	cancel  context.CancelFunc
	cron    *cron.Cron
	wg      sync.WaitGroup
}

// New builds a session. Nothing connects until Start.
func New(cfg Config, dialer transport.Dialer, opts ...Option) (*Session, error) {
	s := &Session{
		id:       uuid.NewString(),
		tenantID: cfg.Connection.Subscription.TenantID,
		schedule: cfg.Schedule,
		logger:   slog.Default(),
		tracer:   otel.Tracer("queuesync/session"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("session_id", s.id, "tenant_id", s.tenantID)

	s.classifier = queue.NewClassifier(s.logger)
	s.store = conversation.NewStore(
		conversation.WithLogger(s.logger),
		conversation.WithMetrics(s.metrics),
		conversation.WithClassifier(s.classifier),
	)
	reconcilerOpts := []counters.Option{
		counters.WithLogger(s.logger),
		counters.WithMetrics(s.metrics),
	}
	if cfg.StaleAfter > 0 {
		reconcilerOpts = append(reconcilerOpts, counters.WithStaleAfter(cfg.StaleAfter))
	}
	s.reconciler = counters.NewReconciler(reconcilerOpts...)
	s.dispatcher = events.NewDispatcher(
		events.WithLogger(s.logger),
		events.WithMetrics(s.metrics),
		events.WithTracer(s.tracer),
		events.WithLaneBuffer(cfg.LaneBuffer),
	)

	connOpts := append([]connection.Option{
		connection.WithLogger(s.logger),
		connection.WithMetrics(s.metrics),
		connection.WithFrameHandler(s.dispatcher.HandleFrame),
	}, s.connOpts...)
	conn, err := connection.NewManager(cfg.Connection, dialer, connOpts...)
	if err != nil {
		s.dispatcher.Close()
		return nil, fmt.Errorf("create connection manager: %w", err)
	}
	s.conn = conn

	for _, t := range events.Types() {
		if t.IsConversation() {
			s.unsubscribe = append(s.unsubscribe, s.dispatcher.Register(t, s.store.HandleEvent))
		}
	}
	s.unsubscribe = append(s.unsubscribe,
		s.dispatcher.Register(events.CountersUpdated, s.handleCounters),
		s.store.OnChange(s.deriveCounters),
		s.conn.OnStateChange(s.onStateChange),
	)
	return s, nil
}

// ID identifies this session in logs.
func (s *Session) ID() string { return s.id }

// Start connects and starts the refetch schedule. It returns without waiting
// for the connection; calling it again is a no-op.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.runCtx = runCtx
	s.cancel = cancel
	if s.schedule != nil {
		s.cron = cron.New(
			cron.WithLogger(cronLogger{s.logger}),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.logger})),
		)
		s.cron.Schedule(s.schedule, cron.FuncJob(func() { s.scheduledRefresh(runCtx) }))
		s.cron.Start()
	}
	s.started = true
	s.mu.Unlock()

	// Connect notifies observers synchronously, so s.mu must be released.
	if err := s.conn.Connect(runCtx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	s.logger.Info("session started")
	return nil
}

// Close disconnects, stops the schedule, drains queued events and waits for
// in-flight refreshes until ctx is done. It is safe to call more than once.
//
// Close may be called from a subscriber or handler callback. The callback's
// own lane cannot drain until it returns, so such a call returns ctx.Err()
// once ctx ends; teardown finishes in the background.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	sched := s.cron
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.conn.Disconnect()
	s.reconciler.SetConnectionState(connection.StateDisconnected)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if sched != nil {
			<-sched.Stop().Done()
		}
		s.wg.Wait()
		s.dispatcher.Close()
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("close session: %w", ctx.Err())
		s.logger.Warn("session close timed out; teardown continues in background", "error", ctx.Err())
	}

	for _, fn := range s.unsubscribe {
		fn()
	}
	s.logger.Info("session closed")
	return err
}

// Subscribe delivers the ordered ids of one queue now and on every change.
func (s *Session) Subscribe(key queue.Key, fn conversation.QueueHandler) func() {
	return s.store.Subscribe(key, fn)
}

// SubscribeCounters delivers the displayed counters now and on every change.
func (s *Session) SubscribeCounters(fn counters.DisplayHandler) func() {
	return s.reconciler.SubscribeCounters(fn)
}

// Counters returns the displayed counters.
func (s *Session) Counters() counters.Display {
	return s.reconciler.Current()
}

// ConnectionStatus returns the connection's current status.
func (s *Session) ConnectionStatus() connection.Status {
	return s.conn.Status()
}

// OnConnectionChange observes connection transitions.
func (s *Session) OnConnectionChange(fn connection.StateHandler) func() {
	return s.conn.OnStateChange(fn)
}

// ApplyOptimisticPatch shows a local change until the server confirms or
// supersedes it.
func (s *Session) ApplyOptimisticPatch(id string, patch models.ConversationPatch) error {
	return s.store.ApplyOptimisticPatch(id, patch)
}

// DiscardOptimistic rolls back a local change.
func (s *Session) DiscardOptimistic(id string) bool {
	return s.store.DiscardOptimistic(id)
}

// Store exposes the conversation cache for read access.
func (s *Session) Store() *conversation.Store { return s.store }

// Refresh performs a full refresh: conversations first, then counters.
func (s *Session) Refresh(ctx context.Context) error {
	return s.refresh(ctx, "manual")
}

func (s *Session) refresh(ctx context.Context, reason string) (err error) {
	if s.fetcher == nil {
		return nil
	}
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	ctx, span := s.tracer.Start(ctx, "session.refresh", trace.WithAttributes(
		attribute.String("queuesync.refresh.reason", reason),
	))
	defer func() {
		observability.RecordError(span, err)
		span.End()
		s.metrics.RefetchCompleted(err)
	}()

	records, err := s.fetcher.ListConversations(ctx, s.tenantID)
	if err != nil {
		s.logger.Warn("refresh failed", "reason", reason, "stage", "conversations", "error", err)
		return fmt.Errorf("refresh conversations: %w", err)
	}
	outcomes, applyErr := s.store.ApplyFetchResult(records)
	if applyErr != nil {
		s.logger.Warn("refresh skipped invalid records", "error", applyErr)
	}

	snap, err := s.fetcher.GetCounters(ctx, s.tenantID)
	if err != nil {
		s.logger.Warn("refresh failed", "reason", reason, "stage", "counters", "error", err)
		return fmt.Errorf("refresh counters: %w", err)
	}
	s.reconciler.OnServerSnapshot(snap)

	s.logger.Info("refresh completed",
		"reason", reason,
		"records", len(records),
		"created", outcomes[conversation.OutcomeCreated],
		"updated", outcomes[conversation.OutcomeUpdated],
		"stale", outcomes[conversation.OutcomeStale],
	)
	return nil
}

// scheduledRefresh re-evaluates counter staleness and, while connected,
// refetches everything.
func (s *Session) scheduledRefresh(ctx context.Context) {
	s.reconciler.Refresh()
	if ctx.Err() != nil || s.conn.State() != connection.StateConnected {
		return
	}
	_ = s.refresh(ctx, "schedule") //nolint:errcheck // logged and counted in refresh
}

func (s *Session) onStateChange(evt connection.StateEvent) {
	s.reconciler.SetConnectionState(evt.To)
	if evt.To != connection.StateConnected {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.runCtx == nil {
		return
	}
	ctx := s.runCtx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.refresh(ctx, "connected") //nolint:errcheck // logged and counted in refresh
	}()
}

func (s *Session) handleCounters(_ context.Context, evt events.Event) error {
	if evt.Counters == nil {
		return fmt.Errorf("%s event without counters", evt.Type)
	}
	s.reconciler.OnServerSnapshot(*evt.Counters)
	return nil
}

func (s *Session) deriveCounters() {
	s.reconciler.DeriveFromStore(s.store, s.classifier)
}

// cronLogger routes robfig/cron logs to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
