// Package connection manages the single logical subscription channel to the
// queue backend: dial, subscribe, heartbeat and bounded reconnection.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/queuesync/internal/backoff"
	"github.com/haasonsaas/queuesync/internal/observability"
	"github.com/haasonsaas/queuesync/internal/transport"
)

// ErrNoURL is returned when the manager is built without a socket URL.
var ErrNoURL = errors.New("connection: socket url is required")

// ErrNoDialer is returned when the manager is built without a dialer.
var ErrNoDialer = errors.New("connection: dialer is required")

var errDropped = errors.New("connection dropped")

// FrameHandler receives every inbound data frame while Connected.
// It runs on the read loop and should hand work off quickly.
type FrameHandler func(ctx context.Context, data []byte)

// Config configures the manager.
type Config struct {
	// URL is the websocket endpoint (e.g., "wss://api.example.com/ws").
	URL string

	// Header is sent with every dial.
	Header http.Header

	// Subscription is (re-)issued after every successful connect.
	Subscription Subscription

	// Backoff controls retry delays and the retry budget.
	// MaxAttempts of zero retries forever.
	Backoff backoff.Policy

	// HeartbeatInterval is how often to ping while Connected. Zero disables pings.
	HeartbeatInterval time.Duration
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithFrameHandler sets the inbound frame handler.
func WithFrameHandler(handler FrameHandler) Option {
	return func(m *Manager) { m.onFrame = handler }
}

// WithSleep replaces the backoff wait. Tests use it to observe delays.
func WithSleep(sleep backoff.SleepFunc) Option {
	return func(m *Manager) {
		if sleep != nil {
			m.sleep = sleep
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

type observer struct {
	id uint64
	fn StateHandler
}

// Manager owns one logical connection. It is safe for concurrent use;
// Connect and Disconnect are serialized and may be called from a StateHandler.
type Manager struct {
	cfg     Config
	dialer  transport.Dialer
	onFrame FrameHandler
	logger  *slog.Logger
	metrics *observability.Metrics
	sleep   backoff.SleepFunc
	now     func() time.Time

	mu      sync.Mutex
	status  Status
	gen     uint64
	cancel  context.CancelFunc
	conn    transport.Conn
	pending []StateEvent
	// draining is set while one goroutine delivers pending events in order.
	draining bool

	observersMu  sync.RWMutex
	observers    []observer
	nextObserver uint64
}

// NewManager creates a manager in the Disconnected state.
func NewManager(cfg Config, dialer transport.Dialer, opts ...Option) (*Manager, error) {
	if cfg.URL == "" {
		return nil, ErrNoURL
	}
	if dialer == nil {
		return nil, ErrNoDialer
	}
	cfg.Backoff = cfg.Backoff.Normalize()

	m := &Manager{
		cfg:    cfg,
		dialer: dialer,
		logger: slog.Default(),
		sleep:  backoff.Sleep,
		now:    time.Now,
		status: Status{State: StateDisconnected},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "connection")
	m.metrics.ConnectionStateChanged("", StateDisconnected.String())
	return m, nil
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// State returns the current state.
func (m *Manager) State() State {
	return m.Status().State
}

// OnStateChange registers an observer for every transition and returns a
// function that removes it.
func (m *Manager) OnStateChange(handler StateHandler) func() {
	if handler == nil {
		return func() {}
	}
	m.observersMu.Lock()
	m.nextObserver++
	id := m.nextObserver
	m.observers = append(m.observers, observer{id: id, fn: handler})
	m.observersMu.Unlock()

	return func() {
		m.observersMu.Lock()
		defer m.observersMu.Unlock()
		for i, o := range m.observers {
			if o.id == id {
				m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
				return
			}
		}
	}
}

// Connect starts establishing the subscription channel. It returns
// immediately; progress is reported through state transitions. Calling it
// while Connecting, Connected or Reconnecting is a no-op. From Failed it
// resets the attempt counter.
//
// ctx bounds the lifetime of the connection: cancelling it is equivalent to
// Disconnect.
func (m *Manager) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	switch m.status.State {
	case StateConnecting, StateConnected, StateReconnecting:
		m.mu.Unlock()
		return nil
	}
	m.gen++
	gen := m.gen
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.transitionLocked(StateConnecting, func(s *Status) {
		s.Attempt = 0
		s.LastError = ""
		s.NextRetryIn = 0
	})
	m.mu.Unlock()
	m.flush()

	go m.run(loopCtx, gen)
	return nil
}

// Disconnect tears the connection down, cancels any pending backoff wait and
// moves to Disconnected. It does not wait for the background loop to exit,
// which keeps it safe to call from a StateHandler or frame handler.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	conn := m.conn
	m.conn = nil
	if m.status.State != StateDisconnected {
		m.transitionLocked(StateDisconnected, resetAttempts)
	}
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close() //nolint:errcheck // best-effort teardown
	}
	m.flush()
}

func (m *Manager) run(ctx context.Context, gen uint64) {
	defer m.release(gen)

	if m.loop(ctx, gen) {
		return
	}
	if ctx.Err() != nil {
		// Parent context ended without Disconnect; no-op when Disconnect already ran.
		m.setState(gen, StateDisconnected, resetAttempts)
	}
}

// loop returns true when the retry budget ran out.
func (m *Manager) loop(ctx context.Context, gen uint64) bool {
	attempt := 0
	for {
		conn, err := m.dialer.Dial(ctx, m.cfg.URL, m.cfg.Header.Clone())
		if err == nil {
			attempt = 0
			err = m.serve(ctx, gen, conn)
			if err == nil {
				err = errDropped
			}
		}
		if ctx.Err() != nil {
			return false
		}

		if m.cfg.Backoff.Exhausted(attempt) {
			m.logger.Error("connection failed, retry budget exhausted",
				"attempts", attempt,
				"error", err,
			)
			m.setState(gen, StateFailed, func(s *Status) {
				s.Attempt = attempt
				s.LastError = err.Error()
				s.NextRetryIn = 0
			})
			return true
		}

		attempt++
		delay := m.cfg.Backoff.Delay(attempt)
		m.logger.Warn("connection lost, scheduling retry",
			"attempt", attempt,
			"retry_in", delay,
			"error", err,
		)
		if !m.setState(gen, StateReconnecting, func(s *Status) {
			s.Attempt = attempt
			s.LastError = err.Error()
			s.NextRetryIn = delay
		}) {
			return false
		}
		m.metrics.ReconnectAttempted()

		if err := m.sleep(ctx, delay); err != nil {
			return false
		}
		if !m.setState(gen, StateConnecting, func(s *Status) { s.NextRetryIn = 0 }) {
			return false
		}
	}
}

// serve runs one connected session and returns why it ended.
func (m *Manager) serve(ctx context.Context, gen uint64, conn transport.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close() //nolint:errcheck // best-effort teardown

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return context.Canceled
	}
	m.conn = conn
	m.transitionLocked(StateConnected, func(s *Status) {
		s.Attempt = 0
		s.LastConnectedAt = m.now()
		s.LastError = ""
		s.NextRetryIn = 0
	})
	m.mu.Unlock()
	m.flush()
	defer m.clearConn(conn)

	if err := m.subscribe(connCtx, conn); err != nil {
		return err
	}

	heartbeatErr := make(chan error, 1)
	if m.cfg.HeartbeatInterval > 0 {
		go m.heartbeat(connCtx, cancel, conn, heartbeatErr)
	}

	for {
		data, err := conn.Read(connCtx)
		if err != nil {
			select {
			case hbErr := <-heartbeatErr:
				return hbErr
			default:
			}
			return err
		}
		if m.onFrame != nil {
			m.onFrame(connCtx, data)
		}
	}
}

func (m *Manager) subscribe(ctx context.Context, conn transport.Conn) error {
	frame, err := transport.NewFrame(transport.FrameSubscribe, "", m.cfg.Subscription)
	if err != nil {
		return err
	}
	frame.ID = uuid.NewString()
	if err := conn.WriteFrame(ctx, frame); err != nil {
		return fmt.Errorf("issue subscription: %w", err)
	}
	m.metrics.SubscriptionIssued()
	m.logger.Info("subscription issued",
		"tenant_id", m.cfg.Subscription.TenantID,
		"user_id", m.cfg.Subscription.UserID,
		"request_id", frame.ID,
	)
	return nil
}

func (m *Manager) heartbeat(ctx context.Context, cancel context.CancelFunc, conn transport.Conn, errc chan<- error) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				m.logger.Warn("heartbeat failed", "error", err)
				errc <- err
				cancel()
				return
			}
			m.logger.Debug("heartbeat ok")
		}
	}
}

func (m *Manager) clearConn(conn transport.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == conn {
		m.conn = nil
	}
}

// release drops the loop's cancel func if it still belongs to gen.
func (m *Manager) release(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen == gen && m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

// setState applies a transition only if gen is still the active loop.
func (m *Manager) setState(gen uint64, to State, update func(*Status)) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	m.transitionLocked(to, update)
	m.mu.Unlock()
	m.flush()
	return true
}

// transitionLocked must be called with mu held.
func (m *Manager) transitionLocked(to State, update func(*Status)) {
	from := m.status.State
	next := m.status
	next.State = to
	if update != nil {
		update(&next)
	}
	m.status = next
	m.pending = append(m.pending, StateEvent{From: from, To: to, Status: next})
}

// flush delivers queued transitions in order. Only one goroutine drains at a
// time; a transition queued by an observer is delivered by the drainer after
// the observer returns.
func (m *Manager) flush() {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	for len(m.pending) > 0 {
		evt := m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()
		m.deliver(evt)
		m.mu.Lock()
	}
	m.draining = false
	m.mu.Unlock()
}

func (m *Manager) deliver(evt StateEvent) {
	m.metrics.ConnectionStateChanged(evt.From.String(), evt.To.String())
	m.logger.Debug("connection state changed",
		"from", evt.From.String(),
		"to", evt.To.String(),
		"attempt", evt.Status.Attempt,
	)

	m.observersMu.RLock()
	observers := make([]observer, len(m.observers))
	copy(observers, m.observers)
	m.observersMu.RUnlock()

	for _, o := range observers {
		m.notify(o.fn, evt)
	}
}

func (m *Manager) notify(fn StateHandler, evt StateEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("state observer panicked", "panic", r, "to", evt.To.String())
		}
	}()
	fn(evt)
}

func resetAttempts(s *Status) {
	s.Attempt = 0
	s.NextRetryIn = 0
}
