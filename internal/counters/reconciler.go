// Package counters decides which per-queue counts to display: the server's
// aggregate when it is fresh, or counts derived from the local store as a
// placeholder.
package counters

import (
	"iter"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/haasonsaas/queuesync/internal/connection"
	"github.com/haasonsaas/queuesync/internal/observability"
	"github.com/haasonsaas/queuesync/internal/queue"
	"github.com/haasonsaas/queuesync/pkg/models"
)

// DefaultStaleAfter is how long a derived snapshot may be shown before the
// display is flagged stale.
const DefaultStaleAfter = 60 * time.Second

// RecordSource is anything that can enumerate conversation records.
type RecordSource interface {
	All() iter.Seq[models.ConversationRecord]
}

// Display is what the presentation layer shows.
type Display struct {
	Snapshot models.CounterSnapshot
	// Stale means the numbers may be out of date: the connection is down or
	// a derived placeholder has been shown for longer than the stale window.
	Stale bool
}

func (d Display) equal(other Display) bool {
	return d.Stale == other.Stale &&
		d.Snapshot.Source == other.Snapshot.Source &&
		d.Snapshot.ProducedAt.Equal(other.Snapshot.ProducedAt) &&
		maps.Equal(d.Snapshot.Counts, other.Snapshot.Counts)
}

// DisplayHandler receives the current display.
type DisplayHandler func(Display)

// Option customizes a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(r *Reconciler) { r.metrics = metrics }
}

// WithStaleAfter sets the stale window for derived snapshots.
func WithStaleAfter(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.staleAfter = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

type subscriber struct {
	id uint64
	fn DisplayHandler
}

// Reconciler owns the displayed counter snapshot. It is safe for concurrent use.
type Reconciler struct {
	logger     *slog.Logger
	metrics    *observability.Metrics
	staleAfter time.Duration
	now        func() time.Time

	mu           sync.Mutex
	server       *models.CounterSnapshot
	derived      *models.CounterSnapshot
	state        connection.State
	display      Display
	derivedSince time.Time
	version      uint64

	subsMu  sync.Mutex
	subs    []subscriber
	nextSub uint64

	notifyMu   sync.Mutex
	notifying  bool
	delivered  uint64
	newSubs    []subscriber
	pendingAll bool
}

// NewReconciler creates a reconciler showing all-zero derived counts while
// disconnected.
func NewReconciler(opts ...Option) *Reconciler {
	r := &Reconciler{
		logger:     slog.Default(),
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		state:      connection.StateDisconnected,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "counters")
	r.display = Display{
		Snapshot: models.NewCounterSnapshot(models.CounterSourceDerived, time.Time{}),
		Stale:    true,
	}
	r.metrics.SetCountersStale(true)
	return r
}

// OnServerSnapshot makes snap the displayed counts. The server is authoritative;
// the snapshot replaces whatever was shown.
func (r *Reconciler) OnServerSnapshot(snap models.CounterSnapshot) {
	snap = snap.Clone()
	snap.Source = models.CounterSourceServer
	if snap.ProducedAt.IsZero() {
		snap.ProducedAt = r.now()
	}

	r.mu.Lock()
	r.server = &snap
	changed := r.recomputeLocked()
	r.mu.Unlock()

	r.logger.Debug("server counters received", "total", snap.Total())
	if changed {
		r.notify()
	}
}

// DeriveFromStore folds every record through classifier and offers the
// result as a derived snapshot. It returns the derived snapshot whether or
// not it ends up displayed.
func (r *Reconciler) DeriveFromStore(store RecordSource, classifier *queue.Classifier) models.CounterSnapshot {
	snap := models.NewCounterSnapshot(models.CounterSourceDerived, r.now())
	maps.Copy(snap.Counts, classifier.Count(store.All()))

	r.mu.Lock()
	r.derived = &snap
	changed := r.recomputeLocked()
	r.mu.Unlock()

	if changed {
		r.notify()
	}
	return snap.Clone()
}

// SetConnectionState feeds the connection state used for placeholder and
// staleness decisions.
func (r *Reconciler) SetConnectionState(state connection.State) {
	r.mu.Lock()
	r.state = state
	changed := r.recomputeLocked()
	r.mu.Unlock()

	if changed {
		r.notify()
	}
}

// Refresh re-evaluates staleness against the clock.
func (r *Reconciler) Refresh() {
	r.mu.Lock()
	changed := r.recomputeLocked()
	r.mu.Unlock()

	if changed {
		r.notify()
	}
}

// Current returns the displayed counts.
func (r *Reconciler) Current() Display {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneDisplay(r.display)
}

// SubscribeCounters calls fn with the current display now and after every
// change. The returned function stops delivery.
func (r *Reconciler) SubscribeCounters(fn DisplayHandler) func() {
	if fn == nil {
		return func() {}
	}
	r.subsMu.Lock()
	r.nextSub++
	sub := subscriber{id: r.nextSub, fn: fn}
	r.subs = append(r.subs, sub)
	r.subsMu.Unlock()

	r.notifyMu.Lock()
	r.newSubs = append(r.newSubs, sub)
	r.notifyMu.Unlock()
	r.notify()

	return func() {
		r.subsMu.Lock()
		defer r.subsMu.Unlock()
		r.subs = slices.DeleteFunc(r.subs, func(s subscriber) bool { return s.id == sub.id })
	}
}

// recomputeLocked picks the display and reports whether it changed.
func (r *Reconciler) recomputeLocked() bool {
	connected := r.state == connection.StateConnected

	var chosen models.CounterSnapshot
	switch {
	case r.server == nil && r.derived != nil:
		chosen = *r.derived
	case r.server == nil:
		chosen = r.display.Snapshot
	case !connected && r.derived != nil && r.derived.ProducedAt.After(r.server.ProducedAt):
		chosen = *r.derived
	default:
		chosen = *r.server
	}

	now := r.now()
	if chosen.Source == models.CounterSourceDerived {
		if r.derivedSince.IsZero() {
			r.derivedSince = now
		}
	} else {
		r.derivedSince = time.Time{}
	}

	stale := !connected
	if chosen.Source == models.CounterSourceDerived && now.Sub(r.derivedSince) > r.staleAfter {
		stale = true
	}

	next := Display{Snapshot: chosen.Clone(), Stale: stale}
	if next.equal(r.display) {
		return false
	}
	if next.Stale != r.display.Stale {
		r.metrics.SetCountersStale(next.Stale)
		r.logger.Debug("counter staleness changed", "stale", next.Stale, "source", string(next.Snapshot.Source))
	}
	r.display = next
	r.version++
	return true
}

// notify delivers the latest display. One goroutine delivers at a time and
// subscribers only ever move forward to newer displays.
func (r *Reconciler) notify() {
	r.notifyMu.Lock()
	r.pendingAll = true
	if r.notifying {
		r.notifyMu.Unlock()
		return
	}
	r.notifying = true
	for r.pendingAll || len(r.newSubs) > 0 {
		r.pendingAll = false
		fresh := r.newSubs
		r.newSubs = nil
		r.notifyMu.Unlock()

		r.mu.Lock()
		display := cloneDisplay(r.display)
		version := r.version
		r.mu.Unlock()

		r.subsMu.Lock()
		subs := slices.Clone(r.subs)
		r.subsMu.Unlock()

		r.notifyMu.Lock()
		broadcast := version > r.delivered
		r.delivered = version
		r.notifyMu.Unlock()

		if broadcast {
			for _, s := range subs {
				r.call(s.fn, display)
			}
		} else {
			for _, s := range fresh {
				if slices.ContainsFunc(subs, func(o subscriber) bool { return o.id == s.id }) {
					r.call(s.fn, display)
				}
			}
		}

		r.notifyMu.Lock()
	}
	r.notifying = false
	r.notifyMu.Unlock()
}

func (r *Reconciler) call(fn DisplayHandler, display Display) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("counter subscriber panicked", "panic", p)
		}
	}()
	fn(cloneDisplay(display))
}

func cloneDisplay(d Display) Display {
	d.Snapshot = d.Snapshot.Clone()
	return d
}
