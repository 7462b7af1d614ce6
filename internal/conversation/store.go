// Package conversation caches conversation records and keeps per-queue
// membership live as fetch results, socket events and optimistic commands
// arrive.
//
// Every authoritative write follows one rule: an incoming record or patch is
// accepted only when its updatedAt is not older than the stored one. That
// rule makes duplicate and out-of-order delivery harmless. A patch without an
// updatedAt cannot be ordered; its fields are applied and the stored
// timestamp is kept.
package conversation

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/queuesync/internal/events"
	"github.com/haasonsaas/queuesync/internal/observability"
	"github.com/haasonsaas/queuesync/internal/queue"
	"github.com/haasonsaas/queuesync/pkg/models"
)

var (
	// ErrNotFound is returned for optimistic patches against unknown ids.
	ErrNotFound = errors.New("conversation: not found")

	// ErrInvalidRecord is returned for records or patches without an id.
	ErrInvalidRecord = errors.New("conversation: invalid record")

	// ErrNotConversationEvent is returned when ApplyEvent gets a non-conversation event.
	ErrNotConversationEvent = errors.New("conversation: not a conversation event")
)

// Outcome describes what a write did.
type Outcome string

const (
	OutcomeCreated    Outcome = "created"
	OutcomeUpdated    Outcome = "updated"
	OutcomeStale      Outcome = "stale"
	OutcomeUnchanged  Outcome = "unchanged"
	OutcomeOptimistic Outcome = "optimistic"
)

// Accepted reports whether the write changed the stored record.
func (o Outcome) Accepted() bool {
	return o == OutcomeCreated || o == OutcomeUpdated || o == OutcomeOptimistic
}

// Provenance tags where the visible version of a record came from.
type Provenance int

const (
	// Authoritative means the record is exactly what the server last said.
	Authoritative Provenance = iota
	// Optimistic means a local patch is layered over the server's record.
	Optimistic
)

func (p Provenance) String() string {
	if p == Optimistic {
		return "optimistic"
	}
	return "authoritative"
}

// Entry is the visible record plus its provenance.
type Entry struct {
	Record     models.ConversationRecord
	Provenance Provenance
}

type overlay struct {
	patch models.ConversationPatch
	// since is the updatedAt an authoritative write must reach to supersede the patch.
	since time.Time
}

type entry struct {
	auth       models.ConversationRecord
	optimistic *overlay
}

func (e *entry) view() Entry {
	if e.optimistic == nil {
		return Entry{Record: e.auth.Clone(), Provenance: Authoritative}
	}
	rec := e.optimistic.patch.ApplyTo(e.auth)
	rec.UpdatedAt = e.auth.UpdatedAt
	return Entry{Record: rec, Provenance: Optimistic}
}

// accept replaces the authoritative record and drops the overlay unless the
// overlay is newer than the incoming write.
func (e *entry) accept(rec models.ConversationRecord) {
	e.auth = rec
	if e.optimistic != nil && !rec.UpdatedAt.Before(e.optimistic.since) {
		e.optimistic = nil
	}
}

// QueueHandler receives the ordered ids of one queue.
type QueueHandler func(ids []string)

type subscription struct {
	id     uint64
	key    queue.Key
	fn     QueueHandler
	active atomic.Bool
	// last and primed are only touched by the notifying goroutine.
	last   []string
	primed bool
}

type listener struct {
	id uint64
	fn func()
}

// Option customizes a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Store) { s.metrics = metrics }
}

// WithClassifier sets the classifier used for queue membership.
func WithClassifier(classifier *queue.Classifier) Option {
	return func(s *Store) {
		if classifier != nil {
			s.classifier = classifier
		}
	}
}

// Store owns every conversation record of a session. Records are never
// deleted, only reclassified. It is safe for concurrent use.
type Store struct {
	logger     *slog.Logger
	metrics    *observability.Metrics
	classifier *queue.Classifier

	mu      sync.RWMutex
	entries map[string]*entry

	subsMu    sync.Mutex
	subs      []*subscription
	listeners []listener
	nextSub   uint64

	notifyMu        sync.Mutex
	notifying       bool
	pendingNotify   bool
	pendingMutation bool
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		logger:  slog.Default(),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "conversation_store")
	if s.classifier == nil {
		s.classifier = queue.NewClassifier(s.logger)
	}
	return s
}

// ApplyFetchResult upserts every record. Records without an id are skipped
// and reported through the returned error; the rest are still applied.
func (s *Store) ApplyFetchResult(records []models.ConversationRecord) (map[Outcome]int, error) {
	outcomes := make(map[Outcome]int)
	var errs []error

	s.mu.Lock()
	for _, rec := range records {
		if rec.ID == "" {
			errs = append(errs, fmt.Errorf("%w: missing id", ErrInvalidRecord))
			continue
		}
		outcome := s.upsertLocked(normalize(rec))
		outcomes[outcome]++
		s.metrics.StoreApplied(string(outcome))
	}
	s.mu.Unlock()

	s.logger.Debug("fetch result applied",
		"records", len(records),
		"created", outcomes[OutcomeCreated],
		"updated", outcomes[OutcomeUpdated],
		"stale", outcomes[OutcomeStale],
	)
	if outcomes[OutcomeCreated]+outcomes[OutcomeUpdated] > 0 {
		s.notify(true)
	}
	return outcomes, errors.Join(errs...)
}

func (s *Store) upsertLocked(rec models.ConversationRecord) Outcome {
	e, ok := s.entries[rec.ID]
	if !ok {
		s.entries[rec.ID] = &entry{auth: rec}
		return OutcomeCreated
	}
	// Ties prefer the incoming record.
	if rec.UpdatedAt.Before(e.auth.UpdatedAt) {
		return OutcomeStale
	}
	if rec.Equal(e.auth) && e.optimistic == nil {
		return OutcomeUnchanged
	}
	e.accept(rec)
	return OutcomeUpdated
}

// ApplyEvent applies one conversation event: create for a new id, patch for
// a known one, and a forced status for close and archive. An event without
// an updatedAt never advances the stored timestamp; a record it creates has
// a zero updatedAt so any timestamped write supersedes it.
func (s *Store) ApplyEvent(evt events.Event) (Outcome, error) {
	if !evt.Type.IsConversation() || evt.Conversation == nil {
		return "", fmt.Errorf("%w: %s", ErrNotConversationEvent, evt.Type)
	}
	patch := *evt.Conversation
	if patch.ID == "" {
		return "", fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}
	stamped := patch.HasTimestamp()
	ts := patch.Timestamp(time.Time{})
	forced, tombstone := evt.Type.TombstoneStatus()

	s.mu.Lock()
	var outcome Outcome
	e, ok := s.entries[patch.ID]
	switch {
	case !ok:
		rec := models.NewRecordFromPatch(patch, ts)
		if tombstone {
			rec.Status = forced
		}
		s.entries[patch.ID] = &entry{auth: rec}
		outcome = OutcomeCreated
	case stamped && ts.Before(e.auth.UpdatedAt):
		outcome = OutcomeStale
	default:
		next := patch.ApplyTo(e.auth)
		if tombstone {
			next.Status = forced
		}
		if stamped {
			next.UpdatedAt = ts
		}
		if next.Equal(e.auth) && e.optimistic == nil {
			outcome = OutcomeUnchanged
		} else {
			e.accept(next)
			outcome = OutcomeUpdated
		}
	}
	s.mu.Unlock()

	s.metrics.StoreApplied(string(outcome))
	s.logger.Debug("event applied",
		"event", string(evt.Type),
		"conversation_id", patch.ID,
		"outcome", string(outcome),
		"stamped", stamped,
	)
	if outcome.Accepted() {
		s.notify(true)
	}
	return outcome, nil
}

// HandleEvent adapts ApplyEvent to an events.Handler.
func (s *Store) HandleEvent(_ context.Context, evt events.Event) error {
	_, err := s.ApplyEvent(evt)
	return err
}

// ApplyOptimisticPatch layers a local change over a known record until an
// authoritative write supersedes it. Patches to the same record merge.
// When the patch sets updatedAt, only authoritative writes at least that new
// supersede it; otherwise any accepted authoritative write does.
func (s *Store) ApplyOptimisticPatch(id string, patch models.ConversationPatch) error {
	if id == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}
	patch.ID = id

	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	since := patch.Timestamp(e.auth.UpdatedAt)
	if e.optimistic != nil {
		patch = mergePatch(e.optimistic.patch, patch)
		if e.optimistic.since.After(since) {
			since = e.optimistic.since
		}
	}
	e.optimistic = &overlay{patch: patch, since: since}
	s.mu.Unlock()

	s.metrics.StoreApplied(string(OutcomeOptimistic))
	s.logger.Debug("optimistic patch applied", "conversation_id", id)
	s.notify(true)
	return nil
}

// DiscardOptimistic drops the local overlay for id. It reports whether one existed.
func (s *Store) DiscardOptimistic(id string) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || e.optimistic == nil {
		s.mu.Unlock()
		return false
	}
	e.optimistic = nil
	s.mu.Unlock()

	s.logger.Debug("optimistic patch discarded", "conversation_id", id)
	s.notify(true)
	return true
}

// Get returns the visible record for id.
func (s *Store) Get(id string) (models.ConversationRecord, bool) {
	entry, ok := s.Lookup(id)
	return entry.Record, ok
}

// Lookup returns the visible record for id with its provenance.
func (s *Store) Lookup(id string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, false
	}
	return e.view(), true
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// All yields the visible records as of the start of each iteration, in id order.
// The sequence can be ranged over repeatedly; each range takes a fresh snapshot.
func (s *Store) All() iter.Seq[models.ConversationRecord] {
	return func(yield func(models.ConversationRecord) bool) {
		for _, rec := range s.snapshot() {
			if !yield(rec) {
				return
			}
		}
	}
}

// Queue returns the ordered ids currently classified into key.
func (s *Store) Queue(key queue.Key) []string {
	return ids(s.partition(s.snapshot())[key])
}

// Subscribe calls fn with the ordered ids of key now and whenever that list
// changes. Order is updatedAt descending, then id ascending. The returned
// function stops delivery.
func (s *Store) Subscribe(key queue.Key, fn QueueHandler) func() {
	if fn == nil {
		return func() {}
	}
	s.subsMu.Lock()
	s.nextSub++
	sub := &subscription{id: s.nextSub, key: key, fn: fn}
	sub.active.Store(true)
	s.subs = append(s.subs, sub)
	s.subsMu.Unlock()

	s.notify(false)

	return func() {
		sub.active.Store(false)
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		s.subs = slices.DeleteFunc(s.subs, func(o *subscription) bool { return o.id == sub.id })
	}
}

// OnChange registers fn to run after every accepted write.
func (s *Store) OnChange(fn func()) func() {
	if fn == nil {
		return func() {}
	}
	s.subsMu.Lock()
	s.nextSub++
	id := s.nextSub
	s.listeners = append(s.listeners, listener{id: id, fn: fn})
	s.subsMu.Unlock()

	return func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		s.listeners = slices.DeleteFunc(s.listeners, func(l listener) bool { return l.id == id })
	}
}

func (s *Store) snapshot() []models.ConversationRecord {
	s.mu.RLock()
	out := make([]models.ConversationRecord, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.view().Record)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b models.ConversationRecord) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func (s *Store) partition(records []models.ConversationRecord) map[queue.Key][]models.ConversationRecord {
	out := make(map[queue.Key][]models.ConversationRecord, len(queue.Keys()))
	for _, rec := range records {
		key := s.classifier.Classify(rec)
		out[key] = append(out[key], rec)
	}
	for _, recs := range out {
		slices.SortStableFunc(recs, compareQueueOrder)
	}
	return out
}

func compareQueueOrder(a, b models.ConversationRecord) int {
	if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func ids(records []models.ConversationRecord) []string {
	out := make([]string, len(records))
	for i, rec := range records {
		out[i] = rec.ID
	}
	return out
}

// notify publishes queue lists and change callbacks outside the data lock.
// One goroutine publishes at a time; writes that land meanwhile are folded
// into another round, so callbacks may write to the store.
func (s *Store) notify(mutated bool) {
	s.notifyMu.Lock()
	s.pendingNotify = true
	s.pendingMutation = s.pendingMutation || mutated
	if s.notifying {
		s.notifyMu.Unlock()
		return
	}
	s.notifying = true
	for s.pendingNotify {
		round := s.pendingMutation
		s.pendingNotify = false
		s.pendingMutation = false
		s.notifyMu.Unlock()
		s.publish(round)
		s.notifyMu.Lock()
	}
	s.notifying = false
	s.notifyMu.Unlock()
}

func (s *Store) publish(mutated bool) {
	byQueue := s.partition(s.snapshot())
	for _, key := range queue.Keys() {
		s.metrics.SetQueueSize(string(key), len(byQueue[key]))
	}

	s.subsMu.Lock()
	subs := slices.Clone(s.subs)
	listeners := slices.Clone(s.listeners)
	s.subsMu.Unlock()

	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		current := ids(byQueue[sub.key])
		if sub.primed && slices.Equal(current, sub.last) {
			continue
		}
		sub.last = current
		sub.primed = true
		s.call(func() { sub.fn(slices.Clone(current)) }, "queue", string(sub.key))
	}

	if !mutated {
		return
	}
	for _, l := range listeners {
		s.call(l.fn, "listener", "change")
	}
}

func (s *Store) call(fn func(), kind, name string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("store callback panicked", "kind", kind, "name", name, "panic", r)
		}
	}()
	fn()
}

// normalize fills defaults so an active record never carries an empty state.
func normalize(rec models.ConversationRecord) models.ConversationRecord {
	rec = rec.Clone()
	if rec.Status == "" {
		rec.Status = models.ConversationStatusActive
	}
	if rec.State == "" {
		rec.State = models.ConversationStateNew
	}
	if rec.AssignedUserID != nil && *rec.AssignedUserID == "" {
		rec.AssignedUserID = nil
	}
	rec.UnreadCount = max(rec.UnreadCount, 0)
	return rec
}

// mergePatch layers next over prev; fields set in next win.
func mergePatch(prev, next models.ConversationPatch) models.ConversationPatch {
	out := prev
	if next.Status.Set {
		out.Status = next.Status
	}
	if next.State.Set {
		out.State = next.State
	}
	if next.AssignedUserID.Set {
		out.AssignedUserID = next.AssignedUserID
	}
	if next.UpdatedAt.Set {
		out.UpdatedAt = next.UpdatedAt
	}
	if next.UnreadCount.Set {
		out.UnreadCount = next.UnreadCount
	}
	return out
}
