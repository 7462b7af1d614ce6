// Package events decodes inbound frames into typed domain events and fans
// them out to registered handlers.
//
// Events are queued on lanes, one goroutine per stream draining a buffered
// queue. All conversation_* events share one stream so changes to a
// conversation apply in arrival order whatever their type; counters_updated
// has its own. Handlers run in registration order and see events in arrival
// order; different streams progress independently.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/queuesync/internal/observability"
	"github.com/haasonsaas/queuesync/internal/transport"
)

// DefaultLaneBuffer is the per-stream queue depth used when none is configured.
const DefaultLaneBuffer = 1024

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = errors.New("events: dispatcher closed")

// Handler consumes one event. Returned errors are logged and counted.
type Handler func(ctx context.Context, evt Event) error

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = metrics }
}

// WithTracer sets the tracer used for dispatch spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) {
		if tracer != nil {
			d.tracer = tracer
		}
	}
}

// WithLaneBuffer sets the per-stream queue depth. When a lane is full,
// Dispatch waits for room or for ctx.
func WithLaneBuffer(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.buffer = n
		}
	}
}

// WithClock replaces time.Now for ReceivedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

type registration struct {
	id uint64
	fn Handler
}

type delivery struct {
	ctx context.Context
	evt Event
}

// Dispatcher routes events to handlers. It is safe for concurrent use.
type Dispatcher struct {
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
	now     func() time.Time
	buffer  int

	mu       sync.RWMutex
	handlers map[Type][]registration
	nextID   uint64

	lanesMu sync.RWMutex
	lanes   map[stream]chan delivery
	closed  bool
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher with no handlers.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger:   slog.Default(),
		tracer:   otel.Tracer("queuesync/events"),
		now:      time.Now,
		buffer:   DefaultLaneBuffer,
		handlers: make(map[Type][]registration),
		lanes:    make(map[stream]chan delivery),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "events")
	return d
}

// Register adds a handler for t and returns a function that removes it.
// Events already queued for t may still reach the handler after removal.
func (d *Dispatcher) Register(t Type, handler Handler) func() {
	if handler == nil {
		return func() {}
	}
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.handlers[t] = append(d.handlers[t], registration{id: id, fn: handler})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			regs := d.handlers[t]
			for i, r := range regs {
				if r.id == id {
					d.handlers[t] = append(regs[:i:i], regs[i+1:]...)
					return
				}
			}
		})
	}
}

// HandlerCount returns how many handlers are registered for t.
func (d *Dispatcher) HandlerCount(t Type) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[t])
}

// HandleFrame adapts Dispatch to the connection manager's frame handler.
// Protocol errors are already logged by Dispatch.
func (d *Dispatcher) HandleFrame(ctx context.Context, data []byte) {
	_ = d.Dispatch(ctx, data) //nolint:errcheck // logged and counted in Dispatch
}

// Dispatch decodes one raw frame and queues the event on its lane.
//
// A malformed frame returns a *ProtocolError after logging it. Unknown event
// types, acks and server error frames are logged and return nil.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) error {
	receivedAt := d.now()

	var frame transport.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return d.protocolError(&ProtocolError{Reason: "invalid frame envelope", Err: err})
	}

	switch frame.Type {
	case transport.FrameEvent:
	case transport.FrameAck:
		d.logger.Debug("ack received", "request_id", frame.ID)
		return nil
	case transport.FrameError:
		d.logger.Warn("server reported error", "request_id", frame.ID, "payload", string(frame.Payload))
		return nil
	default:
		return d.protocolError(&ProtocolError{Reason: fmt.Sprintf("unexpected frame type %q", frame.Type)})
	}

	t := Type(frame.Event)
	if t == "" {
		return d.protocolError(&ProtocolError{Reason: "event name is required"})
	}
	if !t.Known() {
		d.metrics.UnknownEvent()
		d.logger.Debug("dropping unknown event", "event", frame.Event)
		return nil
	}

	evt, err := Decode(t, frame.Payload, receivedAt)
	if err != nil {
		var perr *ProtocolError
		if !errors.As(err, &perr) {
			perr = &ProtocolError{Event: string(t), Reason: "decode failed", Err: err}
		}
		return d.protocolError(perr)
	}
	evt.Seq = frame.Seq
	return d.Publish(ctx, evt)
}

// Publish queues an already decoded event.
func (d *Dispatcher) Publish(ctx context.Context, evt Event) error {
	if evt.ReceivedAt.IsZero() {
		evt.ReceivedAt = d.now()
	}

	lane, err := d.lane(evt.Type.stream())
	if err != nil {
		return err
	}
	defer d.lanesMu.RUnlock()

	// Handlers outlive the connection that delivered the frame.
	item := delivery{ctx: context.WithoutCancel(ctx), evt: evt}
	select {
	case lane <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// lane returns the queue for st with lanesMu read-locked on success.
func (d *Dispatcher) lane(st stream) (chan delivery, error) {
	d.lanesMu.RLock()
	if d.closed {
		d.lanesMu.RUnlock()
		return nil, ErrClosed
	}
	if ch, ok := d.lanes[st]; ok {
		return ch, nil
	}
	d.lanesMu.RUnlock()

	d.lanesMu.Lock()
	if d.closed {
		d.lanesMu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := d.lanes[st]; !ok {
		ch := make(chan delivery, d.buffer)
		d.lanes[st] = ch
		d.wg.Add(1)
		go d.runLane(st, ch)
	}
	d.lanesMu.Unlock()

	// Lanes are never removed before Close, so the lookup cannot miss.
	d.lanesMu.RLock()
	if d.closed {
		d.lanesMu.RUnlock()
		return nil, ErrClosed
	}
	return d.lanes[st], nil
}

func (d *Dispatcher) runLane(st stream, ch <-chan delivery) {
	defer d.wg.Done()
	d.logger.Debug("lane started", "stream", string(st))
	for item := range ch {
		d.deliver(item.ctx, item.evt)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, evt Event) {
	ctx, span := d.tracer.Start(ctx, "events.dispatch",
		trace.WithAttributes(observability.EventAttr(string(evt.Type))),
	)
	defer span.End()

	d.mu.RLock()
	regs := make([]registration, len(d.handlers[evt.Type]))
	copy(regs, d.handlers[evt.Type])
	d.mu.RUnlock()

	for _, r := range regs {
		if err := d.invoke(ctx, r.fn, evt); err != nil {
			d.metrics.HandlerFailed(string(evt.Type))
			observability.RecordError(span, err)
			d.logger.Warn("event handler failed",
				"event", string(evt.Type),
				"conversation_id", conversationID(evt),
				"error", err,
			)
		}
	}
	d.metrics.EventDispatched(string(evt.Type))
}

func (d *Dispatcher) invoke(ctx context.Context, fn Handler, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, evt)
}

func (d *Dispatcher) protocolError(err *ProtocolError) error {
	d.metrics.ProtocolError()
	d.logger.Warn("dropping malformed frame", "event", err.Event, "error", err)
	return err
}

// Close stops accepting events, drains every lane and waits for the lane
// goroutines to exit. A handler must use Shutdown with a deadline instead,
// since its own lane cannot finish until it returns.
func (d *Dispatcher) Close() {
	_ = d.Shutdown(context.Background()) //nolint:errcheck // Background never ends
}

// Shutdown is Close bounded by ctx. Lanes keep draining in the background
// after ctx ends.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.lanesMu.Lock()
	if !d.closed {
		d.closed = true
		for _, ch := range d.lanes {
			close(ch)
		}
	}
	d.lanesMu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func conversationID(evt Event) string {
	if evt.Conversation == nil {
		return ""
	}
	return evt.Conversation.ID
}
