package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/haasonsaas/queuesync/internal/observability"
	"github.com/haasonsaas/queuesync/pkg/models"
)

func newTestDispatcher(t *testing.T, opts ...Option) (*Dispatcher, *observability.Metrics) {
	t.Helper()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	opts = append([]Option{WithLogger(observability.Discard()), WithMetrics(metrics)}, opts...)
	d := NewDispatcher(opts...)
	t.Cleanup(d.Close)
	return d, metrics
}

func TestDispatchRoutesByType(t *testing.T) {
	d, metrics := newTestDispatcher(t)

	var mu sync.Mutex
	var conversations []string
	var counters []models.CounterSnapshot
	d.Register(ConversationUpdated, func(_ context.Context, evt Event) error {
		mu.Lock()
		defer mu.Unlock()
		conversations = append(conversations, evt.Conversation.ID)
		return nil
	})
	d.Register(CountersUpdated, func(_ context.Context, evt Event) error {
		mu.Lock()
		defer mu.Unlock()
		counters = append(counters, *evt.Counters)
		return nil
	})

	frames := []string{
		`{"type":"event","event":"conversation_updated","payload":{"id":"c1","state":"ASSIGNED"}}`,
		`{"type":"event","event":"counters_updated","payload":{"bot":1,"entrada":2,"aguardando":0,"em_atendimento":0,"finalizadas":0}}`,
	}
	for _, f := range frames {
		if err := d.Dispatch(context.Background(), []byte(f)); err != nil {
			t.Fatalf("Dispatch(%s): %v", f, err)
		}
	}
	d.Close()

	if len(conversations) != 1 || conversations[0] != "c1" {
		t.Errorf("conversations = %v, want [c1]", conversations)
	}
	if len(counters) != 1 {
		t.Fatalf("counters = %d, want 1", len(counters))
	}
	if counters[0].Source != models.CounterSourceServer {
		t.Errorf("source = %s, want server", counters[0].Source)
	}
	if counters[0].Count(models.QueueEntrada) != 2 {
		t.Errorf("entrada = %d, want 2", counters[0].Count(models.QueueEntrada))
	}
	if got := testutil.ToFloat64(metrics.EventsDispatched.WithLabelValues("conversation_updated")); got != 1 {
		t.Errorf("dispatched = %v, want 1", got)
	}
}

func TestHandlersRunInRegistrationAndArrivalOrder(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var mu sync.Mutex
	var order []string
	record := func(name string) Handler {
		return func(_ context.Context, evt Event) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name+":"+evt.Conversation.ID)
			return nil
		}
	}
	d.Register(ConversationUpdated, record("a"))
	d.Register(ConversationUpdated, record("b"))

	for _, id := range []string{"c1", "c2", "c3"} {
		frame := `{"type":"event","event":"conversation_updated","payload":{"id":"` + id + `"}}`
		if err := d.Dispatch(context.Background(), []byte(frame)); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
	d.Close()

	want := []string{"a:c1", "b:c1", "a:c2", "b:c2", "a:c3", "b:c3"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestHandlerFailuresAreIsolated(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	d, metrics := newTestDispatcher(t, WithTracer(provider.Tracer("test")))

	delivered := 0
	d.Register(ConversationClosed, func(context.Context, Event) error {
		return errors.New("store unavailable")
	})
	d.Register(ConversationClosed, func(context.Context, Event) error {
		panic("boom")
	})
	d.Register(ConversationClosed, func(context.Context, Event) error {
		delivered++
		return nil
	})

	frame := `{"type":"event","event":"conversation_closed","payload":{"id":"c1"}}`
	if err := d.Dispatch(context.Background(), []byte(frame)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	d.Close()

	if delivered != 1 {
		t.Errorf("third handler ran %d times, want 1", delivered)
	}
	if got := testutil.ToFloat64(metrics.HandlerFailures.WithLabelValues("conversation_closed")); got != 2 {
		t.Errorf("handler failures = %v, want 2", got)
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name() != "events.dispatch" {
		t.Errorf("span name = %s", spans[0].Name())
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("span status = %v, want error", spans[0].Status().Code)
	}
}

func TestSlowLaneDoesNotBlockOtherTypes(t *testing.T) {
	d, _ := newTestDispatcher(t)

	release := make(chan struct{})
	d.Register(CountersUpdated, func(context.Context, Event) error {
		<-release
		return nil
	})
	got := make(chan string, 1)
	d.Register(ConversationAssigned, func(_ context.Context, evt Event) error {
		got <- evt.Conversation.ID
		return nil
	})

	counters := `{"type":"event","event":"counters_updated","payload":{"bot":0,"entrada":0,"aguardando":0,"em_atendimento":0,"finalizadas":0}}`
	assigned := `{"type":"event","event":"conversation_assigned","payload":{"id":"c7","assignedUserId":"u1"}}`
	if err := d.Dispatch(context.Background(), []byte(counters)); err != nil {
		t.Fatalf("Dispatch counters: %v", err)
	}
	if err := d.Dispatch(context.Background(), []byte(assigned)); err != nil {
		t.Fatalf("Dispatch assigned: %v", err)
	}

	select {
	case id := <-got:
		if id != "c7" {
			t.Errorf("id = %s, want c7", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("conversation event blocked behind counters handler")
	}
	close(release)
}

func TestDispatchMalformedFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{name: "invalid json", frame: `{"type":`},
		{name: "missing event name", frame: `{"type":"event","payload":{}}`},
		{name: "missing conversation id", frame: `{"type":"event","event":"conversation_updated","payload":{"state":"NEW"}}`},
		{name: "missing payload", frame: `{"type":"event","event":"conversation_created"}`},
		{name: "bad field type", frame: `{"type":"event","event":"conversation_updated","payload":{"id":"c1","unreadCount":"many"}}`},
		{name: "unexpected frame type", frame: `{"type":"bogus"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, metrics := newTestDispatcher(t)
			err := d.Dispatch(context.Background(), []byte(tt.frame))
			if !errors.Is(err, ErrProtocol) {
				t.Fatalf("err = %v, want ErrProtocol", err)
			}
			var perr *ProtocolError
			if !errors.As(err, &perr) {
				t.Fatalf("err is not *ProtocolError: %T", err)
			}
			if got := testutil.ToFloat64(metrics.ProtocolErrors); got != 1 {
				t.Errorf("protocol errors = %v, want 1", got)
			}
		})
	}
}

func TestDispatchIgnoredFrames(t *testing.T) {
	d, metrics := newTestDispatcher(t)
	called := false
	d.Register(ConversationUpdated, func(context.Context, Event) error {
		called = true
		return nil
	})

	for _, frame := range []string{
		`{"type":"event","event":"contact_updated","payload":{"id":"x"}}`,
		`{"type":"ack","id":"req-1"}`,
		`{"type":"error","id":"req-2","payload":{"message":"forbidden"}}`,
	} {
		if err := d.Dispatch(context.Background(), []byte(frame)); err != nil {
			t.Errorf("Dispatch(%s) = %v, want nil", frame, err)
		}
	}
	d.Close()

	if called {
		t.Error("handler called for ignored frame")
	}
	if got := testutil.ToFloat64(metrics.UnknownEvents); got != 1 {
		t.Errorf("unknown events = %v, want 1", got)
	}
}

func TestUnregister(t *testing.T) {
	d, _ := newTestDispatcher(t)
	calls := 0
	unregister := d.Register(ConversationUpdated, func(context.Context, Event) error {
		calls++
		return nil
	})
	if d.HandlerCount(ConversationUpdated) != 1 {
		t.Fatalf("handler count = %d, want 1", d.HandlerCount(ConversationUpdated))
	}
	unregister()
	unregister()
	if d.HandlerCount(ConversationUpdated) != 0 {
		t.Fatalf("handler count = %d, want 0", d.HandlerCount(ConversationUpdated))
	}

	frame := `{"type":"event","event":"conversation_updated","payload":{"id":"c1"}}`
	if err := d.Dispatch(context.Background(), []byte(frame)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	d.Close()
	if calls != 0 {
		t.Errorf("calls = %d after unregister, want 0", calls)
	}
}

func TestDispatchAfterClose(t *testing.T) {
	d, _ := newTestDispatcher(t)
	d.Close()
	frame := `{"type":"event","event":"conversation_updated","payload":{"id":"c1"}}`
	if err := d.Dispatch(context.Background(), []byte(frame)); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestDispatchStampsReceivedAtAndSeq(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d, _ := newTestDispatcher(t, WithClock(func() time.Time { return now }))

	var got Event
	d.Register(ConversationCreated, func(_ context.Context, evt Event) error {
		got = evt
		return nil
	})
	frame := `{"type":"event","event":"conversation_created","seq":42,"payload":{"id":"c1","status":"active","state":"NEW"}}`
	if err := d.Dispatch(context.Background(), []byte(frame)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	d.Close()

	if !got.ReceivedAt.Equal(now) {
		t.Errorf("ReceivedAt = %v, want %v", got.ReceivedAt, now)
	}
	if got.Seq == nil || *got.Seq != 42 {
		t.Errorf("Seq = %v, want 42", got.Seq)
	}
}

func TestTombstoneStatus(t *testing.T) {
	tests := []struct {
		typ    Type
		status models.ConversationStatus
		ok     bool
	}{
		{ConversationClosed, models.ConversationStatusClosed, true},
		{ConversationArchived, models.ConversationStatusArchived, true},
		{ConversationUpdated, "", false},
		{CountersUpdated, "", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			status, ok := tt.typ.TombstoneStatus()
			if status != tt.status || ok != tt.ok {
				t.Errorf("TombstoneStatus() = %s, %v; want %s, %v", status, ok, tt.status, tt.ok)
			}
		})
	}
}

func TestConversationTypesShareOneLane(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var mu sync.Mutex
	var seen []Type
	record := func(_ context.Context, evt Event) error {
		if evt.Type == ConversationCreated {
			time.Sleep(5 * time.Millisecond)
		}
		mu.Lock()
		seen = append(seen, evt.Type)
		mu.Unlock()
		return nil
	}
	order := []Type{ConversationCreated, ConversationUpdated, ConversationAssigned, ConversationClosed}
	for _, typ := range order {
		d.Register(typ, record)
	}

	for _, typ := range order {
		frame := `{"type":"event","event":"` + string(typ) + `","payload":{"id":"c1"}}`
		if err := d.Dispatch(context.Background(), []byte(frame)); err != nil {
			t.Fatalf("Dispatch %s: %v", typ, err)
		}
	}
	d.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != len(order) {
		t.Fatalf("seen = %v, want %v", seen, order)
	}
	for i := range order {
		if seen[i] != order[i] {
			t.Errorf("seen[%d] = %s, want %s", i, seen[i], order[i])
		}
	}
}

func TestShutdownFromHandlerHonorsDeadline(t *testing.T) {
	d, _ := newTestDispatcher(t)

	result := make(chan error, 1)
	d.Register(ConversationClosed, func(context.Context, Event) error {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		result <- d.Shutdown(ctx)
		return nil
	})
	frame := `{"type":"event","event":"conversation_closed","payload":{"id":"c1"}}`
	if err := d.Dispatch(context.Background(), []byte(frame)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	select {
	case err := <-result:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Shutdown from handler = %v, want deadline exceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown from handler did not return")
	}

	// Once the handler returns the lane exits and a fresh wait succeeds.
	if err := d.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown after handler = %v", err)
	}
	if err := d.Dispatch(context.Background(), []byte(frame)); !errors.Is(err, ErrClosed) {
		t.Errorf("Dispatch after Shutdown = %v, want ErrClosed", err)
	}
}
