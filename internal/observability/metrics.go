package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks connection health, dispatch throughput and queue sizes.
//
// A nil *Metrics is valid and records nothing, so components can take one
// optionally.
type Metrics struct {
	// ConnectionState is 1 for the current connection state and 0 for the rest.
	// Labels: state (disconnected|connecting|connected|reconnecting|failed)
	ConnectionState *prometheus.GaugeVec

	// ReconnectAttempts counts retry attempts after a failure or drop.
	ReconnectAttempts prometheus.Counter

	// Subscriptions counts subscription (re-)issues, one per Connected transition.
	Subscriptions prometheus.Counter

	// EventsDispatched counts delivered domain events.
	// Labels: event
	EventsDispatched *prometheus.CounterVec

	// HandlerFailures counts handler errors and panics.
	// Labels: event
	HandlerFailures *prometheus.CounterVec

	// ProtocolErrors counts malformed frames that were dropped.
	ProtocolErrors prometheus.Counter

	// UnknownEvents counts well-formed frames with an unrecognized event name.
	UnknownEvents prometheus.Counter

	// StoreApplies counts store mutations by outcome.
	// Labels: outcome (created|updated|stale|unchanged|optimistic)
	StoreApplies *prometheus.CounterVec

	// QueueSize is the number of conversations per queue.
	// Labels: queue
	QueueSize *prometheus.GaugeVec

	// CountersStale is 1 while the displayed counters may be out of date.
	CountersStale prometheus.Gauge

	// Refetches counts full refreshes by result.
	// Labels: status (success|error)
	Refetches *prometheus.CounterVec
}

// NewMetrics creates the metric set and registers it with reg.
// Pass prometheus.DefaultRegisterer in main and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectionState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "queuesync_connection_state",
				Help: "Current connection state (1 for the active state)",
			},
			[]string{"state"},
		),
		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "queuesync_reconnect_attempts_total",
			Help: "Total number of reconnection attempts",
		}),
		Subscriptions: factory.NewCounter(prometheus.CounterOpts{
			Name: "queuesync_subscriptions_total",
			Help: "Total number of subscription issues",
		}),
		EventsDispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queuesync_events_dispatched_total",
				Help: "Total number of domain events dispatched by type",
			},
			[]string{"event"},
		),
		HandlerFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queuesync_handler_failures_total",
				Help: "Total number of failed event handler invocations by type",
			},
			[]string{"event"},
		),
		ProtocolErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "queuesync_protocol_errors_total",
			Help: "Total number of malformed frames dropped",
		}),
		UnknownEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "queuesync_unknown_events_total",
			Help: "Total number of frames with an unrecognized event type",
		}),
		StoreApplies: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queuesync_store_applies_total",
				Help: "Total number of store mutations by outcome",
			},
			[]string{"outcome"},
		),
		QueueSize: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "queuesync_queue_size",
				Help: "Number of conversations classified into each queue",
			},
			[]string{"queue"},
		),
		CountersStale: factory.NewGauge(prometheus.GaugeOpts{
			Name: "queuesync_counters_stale",
			Help: "1 while displayed counters may be out of date",
		}),
		Refetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queuesync_refetches_total",
				Help: "Total number of full refreshes by status",
			},
			[]string{"status"},
		),
	}
}

// ConnectionStateChanged moves the state gauge from one state to another.
func (m *Metrics) ConnectionStateChanged(from, to string) {
	if m == nil {
		return
	}
	if from != "" && from != to {
		m.ConnectionState.WithLabelValues(from).Set(0)
	}
	m.ConnectionState.WithLabelValues(to).Set(1)
}

// ReconnectAttempted records one retry attempt.
func (m *Metrics) ReconnectAttempted() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

// SubscriptionIssued records one subscription issue.
func (m *Metrics) SubscriptionIssued() {
	if m == nil {
		return
	}
	m.Subscriptions.Inc()
}

// EventDispatched records a delivered event.
func (m *Metrics) EventDispatched(event string) {
	if m == nil {
		return
	}
	m.EventsDispatched.WithLabelValues(event).Inc()
}

// HandlerFailed records a failed handler invocation.
func (m *Metrics) HandlerFailed(event string) {
	if m == nil {
		return
	}
	m.HandlerFailures.WithLabelValues(event).Inc()
}

// ProtocolError records a dropped malformed frame.
func (m *Metrics) ProtocolError() {
	if m == nil {
		return
	}
	m.ProtocolErrors.Inc()
}

// UnknownEvent records a frame with an unrecognized type.
func (m *Metrics) UnknownEvent() {
	if m == nil {
		return
	}
	m.UnknownEvents.Inc()
}

// StoreApplied records a store mutation outcome.
func (m *Metrics) StoreApplied(outcome string) {
	if m == nil {
		return
	}
	m.StoreApplies.WithLabelValues(outcome).Inc()
}

// SetQueueSize records the size of one queue.
func (m *Metrics) SetQueueSize(queue string, size int) {
	if m == nil {
		return
	}
	m.QueueSize.WithLabelValues(queue).Set(float64(size))
}

// SetCountersStale records the staleness signal.
func (m *Metrics) SetCountersStale(stale bool) {
	if m == nil {
		return
	}
	if stale {
		m.CountersStale.Set(1)
	} else {
		m.CountersStale.Set(0)
	}
}

// RefetchCompleted records a full refresh result.
func (m *Metrics) RefetchCompleted(err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.Refetches.WithLabelValues(status).Inc()
}
