package connection

import "time"

// State is the lifecycle stage of the logical connection.
type State int

const (
	// StateDisconnected means no connection is wanted or the manager was torn down.
	StateDisconnected State = iota

	// StateConnecting means a dial is in flight.
	StateConnecting

	// StateConnected means the socket is open and the subscription was issued.
	StateConnected

	// StateReconnecting means the manager is waiting out a backoff delay.
	StateReconnecting

	// StateFailed means the retry budget is exhausted. Only Connect leaves it.
	StateFailed
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status is a point-in-time view of the connection.
type Status struct {
	State State
	// Attempt counts retry attempts since the last Connected.
	Attempt int
	// LastConnectedAt is zero until the first successful connect.
	LastConnectedAt time.Time
	// LastError is the most recent transport failure, empty when none.
	LastError string
	// NextRetryIn is the pending backoff delay while Reconnecting.
	NextRetryIn time.Duration
}

// StateEvent describes one transition.
type StateEvent struct {
	From   State
	To     State
	Status Status
}

// StateHandler observes transitions.
type StateHandler func(StateEvent)

// Subscription identifies the room this client joins on every connect.
type Subscription struct {
	TenantID string `json:"tenantId"`
	UserID   string `json:"userId,omitempty"`
}
