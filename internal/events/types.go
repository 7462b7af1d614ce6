package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/queuesync/pkg/models"
)

// Type is the name of a domain event carried in a frame's "event" field.
type Type string

const (
	ConversationCreated     Type = "conversation_created"
	ConversationUpdated     Type = "conversation_updated"
	ConversationAssigned    Type = "conversation_assigned"
	ConversationTransferred Type = "conversation_transferred"
	ConversationClosed      Type = "conversation_closed"
	ConversationArchived    Type = "conversation_archived"
	CountersUpdated         Type = "counters_updated"
)

// Types lists every event the client understands.
func Types() []Type {
	return []Type{
		ConversationCreated,
		ConversationUpdated,
		ConversationAssigned,
		ConversationTransferred,
		ConversationClosed,
		ConversationArchived,
		CountersUpdated,
	}
}

// IsConversation reports whether the event carries a conversation patch.
func (t Type) IsConversation() bool {
	switch t {
	case ConversationCreated, ConversationUpdated, ConversationAssigned,
		ConversationTransferred, ConversationClosed, ConversationArchived:
		return true
	}
	return false
}

// Known reports whether t is one of Types.
func (t Type) Known() bool {
	return t.IsConversation() || t == CountersUpdated
}

// stream names the lane an event type is queued on.
type stream string

const conversationStream stream = "conversation"

func (t Type) stream() stream {
	if t.IsConversation() {
		return conversationStream
	}
	return stream(t)
}

// TombstoneStatus returns the status forced by a close or archive event.
func (t Type) TombstoneStatus() (models.ConversationStatus, bool) {
	switch t {
	case ConversationClosed:
		return models.ConversationStatusClosed, true
	case ConversationArchived:
		return models.ConversationStatusArchived, true
	}
	return "", false
}

// Event is a decoded domain event.
type Event struct {
	Type Type

	// Conversation is set for conversation_* events.
	Conversation *models.ConversationPatch

	// Counters is set for counters_updated, stamped with source=server.
	Counters *models.CounterSnapshot

	// Seq is the server sequence number when the frame carried one.
	Seq *int64

	ReceivedAt time.Time
}

// ErrProtocol matches every *ProtocolError with errors.Is.
var ErrProtocol = errors.New("protocol error")

// ProtocolError describes a frame that could not be turned into an event.
// It is logged and the frame dropped; it is never fatal.
type ProtocolError struct {
	Event  string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "protocol error: " + e.Reason
	if e.Event != "" {
		msg += " (event " + e.Event + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying decode error.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrProtocol) true for any *ProtocolError.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

// Decode turns a frame payload into a typed event.
func Decode(t Type, payload json.RawMessage, receivedAt time.Time) (Event, error) {
	evt := Event{Type: t, ReceivedAt: receivedAt}

	switch {
	case t.IsConversation():
		if len(payload) == 0 {
			return Event{}, &ProtocolError{Event: string(t), Reason: "missing payload"}
		}
		var patch models.ConversationPatch
		if err := json.Unmarshal(payload, &patch); err != nil {
			return Event{}, &ProtocolError{Event: string(t), Reason: "invalid conversation payload", Err: err}
		}
		if patch.ID == "" {
			return Event{}, &ProtocolError{Event: string(t), Reason: "conversation id is required"}
		}
		evt.Conversation = &patch

	case t == CountersUpdated:
		if len(payload) == 0 {
			return Event{}, &ProtocolError{Event: string(t), Reason: "missing payload"}
		}
		var snap models.CounterSnapshot
		if err := json.Unmarshal(payload, &snap); err != nil {
			return Event{}, &ProtocolError{Event: string(t), Reason: "invalid counters payload", Err: err}
		}
		snap.Source = models.CounterSourceServer
		snap.ProducedAt = receivedAt
		evt.Counters = &snap

	default:
		return Event{}, fmt.Errorf("decode %q: unknown event type", t)
	}
	return evt, nil
}
