package models

import (
	"bytes"
	"encoding/json"
	"time"
)

// ConversationStatus is the coarse lifecycle flag reported by the backend.
type ConversationStatus string

const (
	ConversationStatusActive   ConversationStatus = "active"
	ConversationStatusClosed   ConversationStatus = "closed"
	ConversationStatusArchived ConversationStatus = "archived"
)

// IsTerminal reports whether the status removes the conversation from the working queues.
func (s ConversationStatus) IsTerminal() bool {
	return s == ConversationStatusClosed || s == ConversationStatusArchived
}

// ConversationState is the server-authoritative lifecycle stage of a conversation.
type ConversationState string

const (
	ConversationStateNew             ConversationState = "NEW"
	ConversationStateBotActive       ConversationState = "BOT_ACTIVE"
	ConversationStateRouting         ConversationState = "ROUTING"
	ConversationStateAssigned        ConversationState = "ASSIGNED"
	ConversationStateInProgress      ConversationState = "IN_PROGRESS"
	ConversationStateWaitingCustomer ConversationState = "WAITING_CUSTOMER"
	ConversationStateResolved        ConversationState = "RESOLVED"
	ConversationStateClosed          ConversationState = "CLOSED"
	ConversationStateDropped         ConversationState = "DROPPED"
)

// IsTerminal reports whether the state ends the conversation regardless of status.
func (s ConversationState) IsTerminal() bool {
	switch s {
	case ConversationStateResolved, ConversationStateClosed, ConversationStateDropped:
		return true
	}
	return false
}

// ConversationRecord is a single conversation as cached by the client.
type ConversationRecord struct {
	ID             string             `json:"id"`
	Status         ConversationStatus `json:"status"`
	State          ConversationState  `json:"state"`
	AssignedUserID *string            `json:"assignedUserId"`
	UpdatedAt      time.Time          `json:"updatedAt"`
	UnreadCount    int                `json:"unreadCount"`
}

// Assigned reports whether the conversation has an assignee.
func (r ConversationRecord) Assigned() bool {
	return r.AssignedUserID != nil && *r.AssignedUserID != ""
}

// Clone returns a copy that shares no pointers with r.
func (r ConversationRecord) Clone() ConversationRecord {
	if r.AssignedUserID != nil {
		v := *r.AssignedUserID
		r.AssignedUserID = &v
	}
	return r
}

// Equal compares two records field by field.
func (r ConversationRecord) Equal(other ConversationRecord) bool {
	if r.ID != other.ID || r.Status != other.Status || r.State != other.State ||
		r.UnreadCount != other.UnreadCount || !r.UpdatedAt.Equal(other.UpdatedAt) {
		return false
	}
	if r.AssignedUserID == nil || other.AssignedUserID == nil {
		return r.AssignedUserID == nil && other.AssignedUserID == nil
	}
	return *r.AssignedUserID == *other.AssignedUserID
}

// Optional is a patch field that distinguishes an absent value from an explicit null.
type Optional[T any] struct {
	Set   bool
	Null  bool
	Value T
}

// Some returns an Optional holding v.
func Some[T any](v T) Optional[T] {
	return Optional[T]{Set: true, Value: v}
}

// Null returns an Optional holding an explicit null.
func Null[T any]() Optional[T] {
	return Optional[T]{Set: true, Null: true}
}

// UnmarshalJSON only runs for keys present in the payload, which is what sets Set.
func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		o.Null = true
		var zero T
		o.Value = zero
		return nil
	}
	o.Null = false
	return json.Unmarshal(data, &o.Value)
}

// MarshalJSON encodes the value or null. Absent values should be omitted by the caller.
func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if !o.Set || o.Null {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}

// ConversationPatch is a partial update to a conversation. Unset fields are left untouched.
type ConversationPatch struct {
	ID             string                       `json:"id"`
	Status         Optional[ConversationStatus] `json:"status"`
	State          Optional[ConversationState]  `json:"state"`
	AssignedUserID Optional[string]             `json:"assignedUserId"`
	UpdatedAt      Optional[time.Time]          `json:"updatedAt"`
	UnreadCount    Optional[int]                `json:"unreadCount"`
}

// HasTimestamp reports whether the patch carries a usable updatedAt.
func (p ConversationPatch) HasTimestamp() bool {
	return p.UpdatedAt.Set && !p.UpdatedAt.Null && !p.UpdatedAt.Value.IsZero()
}

// Timestamp returns the patch's updatedAt, or fallback when none was sent.
func (p ConversationPatch) Timestamp(fallback time.Time) time.Time {
	if p.HasTimestamp() {
		return p.UpdatedAt.Value
	}
	return fallback
}

// ApplyTo merges the patch over rec and returns the result. rec is not modified.
// UpdatedAt is not touched; callers decide the effective timestamp.
func (p ConversationPatch) ApplyTo(rec ConversationRecord) ConversationRecord {
	out := rec.Clone()
	if p.Status.Set && !p.Status.Null {
		out.Status = p.Status.Value
	}
	if p.State.Set && !p.State.Null {
		out.State = p.State.Value
	}
	if p.AssignedUserID.Set {
		if p.AssignedUserID.Null || p.AssignedUserID.Value == "" {
			out.AssignedUserID = nil
		} else {
			v := p.AssignedUserID.Value
			out.AssignedUserID = &v
		}
	}
	if p.UnreadCount.Set && !p.UnreadCount.Null {
		out.UnreadCount = max(p.UnreadCount.Value, 0)
	}
	return out
}

// NewRecordFromPatch builds a record for an id that has not been seen before.
// Missing status defaults to active and missing state to NEW so an active
// record never carries an empty state.
func NewRecordFromPatch(p ConversationPatch, updatedAt time.Time) ConversationRecord {
	rec := p.ApplyTo(ConversationRecord{ID: p.ID})
	if rec.Status == "" {
		rec.Status = ConversationStatusActive
	}
	if rec.State == "" {
		rec.State = ConversationStateNew
	}
	rec.UpdatedAt = updatedAt
	return rec
}

// StringPtr is a convenience for building records with an assignee.
func StringPtr(s string) *string {
	return &s
}
