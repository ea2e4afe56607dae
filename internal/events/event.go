// Package events broadcasts call state transitions to devices and other instances.
package events

import (
	"time"

	"call-coordinator/internal/calls"
	"call-coordinator/pkg/utils"

	"github.com/google/uuid"
)

// CallEvent is one persisted transition as seen by participants.
// Version increases with every write to the call. Receivers order by State rank,
// so a redelivered or late event never moves a device backwards.
type CallEvent struct {
	EventID    string          `json:"event_id"`
	CallID     string          `json:"call_id"`
	CallerID   string          `json:"caller_id"`
	CalleeID   string          `json:"callee_id"`
	CallType   calls.CallType  `json:"call_type"`
	State      calls.State     `json:"state"`
	PrevState  calls.State     `json:"prev_state,omitempty"`
	EndReason  calls.EndReason `json:"end_reason,omitempty"`
	Version    int64           `json:"version"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// FromTransition builds the event for prev -> next.
func FromTransition(prev, next calls.Session) CallEvent {
	return CallEvent{
		EventID:    uuid.NewString(),
		CallID:     next.CallID,
		CallerID:   next.CallerID,
		CalleeID:   next.CalleeID,
		CallType:   next.CallType,
		State:      next.State,
		PrevState:  prev.State,
		EndReason:  next.EndReason,
		Version:    next.Version,
		OccurredAt: next.UpdatedAt,
	}
}

// Participants returns the users this event is delivered to.
func (e CallEvent) Participants() []string {
	return []string{e.CallerID, e.CalleeID}
}

// Subject is the NATS subject for this event: calls.<callId>.<state>.
func (e CallEvent) Subject() string {
	return SubjectPrefix + "." + utils.SubjectToken(e.CallID) + "." + utils.SubjectToken(string(e.State))
}

const (
	SubjectPrefix = "calls"
	// SubjectAll matches every call event.
	SubjectAll = SubjectPrefix + ".>"
)
