package calls

import "time"

// Session is the authoritative record of one call between two participants.
//
// Invariants:
// - State only moves forward along the transition DAG (see state.go).
// - EndReason is set only once State is terminal.
// - Version increases by one on every persisted write and is the CAS token.
type Session struct {
	CallID   string   `json:"call_id" db:"call_id"`
	CallerID string   `json:"caller_id" db:"caller_id"`
	CalleeID string   `json:"callee_id" db:"callee_id"`
	CallType CallType `json:"call_type" db:"call_type"`

	State     State     `json:"state" db:"state"`
	EndReason EndReason `json:"end_reason,omitempty" db:"end_reason"`

	// Media legs confirmed by each participant. Both are required for ACTIVE.
	CallerJoined bool `json:"caller_joined" db:"caller_joined"`
	CalleeJoined bool `json:"callee_joined" db:"callee_joined"`

	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	AcceptedAt time.Time `json:"accepted_at,omitzero" db:"accepted_at"`
	ActiveAt   time.Time `json:"active_at,omitzero" db:"active_at"`
	EndedAt    time.Time `json:"ended_at,omitzero" db:"ended_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
	ArchivedAt time.Time `json:"archived_at,omitzero" db:"archived_at"`

	Version int64 `json:"version" db:"version"`
}

type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

func (t CallType) Valid() bool { return t == CallTypeVoice || t == CallTypeVideo }

type EndReason string

const (
	EndReasonCompleted       EndReason = "completed"
	EndReasonDeclined        EndReason = "declined"
	EndReasonNoAnswer        EndReason = "no_answer"
	EndReasonCallerCancelled EndReason = "caller_cancelled"
	EndReasonNetworkFailure  EndReason = "network_failure"
	EndReasonForceTerminated EndReason = "force_terminated"
)

func (r EndReason) Valid() bool {
	switch r {
	case EndReasonCompleted, EndReasonDeclined, EndReasonNoAnswer,
		EndReasonCallerCancelled, EndReasonNetworkFailure, EndReasonForceTerminated:
		return true
	default:
		return false
	}
}

// IsParticipant reports whether userID is the caller or the callee.
func (s Session) IsParticipant(userID string) bool {
	return userID != "" && (userID == s.CallerID || userID == s.CalleeID)
}

// Peer returns the other participant, or "" if userID is not part of the call.
func (s Session) Peer(userID string) string {
	switch userID {
	case s.CallerID:
		return s.CalleeID
	case s.CalleeID:
		return s.CallerID
	default:
		return ""
	}
}

// TalkTime is the connected duration. Zero unless the call reached ACTIVE and ended.
func (s Session) TalkTime() time.Duration {
	if s.ActiveAt.IsZero() || s.EndedAt.IsZero() || s.EndedAt.Before(s.ActiveAt) {
		return 0
	}
	return s.EndedAt.Sub(s.ActiveAt)
}
