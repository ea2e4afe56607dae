// Package callclient is the device-side call state machine. It reconciles push
// notifications, realtime events, local user actions and media signals into one
// convergent view of the current call.
package callclient

import (
	"errors"

	"call-coordinator/internal/calls"
)

var (
	// ErrCallUnavailable means the call ended or was taken before a local action landed.
	ErrCallUnavailable = errors.New("callclient: call no longer available")
	// ErrMediaJoinFailure means the media SDK could not join; the call is ended.
	ErrMediaJoinFailure = errors.New("callclient: media join failed")
	// ErrNoCall means there is no call the action applies to.
	ErrNoCall = errors.New("callclient: no active call")
)

type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// View is this device's projection of the current call. A zero View is idle.
type View struct {
	CallID    string          `json:"call_id,omitempty"`
	Role      Role            `json:"role,omitempty"`
	PeerID    string          `json:"peer_id,omitempty"`
	PeerName  string          `json:"peer_name,omitempty"`
	CallType  calls.CallType  `json:"call_type,omitempty"`
	State     calls.State     `json:"state,omitempty"`
	EndReason calls.EndReason `json:"end_reason,omitempty"`
	Version   int64           `json:"version,omitempty"`

	RingtonePlaying bool `json:"ringtone_playing"`
	UIVisible       bool `json:"ui_visible"`
}

func (v View) Idle() bool { return v.CallID == "" }

// Live reports whether the view holds a call that has not terminated.
func (v View) Live() bool { return v.CallID != "" && !v.State.IsTerminal() }

// Source names where a transition came from.
type Source string

const (
	SourcePush        Source = "push"
	SourceRealtime    Source = "realtime"
	SourceLocal       Source = "local"
	SourceMedia       Source = "media"
	SourceCoordinator Source = "coordinator"
)

// Authoritative reports whether the signal reflects the coordinator's record.
func (s Source) Authoritative() bool {
	return s == SourceCoordinator || s == SourceRealtime
}

// Transition is one applied change of the local view.
type Transition struct {
	CallID string          `json:"call_id"`
	From   calls.State     `json:"from,omitempty"`
	To     calls.State     `json:"to"`
	Reason calls.EndReason `json:"reason,omitempty"`
	Source Source          `json:"source"`
	View   View            `json:"view"`
}
