package callclient

import (
	"sync"

	"call-coordinator/internal/notification"
)

// AudioSink is the platform surface for the ringtone and the persistent
// incoming-call notification.
type AudioSink interface {
	StartRingtone(callID string)
	StopRingtone(callID string)
	ShowIncoming(p notification.CallPayload)
	Dismiss(callID string)
}

// Ringer owns the device-wide ringing resource. Starts are reference-counted
// per call so several holders can keep one ringtone alive; Stop and StopAll
// force-clear regardless of the count.
type Ringer struct {
	mu    sync.Mutex
	sink  AudioSink
	calls map[string]*ring
}

type ring struct {
	refs  int
	shown bool
}

func NewRinger(sink AudioSink) *Ringer {
	return &Ringer{sink: sink, calls: map[string]*ring{}}
}

// Start takes a reference on callID's ringtone. The first reference starts the
// ringtone and shows the notification. It reports whether audio started.
func (r *Ringer) Start(p notification.CallPayload) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rg, ok := r.calls[p.CallID]
	if !ok {
		rg = &ring{}
		r.calls[p.CallID] = rg
	}
	rg.refs++
	if rg.refs > 1 {
		return false
	}
	if !rg.shown {
		r.sink.ShowIncoming(p)
		rg.shown = true
	}
	r.sink.StartRingtone(p.CallID)
	return true
}

// Release drops one reference. The last one stops the ringtone; the
// notification stays until Stop.
func (r *Ringer) Release(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rg, ok := r.calls[callID]
	if !ok || rg.refs == 0 {
		return
	}
	rg.refs--
	if rg.refs == 0 {
		r.sink.StopRingtone(callID)
	}
}

// Redisplay re-shows the notification for a call that is still ringing.
func (r *Ringer) Redisplay(p notification.CallPayload) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rg, ok := r.calls[p.CallID]
	if !ok || rg.refs == 0 {
		return false
	}
	r.sink.ShowIncoming(p)
	rg.shown = true
	return true
}

// Stop silences and dismisses callID. It reports whether anything was active.
func (r *Ringer) Stop(callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopLocked(callID)
}

// StopAll force-clears every call.
func (r *Ringer) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.calls {
		r.stopLocked(id)
	}
}

func (r *Ringer) Playing(callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rg, ok := r.calls[callID]
	return ok && rg.refs > 0
}

func (r *Ringer) stopLocked(callID string) bool {
	rg, ok := r.calls[callID]
	if !ok {
		return false
	}
	delete(r.calls, callID)
	if rg.refs > 0 {
		r.sink.StopRingtone(callID)
	}
	if rg.shown {
		r.sink.Dismiss(callID)
	}
	return rg.refs > 0 || rg.shown
}
