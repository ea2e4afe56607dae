package callclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"call-coordinator/internal/calls"
	"call-coordinator/internal/events"
	"call-coordinator/internal/notification"
	"call-coordinator/pkg/logger"

	lru "github.com/hashicorp/golang-lru/v2"
)

type Config struct {
	// UserID is the signed-in user on this device.
	UserID      string
	Coordinator Coordinator
	Filter      *notification.Filter
	Ringer      *Ringer
	Bus         *Bus
	Logger      *slog.Logger

	// NetTimeout bounds coordinator calls that run after the local state already moved.
	NetTimeout time.Duration
	// FinishedMemory is how many finished call ids are remembered to reject late signals.
	FinishedMemory int
}

// Machine converges push, realtime, local and media signals into one View.
//
// Invariants:
// - The view never moves backwards in State.Rank for the same call.
// - Every terminal path goes through stopAllCallAudio before anything else.
// - A finished call id never starts ringing again.
type Machine struct {
	userID     string
	coord      Coordinator
	filter     *notification.Filter
	ringer     *Ringer
	bus        *Bus
	log        *slog.Logger
	netTimeout time.Duration

	mu       sync.Mutex
	view     View
	finished *lru.Cache[string, struct{}]

	wg sync.WaitGroup
}

func NewMachine(cfg Config) (*Machine, error) {
	if cfg.UserID == "" {
		return nil, errors.New("callclient: user id is required")
	}
	if cfg.Coordinator == nil {
		return nil, errors.New("callclient: coordinator is required")
	}
	if cfg.Ringer == nil {
		return nil, errors.New("callclient: ringer is required")
	}
	if cfg.NetTimeout <= 0 {
		cfg.NetTimeout = 15 * time.Second
	}
	if cfg.FinishedMemory <= 0 {
		cfg.FinishedMemory = 64
	}
	finished, err := lru.New[string, struct{}](cfg.FinishedMemory)
	if err != nil {
		return nil, err
	}
	log := logger.OrDefault(cfg.Logger).With("user_id", cfg.UserID)
	if cfg.Bus == nil {
		cfg.Bus = NewBus(log)
	}

	m := &Machine{
		userID:     cfg.UserID,
		coord:      cfg.Coordinator,
		filter:     cfg.Filter,
		ringer:     cfg.Ringer,
		bus:        cfg.Bus,
		log:        log,
		netTimeout: cfg.NetTimeout,
		finished:   finished,
	}
	if m.filter != nil {
		m.filter.SetDisplay(m)
	}
	return m, nil
}

// View returns a copy of the current call view.
func (m *Machine) View() View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view
}

// Bus returns the transition bus the machine publishes on.
func (m *Machine) Bus() *Bus { return m.bus }

// Wait blocks until background coordinator calls have finished.
func (m *Machine) Wait() { m.wg.Wait() }

// Close waits for background work and silences anything still ringing.
func (m *Machine) Close() {
	m.wg.Wait()
	m.ringer.StopAll()
}

// signal is one normalized input, whatever its source.
type signal struct {
	callID   string
	callerID string
	calleeID string
	peerName string
	callType calls.CallType
	state    calls.State
	reason   calls.EndReason
	version  int64
	source   Source
}

func (s signal) payload() notification.CallPayload {
	return notification.CallPayload{
		CallID:     s.callID,
		CallerID:   s.callerID,
		CallerName: s.peerName,
		CallType:   string(s.callType),
		Action:     notification.CallActionIncoming,
	}
}

func sessionSignal(s calls.Session, src Source) signal {
	return signal{
		callID:   s.CallID,
		callerID: s.CallerID,
		calleeID: s.CalleeID,
		callType: s.CallType,
		state:    s.State,
		reason:   s.EndReason,
		version:  s.Version,
		source:   src,
	}
}

// HandlePush feeds one raw push data map through the duplicate filter and into
// the machine. It reports whether the push was processed.
func (m *Machine) HandlePush(ctx context.Context, data map[string]string) (bool, error) {
	p, err := notification.Parse(data)
	if err != nil {
		m.log.Warn("push rejected", "err", err)
		return false, err
	}
	if m.filter != nil && !m.filter.ShouldProcess(p) {
		return false, nil
	}
	cp, ok := p.(notification.CallPayload)
	if !ok {
		return true, nil
	}

	sig := signal{
		callID:   cp.CallID,
		callerID: cp.CallerID,
		peerName: cp.CallerName,
		callType: calls.CallType(cp.CallType),
		source:   SourcePush,
	}
	switch cp.Action {
	case "", notification.CallActionIncoming:
		sig.calleeID, sig.state = m.userID, calls.StateRinging
	case notification.CallActionCancelled:
		sig.calleeID, sig.state, sig.reason = m.userID, calls.StateCancelled, calls.EndReasonCallerCancelled
	case notification.CallActionMissed:
		sig.calleeID, sig.state, sig.reason = m.userID, calls.StateFailed, calls.EndReasonNoAnswer
	case notification.CallActionDeclined:
		sig.state, sig.reason = calls.StateDeclined, calls.EndReasonDeclined
	case notification.CallActionEnded:
		sig.state, sig.reason = calls.StateEnded, calls.EndReasonCompleted
	}

	m.mu.Lock()
	m.apply(sig)
	m.mu.Unlock()
	return true, nil
}

// HandleEvent applies a realtime transition event.
func (m *Machine) HandleEvent(_ context.Context, e events.CallEvent) {
	if e.CallerID != m.userID && e.CalleeID != m.userID {
		return
	}
	m.mu.Lock()
	m.apply(signal{
		callID:   e.CallID,
		callerID: e.CallerID,
		calleeID: e.CalleeID,
		callType: e.CallType,
		state:    e.State,
		reason:   e.EndReason,
		version:  e.Version,
		source:   SourceRealtime,
	})
	m.mu.Unlock()
}

// Redisplay implements notification.CallDisplay. Only the call currently
// ringing on this device is re-shown.
func (m *Machine) Redisplay(p notification.CallPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.view
	if v.CallID != p.CallID || v.Role != RoleCallee || v.State != calls.StateRinging {
		return
	}
	if p.CallerName == "" {
		p.CallerName = v.PeerName
	}
	m.ringer.Redisplay(p)
}

// Initiate places a call to calleeID. It fails locally while another call is live.
func (m *Machine) Initiate(ctx context.Context, calleeID string, callType calls.CallType, callerName string) (View, error) {
	m.mu.Lock()
	if m.view.Live() {
		v := m.view
		m.mu.Unlock()
		return v, calls.ErrAlreadyInCall
	}
	m.mu.Unlock()

	s, err := m.coord.Initiate(ctx, calls.InitiateRequest{
		CallerID:   m.userID,
		CalleeID:   calleeID,
		CallType:   callType,
		CallerName: callerName,
	})
	if err != nil {
		m.log.Info("initiate failed", "callee_id", calleeID, "err", err)
		return View{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.apply(sessionSignal(s, SourceCoordinator))
	return m.view, nil
}

// Accept answers the ringing call. The view moves to ACCEPTED before the
// network round trip so the ringtone stops immediately. If the coordinator
// rejects it, the authoritative state is adopted instead.
func (m *Machine) Accept(ctx context.Context) error {
	m.mu.Lock()
	v := m.view
	switch {
	case v.Idle() || v.Role != RoleCallee:
		m.mu.Unlock()
		return ErrNoCall
	case v.State.IsTerminal():
		m.mu.Unlock()
		return ErrCallUnavailable
	case v.State == calls.StateActive:
		m.mu.Unlock()
		return nil
	case v.State != calls.StateRinging && v.State != calls.StateAccepted:
		m.mu.Unlock()
		return ErrCallUnavailable
	}
	callID := v.CallID
	m.apply(m.localSignal(calls.StateAccepted, "", SourceLocal))
	m.mu.Unlock()

	s, err := m.coord.Accept(ctx, callID)
	if err == nil {
		m.adopt(s, SourceCoordinator)
		return nil
	}
	m.log.Info("accept rejected", "call_id", callID, "err", err)

	s, gerr := m.coord.Get(ctx, callID)
	switch {
	case gerr != nil:
		// Without an authoritative answer the call cannot be trusted to connect.
		m.mu.Lock()
		m.applyLocal(callID, calls.StateFailed, calls.EndReasonNetworkFailure, SourceLocal)
		m.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrCallUnavailable, err)
	case s.State == calls.StateAccepted || s.State == calls.StateActive:
		m.adopt(s, SourceCoordinator)
		return nil
	case s.State.IsTerminal():
		m.adopt(s, SourceCoordinator)
		return fmt.Errorf("%w: %w", ErrCallUnavailable, err)
	default:
		// Still ringing server-side. The view stays ACCEPTED so nothing rings
		// again; a retried Accept settles it, or Resync after the ring timeout.
		return err
	}
}

// Decline rejects the ringing call. For a caller, or a call already answered,
// it behaves like Hangup.
func (m *Machine) Decline(ctx context.Context) error {
	return m.Hangup(ctx)
}

// Hangup leaves the current call. Audio stops and the view terminates before
// the coordinator is told; that request runs in the background.
func (m *Machine) Hangup(ctx context.Context) error {
	m.mu.Lock()
	v := m.view
	if !v.Live() {
		m.mu.Unlock()
		return nil
	}
	callID := v.CallID

	var (
		op string
		fn func(context.Context) (calls.Session, error)
	)
	switch {
	case v.Role == RoleCaller && v.State.Rank() <= calls.StateRinging.Rank():
		m.applyLocal(callID, calls.StateCancelled, calls.EndReasonCallerCancelled, SourceLocal)
		op = "cancel"
		fn = func(ctx context.Context) (calls.Session, error) { return m.coord.Cancel(ctx, callID) }
	case v.Role == RoleCallee && v.State == calls.StateRinging:
		m.applyLocal(callID, calls.StateDeclined, calls.EndReasonDeclined, SourceLocal)
		op = "decline"
		fn = func(ctx context.Context) (calls.Session, error) { return m.coord.Decline(ctx, callID) }
	default:
		m.applyLocal(callID, calls.StateEnded, calls.EndReasonCompleted, SourceLocal)
		op = "end"
		fn = func(ctx context.Context) (calls.Session, error) {
			return m.coord.End(ctx, callID, calls.EndReasonCompleted)
		}
	}
	m.mu.Unlock()

	m.background(ctx, op, callID, fn)
	return nil
}

// MediaJoined confirms this device's media leg. Both legs make the call ACTIVE.
func (m *Machine) MediaJoined(ctx context.Context) error {
	m.mu.Lock()
	v := m.view
	m.mu.Unlock()
	if v.State != calls.StateAccepted && v.State != calls.StateActive {
		return ErrNoCall
	}

	s, err := m.coord.ConfirmJoin(ctx, v.CallID)
	if err != nil {
		m.log.Warn("join confirmation failed", "call_id", v.CallID, "err", err)
		return err
	}
	m.adopt(s, SourceMedia)
	return nil
}

// MediaJoinFailed ends the call with network_failure. The returned error
// always wraps ErrMediaJoinFailure.
func (m *Machine) MediaJoinFailed(ctx context.Context, cause error) error {
	joinErr := fmt.Errorf("%w: %v", ErrMediaJoinFailure, cause)

	m.mu.Lock()
	v := m.view
	if !v.Live() {
		m.mu.Unlock()
		return joinErr
	}
	callID := v.CallID
	m.applyLocal(callID, calls.StateEnded, calls.EndReasonNetworkFailure, SourceMedia)
	m.mu.Unlock()

	m.log.Warn("media join failed", "call_id", callID, "err", cause)
	m.background(ctx, "end", callID, func(ctx context.Context) (calls.Session, error) {
		return m.coord.End(ctx, callID, calls.EndReasonNetworkFailure)
	})
	return joinErr
}

// MediaEnded forces the call to ENDED even when the coordinator has not said so yet.
func (m *Machine) MediaEnded(ctx context.Context) {
	m.mu.Lock()
	v := m.view
	if !v.Live() {
		m.mu.Unlock()
		return
	}
	callID := v.CallID
	m.applyLocal(callID, calls.StateEnded, calls.EndReasonCompleted, SourceMedia)
	m.mu.Unlock()

	m.background(ctx, "end", callID, func(ctx context.Context) (calls.Session, error) {
		return m.coord.End(ctx, callID, calls.EndReasonCompleted)
	})
}

// Resync fetches the coordinator's record of the current call and adopts it.
// It is a no-op while idle or after the call finished. A call the coordinator
// no longer knows is failed locally. Run it whenever signals may have been
// missed, such as after a realtime reconnect or on return to foreground.
func (m *Machine) Resync(ctx context.Context) error {
	m.mu.Lock()
	v := m.view
	m.mu.Unlock()
	if !v.Live() {
		return nil
	}

	rctx, cancel := context.WithTimeout(ctx, m.netTimeout)
	defer cancel()
	s, err := m.coord.Get(rctx, v.CallID)
	switch {
	case errors.Is(err, calls.ErrNotFound):
		m.log.Info("resync: call gone", "call_id", v.CallID)
		m.mu.Lock()
		m.applyLocal(v.CallID, calls.StateFailed, calls.EndReasonNetworkFailure, SourceCoordinator)
		m.mu.Unlock()
		return nil
	case err != nil:
		m.log.Info("resync failed", "call_id", v.CallID, "err", err)
		return err
	}
	m.adopt(s, SourceCoordinator)
	return nil
}

func (m *Machine) adopt(s calls.Session, src Source) {
	m.mu.Lock()
	m.apply(sessionSignal(s, src))
	m.mu.Unlock()
}

// background reports a local decision to the coordinator after the fact.
// Failures are logged only: the coordinator's timeouts reconcile the session.
func (m *Machine) background(ctx context.Context, op, callID string, fn func(context.Context) (calls.Session, error)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.netTimeout)
		defer cancel()

		s, err := fn(bctx)
		if errors.Is(err, calls.ErrInvalidTransition) {
			// Lost a race, e.g. a cancel against an accept that already landed.
			s, err = m.coord.Get(bctx, callID)
		}
		if err == nil && (s.State == calls.StateAccepted || s.State == calls.StateActive) {
			s, err = m.coord.End(bctx, callID, calls.EndReasonCompleted)
		}
		if err != nil {
			m.log.Warn("call "+op+" not confirmed", "call_id", callID, "err", err)
			return
		}
		m.adopt(s, SourceCoordinator)
	}()
}

func (m *Machine) localSignal(state calls.State, reason calls.EndReason, src Source) signal {
	v := m.view
	sig := signal{
		callID:   v.CallID,
		callType: v.CallType,
		state:    state,
		reason:   reason,
		version:  v.Version,
		source:   src,
	}
	if v.Role == RoleCaller {
		sig.callerID, sig.calleeID = m.userID, v.PeerID
	} else {
		sig.callerID, sig.calleeID = v.PeerID, m.userID
	}
	return sig
}

// applyLocal moves the current call to state. Caller holds m.mu.
func (m *Machine) applyLocal(callID string, state calls.State, reason calls.EndReason, src Source) {
	if m.view.CallID != callID {
		return
	}
	m.apply(m.localSignal(state, reason, src))
}

// apply folds one signal into the view. Caller holds m.mu.
func (m *Machine) apply(sig signal) {
	if sig.callID == "" || sig.state.Rank() < 0 {
		return
	}
	prev := m.view

	if sig.callID != prev.CallID {
		if m.finished.Contains(sig.callID) || prev.Live() {
			return
		}
		if sig.state.IsTerminal() {
			// Never shown here; make sure nothing of it is left audible.
			m.stopAllCallAudio(sig.callID)
			return
		}
		m.view = View{CallID: sig.callID}
		prev = View{}
	} else if sig.state.Rank() <= prev.State.Rank() {
		if sig.version > m.view.Version {
			m.view.Version = sig.version
		}
		if m.view.PeerName == "" && sig.peerName != "" {
			m.view.PeerName = sig.peerName
		}
		if prev.State.IsTerminal() && sig.state.IsTerminal() && sig.source.Authoritative() {
			// The recorded outcome replaces a local guess. Audio is already stopped.
			m.view.State, m.view.EndReason = sig.state, sig.reason
		}
		return
	}

	v := &m.view
	if v.Role == "" {
		if sig.callerID == m.userID {
			v.Role, v.PeerID = RoleCaller, sig.calleeID
		} else {
			v.Role, v.PeerID = RoleCallee, sig.callerID
		}
	}
	if sig.peerName != "" {
		v.PeerName = sig.peerName
	}
	if sig.callType != "" {
		v.CallType = sig.callType
	}
	if sig.version > v.Version {
		v.Version = sig.version
	}
	v.State = sig.state

	switch {
	case sig.state.IsTerminal():
		v.EndReason = sig.reason
		m.stopAllCallAudio(sig.callID)
		v.UIVisible = false
	case sig.state == calls.StateAccepted || sig.state == calls.StateActive:
		m.ringer.Stop(sig.callID)
		v.RingtonePlaying = false
		v.UIVisible = true
	case sig.state == calls.StateRinging && v.Role == RoleCallee:
		p := sig.payload()
		p.CallerName = v.PeerName
		m.ringer.Start(p)
		v.RingtonePlaying = m.ringer.Playing(sig.callID)
		v.UIVisible = true
	default:
		v.UIVisible = true
	}

	m.log.Debug("call view transition",
		"call_id", sig.callID,
		"from", prev.State,
		"to", v.State,
		"source", sig.source,
	)
	m.bus.Publish(Transition{
		CallID: sig.callID,
		From:   prev.State,
		To:     v.State,
		Reason: v.EndReason,
		Source: sig.source,
		View:   *v,
	})
}

// stopAllCallAudio is the single exit for a finished call: it silences the
// ringtone, dismisses the notification and remembers the id. It is idempotent.
// Caller holds m.mu.
func (m *Machine) stopAllCallAudio(callID string) {
	if m.finished.Contains(callID) {
		return
	}
	m.finished.Add(callID, struct{}{})
	if m.ringer.Stop(callID) {
		m.log.Debug("call audio stopped", "call_id", callID)
	}
	if m.view.CallID == callID {
		m.view.RingtonePlaying = false
	}
}
