package callclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"call-coordinator/internal/calls"
	"call-coordinator/internal/events"
	"call-coordinator/internal/notification"
	"call-coordinator/pkg/logger"
)

func TestNewMachine_Validation(t *testing.T) {
	sink := newFakeSink()
	if _, err := NewMachine(Config{Coordinator: localCoordinator{}, Ringer: NewRinger(sink)}); err == nil {
		t.Fatalf("expected missing user id error")
	}
	if _, err := NewMachine(Config{UserID: "bob", Ringer: NewRinger(sink)}); err == nil {
		t.Fatalf("expected missing coordinator error")
	}
	if _, err := NewMachine(Config{UserID: "bob", Coordinator: localCoordinator{}}); err == nil {
		t.Fatalf("expected missing ringer error")
	}
}

// Duplicate pushes ring once; the caller sees the call go active exactly once.
func TestScenario_AnsweredCall(t *testing.T) {
	w := newWorld(t)
	alice, bob := w.device("alice"), w.device("bob")
	ctx := context.Background()

	v, err := alice.m.Initiate(ctx, "bob", calls.CallTypeVideo, "Alice")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	callID := v.CallID
	if v.Role != RoleCaller || v.PeerID != "bob" || v.State != calls.StateRinging {
		t.Fatalf("unexpected caller view %+v", v)
	}

	w.deliver(2)
	bv := bob.m.View()
	if bv.CallID != callID || bv.Role != RoleCallee || bv.State != calls.StateRinging || !bv.RingtonePlaying {
		t.Fatalf("unexpected callee view %+v", bv)
	}
	if bv.PeerName != "Alice" {
		t.Fatalf("expected caller name from push, got %q", bv.PeerName)
	}
	started, _, shown, _ := bob.sink.counts(callID)
	if started != 1 {
		t.Fatalf("ringtone must start once, started %d times", started)
	}
	if shown != 2 {
		t.Fatalf("duplicate push must re-display the notification, shown %d times", shown)
	}

	if err := bob.m.Accept(ctx); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, stopped, _, dismissed := bob.sink.counts(callID); stopped != 1 || dismissed != 1 {
		t.Fatalf("accept must silence once, stopped=%d dismissed=%d", stopped, dismissed)
	}
	w.deliver(2)
	if s := alice.m.View().State; s != calls.StateAccepted {
		t.Fatalf("caller should see accepted, got %s", s)
	}

	if err := alice.m.MediaJoined(ctx); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	if err := bob.m.MediaJoined(ctx); err != nil {
		t.Fatalf("bob join: %v", err)
	}
	w.deliver(2)

	at := alice.drain()
	if n := countTo(at, calls.StateActive); n != 1 {
		t.Fatalf("caller must go active exactly once, got %d", n)
	}
	if n := countTo(at, calls.StateAccepted); n != 1 {
		t.Fatalf("caller must see accepted exactly once, got %d", n)
	}
	if n := countTo(bob.drain(), calls.StateActive); n != 1 {
		t.Fatalf("callee must go active exactly once, got %d", n)
	}
	if started, stopped, _, _ := bob.sink.counts(callID); started != 1 || stopped != 1 {
		t.Fatalf("ringtone churn: started=%d stopped=%d", started, stopped)
	}
}

func TestScenario_NoAnswer(t *testing.T) {
	w := newWorld(t)
	alice, bob := w.device("alice"), w.device("bob")
	ctx := context.Background()

	v, err := alice.m.Initiate(ctx, "bob", calls.CallTypeVoice, "Alice")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	w.deliver(1)

	w.clock.Advance(46 * time.Second)
	res, err := w.coord.ExpireRinging(ctx, v.CallID)
	if err != nil || !res.Applied {
		t.Fatalf("expire: %+v %v", res, err)
	}
	w.deliver(1)

	av, bv := alice.m.View(), bob.m.View()
	if av.State != calls.StateFailed || av.EndReason != calls.EndReasonNoAnswer || av.Live() {
		t.Fatalf("caller should show no answer, got %+v", av)
	}
	if bv.State != calls.StateFailed || bv.Live() || bv.RingtonePlaying || bv.UIVisible {
		t.Fatalf("callee should be cleared, got %+v", bv)
	}
	if _, stopped, _, dismissed := bob.sink.counts(v.CallID); stopped != 1 || dismissed != 1 {
		t.Fatalf("callee notification must be retracted once, stopped=%d dismissed=%d", stopped, dismissed)
	}
	for _, uid := range []string{"alice", "bob"} {
		if _, err := w.coord.Current(ctx, uid); !errors.Is(err, calls.ErrNotFound) {
			t.Fatalf("%s still in call: %v", uid, err)
		}
	}

	if _, err := alice.m.Initiate(ctx, "bob", calls.CallTypeVoice, "Alice"); err != nil {
		t.Fatalf("new call after no answer: %v", err)
	}
}

func TestScenario_SimultaneousHangup(t *testing.T) {
	w := newWorld(t)
	alice, bob := w.device("alice"), w.device("bob")
	ctx := context.Background()

	v, _ := alice.m.Initiate(ctx, "bob", calls.CallTypeVideo, "Alice")
	w.deliver(1)
	if err := bob.m.Accept(ctx); err != nil {
		t.Fatalf("accept: %v", err)
	}
	w.deliver(1)
	_ = alice.m.MediaJoined(ctx)
	_ = bob.m.MediaJoined(ctx)
	w.deliver(1)
	alice.drain()
	bob.drain()

	done := make(chan struct{}, 2)
	for _, d := range []*device{alice, bob} {
		go func(d *device) {
			_ = d.m.Hangup(ctx)
			done <- struct{}{}
		}(d)
	}
	<-done
	<-done
	w.deliver(2)

	s, err := w.coord.Get(ctx, v.CallID, "")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s.State != calls.StateEnded || s.EndReason != calls.EndReasonCompleted {
		t.Fatalf("unexpected final session %+v", s)
	}
	for name, d := range map[string]*device{"alice": alice, "bob": bob} {
		if n := countTerminal(d.drain()); n != 1 {
			t.Fatalf("%s must observe the end exactly once, got %d", name, n)
		}
		if d.m.View().State != calls.StateEnded {
			t.Fatalf("%s view %+v", name, d.m.View())
		}
	}
	if started, stopped, _, dismissed := bob.sink.counts(v.CallID); started != 1 || stopped != 1 || dismissed != 1 {
		t.Fatalf("callee audio churn: started=%d stopped=%d dismissed=%d", started, stopped, dismissed)
	}
	if started, stopped, _, _ := alice.sink.counts(v.CallID); started != 0 || stopped != 0 {
		t.Fatalf("caller never rings: started=%d stopped=%d", started, stopped)
	}
}

func TestNoRingingAfterAnswer(t *testing.T) {
	w := newWorld(t)
	alice, bob := w.device("alice"), w.device("bob")
	ctx := context.Background()

	v, _ := alice.m.Initiate(ctx, "bob", calls.CallTypeVideo, "Alice")
	pushes, evs := w.rec.take()
	w.rec.mu.Lock()
	w.rec.pushes, w.rec.events = pushes, evs
	w.rec.mu.Unlock()
	w.deliver(1)

	if err := bob.m.Accept(ctx); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// Replay the incoming push after the dedup window and the ringing event.
	w.clock.Advance(5 * time.Second)
	incoming := notification.CallPayload{CallID: v.CallID, CallerID: "alice", CallerName: "Alice", CallType: "video"}
	if ok, err := bob.m.HandlePush(ctx, incoming.Data()); !ok || err != nil {
		t.Fatalf("stale push should pass the filter: %v %v", ok, err)
	}
	for _, e := range evs {
		bob.m.HandleEvent(ctx, e)
	}

	bv := bob.m.View()
	if bv.State != calls.StateAccepted || bv.RingtonePlaying {
		t.Fatalf("answered call went back to ringing: %+v", bv)
	}
	if started, _, _, _ := bob.sink.counts(v.CallID); started != 1 {
		t.Fatalf("ringtone restarted, started=%d", started)
	}
}

func TestFinishedCallNeverRingsAgain(t *testing.T) {
	w := newWorld(t)
	alice, bob := w.device("alice"), w.device("bob")
	ctx := context.Background()

	v, _ := alice.m.Initiate(ctx, "bob", calls.CallTypeVoice, "Alice")
	w.deliver(1)
	if err := bob.m.Decline(ctx); err != nil {
		t.Fatalf("decline: %v", err)
	}
	w.deliver(1)
	if s := alice.m.View(); s.State != calls.StateDeclined || s.EndReason != calls.EndReasonDeclined {
		t.Fatalf("caller should see declined, got %+v", s)
	}

	w.clock.Advance(10 * time.Second)
	late := notification.CallPayload{CallID: v.CallID, CallerID: "alice", CallType: "voice"}
	_, _ = bob.m.HandlePush(ctx, late.Data())
	if started, _, _, _ := bob.sink.counts(v.CallID); started != 1 {
		t.Fatalf("late push rang a finished call, started=%d", started)
	}
	if s, _ := w.coord.Get(ctx, v.CallID, ""); s.State != calls.StateDeclined {
		t.Fatalf("decline did not reach the coordinator: %+v", s)
	}
}

func TestRetractionPushBeforeRealtime(t *testing.T) {
	w := newWorld(t)
	alice, bob := w.device("alice"), w.device("bob")
	ctx := context.Background()

	v, _ := alice.m.Initiate(ctx, "bob", calls.CallTypeVoice, "Alice")
	w.deliver(1)
	if err := alice.m.Hangup(ctx); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	alice.m.Wait()

	pushes, _ := w.rec.take()
	for _, p := range pushes {
		if p.userID == "bob" {
			_, _ = bob.m.HandlePush(ctx, p.data)
		}
	}
	bv := bob.m.View()
	if bv.State != calls.StateCancelled || bv.EndReason != calls.EndReasonCallerCancelled || bv.RingtonePlaying {
		t.Fatalf("cancel push should stop ringing, got %+v", bv)
	}
	if _, stopped, _, dismissed := bob.sink.counts(v.CallID); stopped != 1 || dismissed != 1 {
		t.Fatalf("stopped=%d dismissed=%d", stopped, dismissed)
	}
}

func TestAccept_AfterCancelResyncs(t *testing.T) {
	w := newWorld(t)
	alice, bob := w.device("alice"), w.device("bob")
	ctx := context.Background()

	v, _ := alice.m.Initiate(ctx, "bob", calls.CallTypeVoice, "Alice")
	w.deliver(1)

	// Bob has not heard about the cancel yet.
	_ = alice.m.Hangup(ctx)
	alice.m.Wait()

	err := bob.m.Accept(ctx)
	if !errors.Is(err, ErrCallUnavailable) || !errors.Is(err, calls.ErrInvalidTransition) {
		t.Fatalf("expected ErrCallUnavailable wrapping invalid transition, got %v", err)
	}
	bv := bob.m.View()
	if bv.State != calls.StateCancelled || bv.RingtonePlaying {
		t.Fatalf("expected authoritative cancelled view, got %+v", bv)
	}
	if _, stopped, _, _ := bob.sink.counts(v.CallID); stopped != 1 {
		t.Fatalf("ringtone stopped %d times", stopped)
	}
	if err := bob.m.Accept(ctx); !errors.Is(err, ErrCallUnavailable) {
		t.Fatalf("accept on finished call: %v", err)
	}
}

func TestHangup_CancelRacingAccept(t *testing.T) {
	w := newWorld(t)
	alice, bob := w.device("alice"), w.device("bob")
	ctx := context.Background()

	v, _ := alice.m.Initiate(ctx, "bob", calls.CallTypeVoice, "Alice")
	w.deliver(1)
	if err := bob.m.Accept(ctx); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// Alice still sees ringing and hangs up.
	if err := alice.m.Hangup(ctx); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	alice.m.Wait()

	s, _ := w.coord.Get(ctx, v.CallID, "")
	if s.State != calls.StateEnded {
		t.Fatalf("a cancel that lost to accept must end the call, got %s", s.State)
	}
	w.deliver(1)
	if bv := bob.m.View(); bv.State != calls.StateEnded || bv.Live() {
		t.Fatalf("callee should see the end, got %+v", bv)
	}
	if av := alice.m.View(); av.State != calls.StateEnded || av.EndReason != calls.EndReasonCompleted {
		t.Fatalf("caller must adopt the recorded outcome, got %+v", av)
	}
	if n := countTerminal(alice.drain()); n != 1 {
		t.Fatalf("caller saw %d terminal transitions", n)
	}
}

func TestInitiate_Busy(t *testing.T) {
	w := newWorld(t)
	alice, carol := w.device("alice"), w.device("carol")
	ctx := context.Background()

	if _, err := alice.m.Initiate(ctx, "bob", calls.CallTypeVoice, "Alice"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := alice.m.Initiate(ctx, "dave", calls.CallTypeVoice, "Alice"); !errors.Is(err, calls.ErrAlreadyInCall) {
		t.Fatalf("expected local already-in-call, got %v", err)
	}
	if _, err := carol.m.Initiate(ctx, "bob", calls.CallTypeVoice, "Carol"); !errors.Is(err, calls.ErrAlreadyInCall) {
		t.Fatalf("expected coordinator already-in-call, got %v", err)
	}
	if !carol.m.View().Idle() {
		t.Fatalf("failed initiate must leave the view idle")
	}
}

func TestMediaJoinFailed(t *testing.T) {
	w := newWorld(t)
	alice, bob := w.device("alice"), w.device("bob")
	ctx := context.Background()

	v, _ := alice.m.Initiate(ctx, "bob", calls.CallTypeVideo, "Alice")
	w.deliver(1)
	_ = bob.m.Accept(ctx)

	err := bob.m.MediaJoinFailed(ctx, errors.New("ice failed"))
	if !errors.Is(err, ErrMediaJoinFailure) {
		t.Fatalf("expected ErrMediaJoinFailure, got %v", err)
	}
	if bv := bob.m.View(); bv.State != calls.StateEnded || bv.EndReason != calls.EndReasonNetworkFailure {
		t.Fatalf("unexpected view %+v", bv)
	}
	bob.m.Wait()
	s, _ := w.coord.Get(ctx, v.CallID, "")
	if s.State != calls.StateEnded || s.EndReason != calls.EndReasonNetworkFailure {
		t.Fatalf("unexpected session %+v", s)
	}
	w.deliver(1)
	if av := alice.m.View(); av.State != calls.StateEnded || av.EndReason != calls.EndReasonNetworkFailure {
		t.Fatalf("caller view %+v", av)
	}
}

func TestMediaEnded_ForcesEnd(t *testing.T) {
	w := newWorld(t)
	alice, bob := w.device("alice"), w.device("bob")
	ctx := context.Background()

	v, _ := alice.m.Initiate(ctx, "bob", calls.CallTypeVideo, "Alice")
	w.deliver(1)
	_ = bob.m.Accept(ctx)
	w.deliver(1)
	_ = alice.m.MediaJoined(ctx)
	_ = bob.m.MediaJoined(ctx)
	w.deliver(1)

	alice.m.MediaEnded(ctx)
	if av := alice.m.View(); av.State != calls.StateEnded {
		t.Fatalf("media end must end locally at once, got %s", av.State)
	}
	alice.m.Wait()
	if s, _ := w.coord.Get(ctx, v.CallID, ""); s.State != calls.StateEnded {
		t.Fatalf("coordinator not ended: %s", s.State)
	}
	if err := alice.m.MediaJoined(ctx); !errors.Is(err, ErrNoCall) {
		t.Fatalf("join after end: %v", err)
	}
}

func TestHandlePush_MalformedAndNonCall(t *testing.T) {
	w := newWorld(t)
	bob := w.device("bob")
	ctx := context.Background()

	if _, err := bob.m.HandlePush(ctx, map[string]string{"type": "promo"}); !errors.Is(err, notification.ErrUnknownType) {
		t.Fatalf("expected unknown type, got %v", err)
	}
	ok, err := bob.m.HandlePush(ctx, notification.FollowPayload{FollowerID: "carol"}.Data())
	if !ok || err != nil {
		t.Fatalf("follow push should be processed: %v %v", ok, err)
	}
	if !bob.m.View().Idle() {
		t.Fatalf("non-call push touched the call view")
	}
}

func TestHandleEvent_IgnoresOtherUsers(t *testing.T) {
	w := newWorld(t)
	bob := w.device("bob")
	bob.m.HandleEvent(context.Background(), events.CallEvent{CallID: "x", CallerID: "carol", CalleeID: "dave", State: calls.StateRinging})
	if !bob.m.View().Idle() {
		t.Fatalf("foreign event adopted")
	}
}

func TestRedisplay_OnlyForRingingCall(t *testing.T) {
	sink := newFakeSink()
	m, err := NewMachine(Config{UserID: "bob", Coordinator: localCoordinator{}, Ringer: NewRinger(sink), Logger: logger.Discard()})
	if err != nil {
		t.Fatalf("machine: %v", err)
	}
	p := notification.CallPayload{CallID: "c1", CallerID: "alice"}

	m.Redisplay(p)
	if _, _, shown, _ := sink.counts("c1"); shown != 0 {
		t.Fatalf("redisplay without a ringing call")
	}
	m.HandleEvent(context.Background(), events.CallEvent{CallID: "c1", CallerID: "alice", CalleeID: "bob", State: calls.StateRinging})
	m.Redisplay(p)
	if _, _, shown, _ := sink.counts("c1"); shown != 2 {
		t.Fatalf("expected show + redisplay, got %d", shown)
	}
}

// failingAccept loses every accept request on the wire.
type failingAccept struct{ localCoordinator }

func (f failingAccept) Accept(context.Context, string) (calls.Session, error) {
	return calls.Session{}, errors.New("connection reset")
}

// forgetful no longer knows any call.
type forgetful struct{ localCoordinator }

func (forgetful) Get(context.Context, string) (calls.Session, error) {
	return calls.Session{}, calls.ErrNotFound
}

func TestResync_AdoptsMissedCancel(t *testing.T) {
	w := newWorld(t)
	alice, bob := w.device("alice"), w.device("bob")
	ctx := context.Background()

	if err := bob.m.Resync(ctx); err != nil {
		t.Fatalf("idle resync: %v", err)
	}
	v, _ := alice.m.Initiate(ctx, "bob", calls.CallTypeVoice, "Alice")
	w.deliver(1)
	if !bob.m.View().RingtonePlaying {
		t.Fatalf("bob should be ringing")
	}

	// The cancel push and event never reach bob.
	_ = alice.m.Hangup(ctx)
	alice.m.Wait()
	w.rec.take()

	if err := bob.m.Resync(ctx); err != nil {
		t.Fatalf("resync: %v", err)
	}
	bv := bob.m.View()
	if bv.State != calls.StateCancelled || bv.EndReason != calls.EndReasonCallerCancelled || bv.RingtonePlaying || bv.UIVisible {
		t.Fatalf("expected cancelled view, got %+v", bv)
	}
	if err := bob.m.Resync(ctx); err != nil {
		t.Fatalf("resync after finish: %v", err)
	}
	if _, stopped, _, dismissed := bob.sink.counts(v.CallID); stopped != 1 || dismissed != 1 {
		t.Fatalf("stopped=%d dismissed=%d", stopped, dismissed)
	}
}

func TestResync_CallGoneFailsLocally(t *testing.T) {
	w := newWorld(t)
	alice, bob := w.device("alice"), w.device("bob")
	ctx := context.Background()

	v, _ := alice.m.Initiate(ctx, "bob", calls.CallTypeVoice, "Alice")
	w.deliver(1)

	bob.m.coord = forgetful{localCoordinator{c: w.coord, userID: "bob"}}
	if err := bob.m.Resync(ctx); err != nil {
		t.Fatalf("resync: %v", err)
	}
	bv := bob.m.View()
	if bv.State != calls.StateFailed || bv.EndReason != calls.EndReasonNetworkFailure || bv.RingtonePlaying {
		t.Fatalf("expected failed view, got %+v", bv)
	}
	if _, stopped, _, _ := bob.sink.counts(v.CallID); stopped != 1 {
		t.Fatalf("ringtone stopped %d times", stopped)
	}
}

func TestResync_SettlesLostAccept(t *testing.T) {
	w := newWorld(t)
	alice, bob := w.device("alice"), w.device("bob")
	ctx := context.Background()

	v, _ := alice.m.Initiate(ctx, "bob", calls.CallTypeVoice, "Alice")
	w.deliver(1)

	bob.m.coord = failingAccept{localCoordinator{c: w.coord, userID: "bob"}}
	if err := bob.m.Accept(ctx); err == nil {
		t.Fatalf("expected the lost accept to surface")
	}
	if bv := bob.m.View(); bv.State != calls.StateAccepted || bv.RingtonePlaying {
		t.Fatalf("view must stay accepted and silent, got %+v", bv)
	}

	// Still ringing server-side: nothing changes.
	if err := bob.m.Resync(ctx); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if bv := bob.m.View(); bv.State != calls.StateAccepted {
		t.Fatalf("resync must not move backwards, got %s", bv.State)
	}

	w.clock.Advance(46 * time.Second)
	if res, err := w.coord.ExpireRinging(ctx, v.CallID); err != nil || !res.Applied {
		t.Fatalf("expire: %+v %v", res, err)
	}
	w.rec.take()
	if err := bob.m.Resync(ctx); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if bv := bob.m.View(); bv.State != calls.StateFailed || bv.EndReason != calls.EndReasonNoAnswer || bv.Live() {
		t.Fatalf("expected no answer, got %+v", bv)
	}
}

func TestHandleEvent_OrdersByRankNotVersion(t *testing.T) {
	w := newWorld(t)
	bob := w.device("bob")
	ctx := context.Background()
	ev := func(state calls.State, version int64) events.CallEvent {
		return events.CallEvent{CallID: "c1", CallerID: "alice", CalleeID: "bob", State: state, Version: version}
	}

	bob.m.HandleEvent(ctx, ev(calls.StateRinging, 2))
	bob.m.HandleEvent(ctx, ev(calls.StateInitiated, 9))
	if v := bob.m.View(); v.State != calls.StateRinging || v.Version != 9 {
		t.Fatalf("a newer but lower-ranked event must only bump the version, got %+v", v)
	}
	bob.m.HandleEvent(ctx, ev(calls.StateAccepted, 3))
	if v := bob.m.View(); v.State != calls.StateAccepted || v.Version != 9 {
		t.Fatalf("higher rank must apply and keep the max version, got %+v", v)
	}
}
