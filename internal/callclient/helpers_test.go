package callclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"call-coordinator/internal/calls"
	"call-coordinator/internal/events"
	"call-coordinator/internal/notification"
	"call-coordinator/pkg/logger"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeSink counts every audio and notification side effect per call.
type fakeSink struct {
	mu        sync.Mutex
	started   map[string]int
	stopped   map[string]int
	shown     map[string]int
	dismissed map[string]int
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		started:   map[string]int{},
		stopped:   map[string]int{},
		shown:     map[string]int{},
		dismissed: map[string]int{},
	}
}

func (s *fakeSink) StartRingtone(callID string) { s.bump(s.started, callID) }
func (s *fakeSink) StopRingtone(callID string)  { s.bump(s.stopped, callID) }
func (s *fakeSink) Dismiss(callID string)       { s.bump(s.dismissed, callID) }
func (s *fakeSink) ShowIncoming(p notification.CallPayload) {
	s.bump(s.shown, p.CallID)
}

func (s *fakeSink) bump(m map[string]int, callID string) {
	s.mu.Lock()
	m[callID]++
	s.mu.Unlock()
}

func (s *fakeSink) counts(callID string) (started, stopped, shown, dismissed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started[callID], s.stopped[callID], s.shown[callID], s.dismissed[callID]
}

type pushMsg struct {
	userID string
	data   map[string]string
}

// recorder captures what the coordinator would push and stream so tests can
// deliver it, duplicate it or withhold it.
type recorder struct {
	mu     sync.Mutex
	pushes []pushMsg
	events []events.CallEvent
}

func (r *recorder) Enqueue(_ context.Context, userID string, p notification.Payload) {
	r.mu.Lock()
	r.pushes = append(r.pushes, pushMsg{userID: userID, data: p.Data()})
	r.mu.Unlock()
}

func (r *recorder) OnTransition(_ context.Context, prev, next calls.Session) {
	r.mu.Lock()
	r.events = append(r.events, events.FromTransition(prev, next))
	r.mu.Unlock()
}

func (r *recorder) take() ([]pushMsg, []events.CallEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, e := r.pushes, r.events
	r.pushes, r.events = nil, nil
	return p, e
}

// localCoordinator binds an in-process coordinator to one signed-in user.
type localCoordinator struct {
	c      *calls.Coordinator
	userID string
}

func (l localCoordinator) Initiate(ctx context.Context, req calls.InitiateRequest) (calls.Session, error) {
	req.CallerID = l.userID
	res, err := l.c.Initiate(ctx, req)
	return res.Session, err
}

func (l localCoordinator) Accept(ctx context.Context, callID string) (calls.Session, error) {
	res, err := l.c.Accept(ctx, callID, l.userID)
	return res.Session, err
}

func (l localCoordinator) Decline(ctx context.Context, callID string) (calls.Session, error) {
	res, err := l.c.Decline(ctx, callID, l.userID)
	return res.Session, err
}

func (l localCoordinator) Cancel(ctx context.Context, callID string) (calls.Session, error) {
	res, err := l.c.Cancel(ctx, callID, l.userID)
	return res.Session, err
}

func (l localCoordinator) End(ctx context.Context, callID string, reason calls.EndReason) (calls.Session, error) {
	res, err := l.c.End(ctx, callID, l.userID, reason)
	return res.Session, err
}

func (l localCoordinator) ConfirmJoin(ctx context.Context, callID string) (calls.Session, error) {
	res, err := l.c.ConfirmJoin(ctx, callID, l.userID)
	return res.Session, err
}

func (l localCoordinator) Get(ctx context.Context, callID string) (calls.Session, error) {
	return l.c.Get(ctx, callID, l.userID)
}

type device struct {
	m           *Machine
	sink        *fakeSink
	transitions <-chan Transition
}

// drain returns every transition published so far.
func (d *device) drain() []Transition {
	var out []Transition
	for {
		select {
		case t := <-d.transitions:
			out = append(out, t)
		default:
			return out
		}
	}
}

type world struct {
	t       *testing.T
	clock   *testClock
	coord   *calls.Coordinator
	rec     *recorder
	devices map[string]*device
}

func newWorld(t *testing.T) *world {
	t.Helper()
	clock := newTestClock()
	rec := &recorder{}
	coord := calls.NewCoordinator(calls.NewMemoryRepo(), calls.NewMemoryPresence(), calls.Options{
		Notifier: rec,
		Observer: rec,
		Clock:    clock.Now,
		Logger:   logger.Discard(),
	})
	return &world{t: t, clock: clock, coord: coord, rec: rec, devices: map[string]*device{}}
}

func (w *world) device(userID string) *device {
	w.t.Helper()
	sink := newFakeSink()
	bus := NewBus(logger.Discard())
	ch, cancel := bus.Subscribe(64)
	w.t.Cleanup(cancel)

	m, err := NewMachine(Config{
		UserID:      userID,
		Coordinator: localCoordinator{c: w.coord, userID: userID},
		Filter:      notification.NewFilter(notification.FilterConfig{Clock: w.clock.Now, Logger: logger.Discard()}, nil),
		Ringer:      NewRinger(sink),
		Bus:         bus,
		Logger:      logger.Discard(),
	})
	if err != nil {
		w.t.Fatalf("machine: %v", err)
	}
	w.t.Cleanup(m.Close)
	d := &device{m: m, sink: sink, transitions: ch}
	w.devices[userID] = d
	return d
}

// deliver hands every recorded push and event to the devices, times times each.
func (w *world) deliver(times int) {
	w.t.Helper()
	for _, d := range w.devices {
		d.m.Wait()
	}
	pushes, evs := w.rec.take()
	ctx := context.Background()
	for i := 0; i < times; i++ {
		for _, p := range pushes {
			if d, ok := w.devices[p.userID]; ok {
				if _, err := d.m.HandlePush(ctx, p.data); err != nil {
					w.t.Fatalf("push to %s: %v", p.userID, err)
				}
			}
		}
		for _, e := range evs {
			for _, uid := range e.Participants() {
				if d, ok := w.devices[uid]; ok {
					d.m.HandleEvent(ctx, e)
				}
			}
		}
	}
}

func countTo(ts []Transition, state calls.State) int {
	n := 0
	for _, t := range ts {
		if t.To == state {
			n++
		}
	}
	return n
}

func countTerminal(ts []Transition) int {
	n := 0
	for _, t := range ts {
		if t.To.IsTerminal() {
			n++
		}
	}
	return n
}
