package calls

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"testing"
	"time"

	"call-coordinator/internal/notification"
	"call-coordinator/pkg/logger"

	_ "modernc.org/sqlite"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sentPush struct {
	UserID  string
	Payload notification.Payload
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentPush
}

func (n *recordingNotifier) Enqueue(ctx context.Context, userID string, p notification.Payload) {
	n.mu.Lock()
	n.sent = append(n.sent, sentPush{UserID: userID, Payload: p})
	n.mu.Unlock()
}

// calls returns call payloads sent to userID.
func (n *recordingNotifier) calls(userID string) []notification.CallPayload {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notification.CallPayload
	for _, s := range n.sent {
		if cp, ok := s.Payload.(notification.CallPayload); ok && s.UserID == userID {
			out = append(out, cp)
		}
	}
	return out
}

type transition struct{ Prev, Next Session }

type recordingObserver struct {
	mu  sync.Mutex
	all []transition
}

func (o *recordingObserver) OnTransition(ctx context.Context, prev, next Session) {
	o.mu.Lock()
	o.all = append(o.all, transition{Prev: prev, Next: next})
	o.mu.Unlock()
}

func (o *recordingObserver) terminal(callID string) []transition {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []transition
	for _, tr := range o.all {
		if tr.Next.CallID == callID && tr.Next.State.IsTerminal() {
			out = append(out, tr)
		}
	}
	return out
}

type recordingAudit struct {
	mu          sync.Mutex
	terminated  []string
	rejectedOps []string
}

func (a *recordingAudit) LogForceTerminate(ctx context.Context, s Session, adminID string) error {
	a.mu.Lock()
	a.terminated = append(a.terminated, s.CallID+":"+adminID)
	a.mu.Unlock()
	return nil
}

func (a *recordingAudit) LogTransitionRejected(ctx context.Context, callID, actorID, op string, cause error) error {
	a.mu.Lock()
	a.rejectedOps = append(a.rejectedOps, op)
	a.mu.Unlock()
	return nil
}

type fixture struct {
	coord    *Coordinator
	repo     Repository
	presence *MemoryPresence
	clock    *fakeClock
	push     *recordingNotifier
	obs      *recordingObserver
	audit    *recordingAudit
}

func newFixture(t *testing.T, repo Repository) *fixture {
	t.Helper()
	f := &fixture{
		repo:     repo,
		presence: NewMemoryPresence(),
		clock:    newFakeClock(),
		push:     &recordingNotifier{},
		obs:      &recordingObserver{},
		audit:    &recordingAudit{},
	}
	f.presence.clock = f.clock.Now
	f.coord = NewCoordinator(repo, f.presence, Options{
		RingTimeout: 45 * time.Second,
		JoinTimeout: 30 * time.Second,
		Notifier:    f.push,
		Observer:    f.obs,
		Audit:       f.audit,
		Logger:      logger.Discard(),
		Clock:       f.clock.Now,
	})
	return f
}

// ring starts a call from caller to callee and fails the test on error.
func (f *fixture) ring(t *testing.T, callerID, calleeID string) Session {
	t.Helper()
	res, err := f.coord.Initiate(context.Background(), InitiateRequest{CallerID: callerID, CalleeID: calleeID, CallType: CallTypeVideo})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	return res.Session
}

// connect drives a fresh call to ACTIVE.
func (f *fixture) connect(t *testing.T, callerID, calleeID string) Session {
	t.Helper()
	ctx := context.Background()
	s := f.ring(t, callerID, calleeID)
	if _, err := f.coord.Accept(ctx, s.CallID, calleeID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := f.coord.ConfirmJoin(ctx, s.CallID, callerID); err != nil {
		t.Fatalf("join caller: %v", err)
	}
	res, err := f.coord.ConfirmJoin(ctx, s.CallID, calleeID)
	if err != nil {
		t.Fatalf("join callee: %v", err)
	}
	if res.Session.State != StateActive {
		t.Fatalf("expected active, got %s", res.Session.State)
	}
	return res.Session
}

// openSQLite returns a migrated SQLRepo on a private in-memory database.
func openSQLite(t *testing.T) *SQLRepo {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := sql.Open("sqlite", "file:"+name+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// One connection keeps shared-cache writers from tripping over table locks.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	repo := NewSQLRepo(db)
	if err := repo.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo
}

// repos runs fn against every Repository implementation.
func repos(t *testing.T, fn func(t *testing.T, repo Repository)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryRepo()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, openSQLite(t)) })
}
