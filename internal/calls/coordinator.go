package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"call-coordinator/internal/notification"
	"call-coordinator/pkg/logger"

	"github.com/google/uuid"
)

// Notifier hands a push payload to the delivery pipeline. It must not block;
// delivery failures never fail a transition.
type Notifier interface {
	Enqueue(ctx context.Context, userID string, p notification.Payload)
}

// Observer receives every persisted state change, after the write.
type Observer interface {
	OnTransition(ctx context.Context, prev, next Session)
}

// AuditHook records admin and rejected actions. Failures are logged, never surfaced.
type AuditHook interface {
	LogForceTerminate(ctx context.Context, s Session, adminID string) error
	LogTransitionRejected(ctx context.Context, callID, actorID, op string, cause error) error
}

type Options struct {
	// RingTimeout bounds INITIATED/RINGING before the session fails with NO_ANSWER.
	RingTimeout time.Duration
	// JoinTimeout bounds ACCEPTED waiting for both media legs.
	JoinTimeout time.Duration
	// PresenceTTL is how long an in-call claim lives without being released.
	PresenceTTL time.Duration
	// PendingClaimTTL covers the gap between claiming participants and creating the session.
	PendingClaimTTL time.Duration
	// MaxCASAttempts bounds retries on version conflicts.
	MaxCASAttempts int

	Notifier Notifier
	Observer Observer
	Audit    AuditHook
	Logger   *slog.Logger

	// Clock and NewID are injectable for deterministic tests.
	Clock func() time.Time
	NewID func() string
}

func (o Options) withDefaults() Options {
	out := o
	if out.RingTimeout <= 0 {
		out.RingTimeout = 45 * time.Second
	}
	if out.JoinTimeout <= 0 {
		out.JoinTimeout = 30 * time.Second
	}
	if out.PresenceTTL <= 0 {
		out.PresenceTTL = 6 * time.Hour
	}
	if out.PendingClaimTTL <= 0 {
		out.PendingClaimTTL = 15 * time.Second
	}
	if out.MaxCASAttempts <= 0 {
		out.MaxCASAttempts = 8
	}
	out.Logger = logger.OrDefault(out.Logger)
	if out.Clock == nil {
		out.Clock = time.Now
	}
	if out.NewID == nil {
		out.NewID = uuid.NewString
	}
	return out
}

// Coordinator is the sole authority for call state.
//
// Invariants:
// - Every write is a compare-and-swap on Session.Version, so concurrent
//   accept/decline/end on one call serialize and exactly one wins.
// - A participant holds at most one live session (Presence claim).
// - Push delivery is best-effort and never blocks or fails a transition.
type Coordinator struct {
	repo     Repository
	presence Presence
	opts     Options
	log      *slog.Logger
}

func NewCoordinator(repo Repository, presence Presence, opts Options) *Coordinator {
	opts = opts.withDefaults()
	return &Coordinator{repo: repo, presence: presence, opts: opts, log: opts.Logger}
}

// Result is the session after an operation. Applied is false for an idempotent no-op.
type Result struct {
	Session Session `json:"session"`
	Applied bool    `json:"applied"`
}

type InitiateRequest struct {
	// CallID is optional. Re-sending the same id makes initiate idempotent.
	CallID     string   `json:"call_id,omitempty"`
	CallerID   string   `json:"caller_id"`
	CalleeID   string   `json:"callee_id"`
	CallType   CallType `json:"call_type"`
	CallerName string   `json:"caller_name,omitempty"`
}

func (c *Coordinator) now() time.Time {
	return c.opts.Clock().UTC().Truncate(time.Millisecond)
}

// Initiate creates a session and starts ringing the callee.
func (c *Coordinator) Initiate(ctx context.Context, req InitiateRequest) (Result, error) {
	req.CallID = strings.TrimSpace(req.CallID)
	req.CallerID = strings.TrimSpace(req.CallerID)
	req.CalleeID = strings.TrimSpace(req.CalleeID)
	if req.CallType == "" {
		req.CallType = CallTypeVoice
	}
	if req.CallerID == "" || req.CalleeID == "" {
		return Result{}, fmt.Errorf("%w: caller_id and callee_id required", ErrInvalidArgument)
	}
	if req.CallerID == req.CalleeID {
		return Result{}, fmt.Errorf("%w: cannot call yourself", ErrInvalidArgument)
	}
	if !req.CallType.Valid() {
		return Result{}, fmt.Errorf("%w: call_type must be voice or video", ErrInvalidArgument)
	}

	if req.CallID != "" {
		existing, err := c.repo.Get(ctx, req.CallID)
		switch {
		case err == nil:
			return c.sameInitiate(existing, req)
		case !errors.Is(err, ErrNotFound):
			return Result{}, err
		}
	} else {
		req.CallID = c.opts.NewID()
	}

	if err := c.claim(ctx, req.CallerID, req.CallID, c.opts.PendingClaimTTL); err != nil {
		return Result{}, err
	}
	if err := c.claim(ctx, req.CalleeID, req.CallID, c.opts.PendingClaimTTL); err != nil {
		c.release(ctx, req.CallID, req.CallerID)
		return Result{}, err
	}
	// Presence is the fast guard; the store is the authority if a claim was lost.
	for _, uid := range []string{req.CallerID, req.CalleeID} {
		live, err := c.repo.FindActiveByParticipant(ctx, uid)
		if err == nil && live.CallID != req.CallID {
			c.release(ctx, req.CallID, req.CallerID, req.CalleeID)
			return Result{}, fmt.Errorf("%w: %s", ErrAlreadyInCall, uid)
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			c.release(ctx, req.CallID, req.CallerID, req.CalleeID)
			return Result{}, err
		}
	}

	now := c.now()
	s := Session{
		CallID:    req.CallID,
		CallerID:  req.CallerID,
		CalleeID:  req.CalleeID,
		CallType:  req.CallType,
		State:     StateInitiated,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	if err := c.repo.Create(ctx, s); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			// Lost a race with an identical initiate; the claims are shared by call id.
			if existing, gerr := c.repo.Get(ctx, req.CallID); gerr == nil {
				return c.sameInitiate(existing, req)
			}
			return Result{}, err
		}
		c.release(ctx, req.CallID, req.CallerID, req.CalleeID)
		return Result{}, err
	}
	c.log.Info("call initiated", "call_id", s.CallID, "caller_id", s.CallerID, "callee_id", s.CalleeID, "call_type", s.CallType)

	// The session exists now, so the claims get their full lifetime.
	for _, uid := range []string{req.CallerID, req.CalleeID} {
		if _, ok, err := c.presence.Acquire(ctx, uid, req.CallID, c.opts.PresenceTTL); err != nil || !ok {
			c.log.Error("call presence extension failed", "call_id", req.CallID, "user_id", uid, "err", err)
			_, _ = c.Fail(ctx, req.CallID, EndReasonNetworkFailure)
			return Result{}, fmt.Errorf("%w: %s", ErrAlreadyInCall, uid)
		}
	}

	res, err := c.apply(ctx, req.CallID, "ring", req.CallerID, func(s *Session, now time.Time) (bool, error) {
		if s.State != StateInitiated {
			return false, nil
		}
		s.State = StateRinging
		return true, nil
	})
	if err != nil {
		return res, err
	}
	if !res.Applied {
		// Cancelled or failed before it could ring.
		return Result{Session: res.Session, Applied: true}, nil
	}
	c.notify(ctx, res.Session.CalleeID, notification.CallPayload{
		CallID:     res.Session.CallID,
		CallerID:   res.Session.CallerID,
		CallerName: req.CallerName,
		CallType:   string(res.Session.CallType),
		Action:     notification.CallActionIncoming,
	})
	return Result{Session: res.Session, Applied: true}, nil
}

func (c *Coordinator) sameInitiate(existing Session, req InitiateRequest) (Result, error) {
	if existing.CallerID != req.CallerID || existing.CalleeID != req.CalleeID {
		return Result{}, fmt.Errorf("%w: call_id already in use", ErrInvalidArgument)
	}
	return Result{Session: existing}, nil
}

// Accept moves RINGING to ACCEPTED. Accepting again by the callee is a no-op.
func (c *Coordinator) Accept(ctx context.Context, callID, calleeID string) (Result, error) {
	return c.apply(ctx, callID, "accept", calleeID, func(s *Session, now time.Time) (bool, error) {
		if !s.IsParticipant(calleeID) {
			return false, ErrNotParticipant
		}
		if calleeID != s.CalleeID {
			return false, fmt.Errorf("%w: only the callee can accept", ErrInvalidTransition)
		}
		switch s.State {
		case StateRinging:
			s.State = StateAccepted
			return true, nil
		case StateAccepted, StateActive:
			return false, nil
		default:
			return false, invalidTransition(s.State, StateAccepted)
		}
	})
}

// ConfirmJoin records that participantID's media leg joined. Once both legs
// joined, ACCEPTED becomes ACTIVE.
func (c *Coordinator) ConfirmJoin(ctx context.Context, callID, participantID string) (Result, error) {
	return c.apply(ctx, callID, "join", participantID, func(s *Session, now time.Time) (bool, error) {
		if !s.IsParticipant(participantID) {
			return false, ErrNotParticipant
		}
		switch s.State {
		case StateActive:
			return false, nil
		case StateAccepted:
			changed := false
			if participantID == s.CallerID && !s.CallerJoined {
				s.CallerJoined, changed = true, true
			}
			if participantID == s.CalleeID && !s.CalleeJoined {
				s.CalleeJoined, changed = true, true
			}
			if s.CallerJoined && s.CalleeJoined {
				s.State = StateActive
				changed = true
			}
			return changed, nil
		default:
			return false, invalidTransition(s.State, StateActive)
		}
	})
}

// Decline moves RINGING to DECLINED. Any other state is a no-op.
// A caller declining its own call is a cancel.
func (c *Coordinator) Decline(ctx context.Context, callID, actorID string) (Result, error) {
	cur, err := c.repo.Get(ctx, callID)
	if err != nil {
		return Result{}, err
	}
	if !cur.IsParticipant(actorID) {
		return Result{Session: cur}, ErrNotParticipant
	}
	if actorID == cur.CallerID {
		res, err := c.Cancel(ctx, callID, actorID)
		if errors.Is(err, ErrInvalidTransition) {
			return Result{Session: res.Session}, nil
		}
		return res, err
	}

	return c.apply(ctx, callID, "decline", actorID, func(s *Session, now time.Time) (bool, error) {
		if s.State != StateRinging {
			return false, nil
		}
		s.State = StateDeclined
		s.EndReason = EndReasonDeclined
		return true, nil
	})
}

// Cancel moves INITIATED/RINGING to CANCELLED on the caller's behalf.
// Terminal sessions are a no-op; a connected call must be ended instead.
func (c *Coordinator) Cancel(ctx context.Context, callID, callerID string) (Result, error) {
	cur, err := c.repo.Get(ctx, callID)
	if err != nil {
		return Result{}, err
	}
	if !cur.IsParticipant(callerID) {
		return Result{Session: cur}, ErrNotParticipant
	}
	if callerID == cur.CalleeID {
		return c.Decline(ctx, callID, callerID)
	}

	return c.apply(ctx, callID, "cancel", callerID, func(s *Session, now time.Time) (bool, error) {
		switch {
		case s.State.IsTerminal():
			return false, nil
		case s.State == StateInitiated || s.State == StateRinging:
			s.State = StateCancelled
			s.EndReason = EndReasonCallerCancelled
			return true, nil
		default:
			return false, invalidTransition(s.State, StateCancelled)
		}
	})
}

// End moves ACCEPTED/ACTIVE to ENDED. Safe to call concurrently from both
// participants: one write wins and the other observes a no-op.
func (c *Coordinator) End(ctx context.Context, callID, actorID string, reason EndReason) (Result, error) {
	if reason == "" {
		reason = EndReasonCompleted
	}
	if reason != EndReasonCompleted && reason != EndReasonNetworkFailure {
		return Result{}, fmt.Errorf("%w: end reason must be completed or network_failure", ErrInvalidArgument)
	}
	return c.apply(ctx, callID, "end", actorID, func(s *Session, now time.Time) (bool, error) {
		if !s.IsParticipant(actorID) {
			return false, ErrNotParticipant
		}
		switch {
		case s.State.IsTerminal():
			return false, nil
		case s.State == StateAccepted || s.State == StateActive:
			s.State = StateEnded
			s.EndReason = reason
			return true, nil
		default:
			return false, invalidTransition(s.State, StateEnded)
		}
	})
}

// ExpireRinging fails a session that rang past RingTimeout with NO_ANSWER.
// A session that never left INITIATED fails with NETWORK_FAILURE.
func (c *Coordinator) ExpireRinging(ctx context.Context, callID string) (Result, error) {
	return c.apply(ctx, callID, "expire_ringing", "", func(s *Session, now time.Time) (bool, error) {
		if now.Sub(s.UpdatedAt) < c.opts.RingTimeout {
			return false, nil
		}
		switch s.State {
		case StateRinging:
			s.EndReason = EndReasonNoAnswer
		case StateInitiated:
			s.EndReason = EndReasonNetworkFailure
		default:
			return false, nil
		}
		s.State = StateFailed
		return true, nil
	})
}

// ExpireJoin fails an ACCEPTED session whose media never connected within JoinTimeout.
func (c *Coordinator) ExpireJoin(ctx context.Context, callID string) (Result, error) {
	return c.apply(ctx, callID, "expire_join", "", func(s *Session, now time.Time) (bool, error) {
		if s.State != StateAccepted || now.Sub(s.UpdatedAt) < c.opts.JoinTimeout {
			return false, nil
		}
		s.State = StateFailed
		s.EndReason = EndReasonNetworkFailure
		return true, nil
	})
}

// Fail moves any non-terminal session to FAILED. Terminal sessions are a no-op.
func (c *Coordinator) Fail(ctx context.Context, callID string, reason EndReason) (Result, error) {
	if reason == "" {
		reason = EndReasonNetworkFailure
	}
	if !reason.Valid() {
		return Result{}, fmt.Errorf("%w: unknown end reason %q", ErrInvalidArgument, reason)
	}
	return c.apply(ctx, callID, "fail", "", func(s *Session, now time.Time) (bool, error) {
		if s.State.IsTerminal() {
			return false, nil
		}
		s.State = StateFailed
		s.EndReason = reason
		return true, nil
	})
}

// ForceTerminate is the admin escape hatch for stuck sessions. It is audited.
func (c *Coordinator) ForceTerminate(ctx context.Context, callID, adminID string) (Result, error) {
	if strings.TrimSpace(adminID) == "" {
		return Result{}, fmt.Errorf("%w: admin id required", ErrInvalidArgument)
	}
	res, err := c.Fail(ctx, callID, EndReasonForceTerminated)
	if err != nil || !res.Applied {
		return res, err
	}
	c.log.Warn("call force terminated", "call_id", callID, "admin_id", adminID)
	if c.opts.Audit != nil {
		if aerr := c.opts.Audit.LogForceTerminate(ctx, res.Session, adminID); aerr != nil {
			c.log.Error("audit force terminate failed", "call_id", callID, "err", aerr)
		}
	}
	return res, nil
}

// Get returns the session. A non-empty actorID must be a participant.
func (c *Coordinator) Get(ctx context.Context, callID, actorID string) (Session, error) {
	s, err := c.repo.Get(ctx, callID)
	if err != nil {
		return Session{}, err
	}
	if actorID != "" && !s.IsParticipant(actorID) {
		return Session{}, ErrNotParticipant
	}
	return s, nil
}

// Current returns userID's live session, or ErrNotFound.
func (c *Coordinator) Current(ctx context.Context, userID string) (Session, error) {
	return c.repo.FindActiveByParticipant(ctx, userID)
}

// mutateFunc edits s in place and reports whether anything changed.
// Returning false with a nil error is an idempotent no-op.
type mutateFunc func(s *Session, now time.Time) (bool, error)

// apply runs fn against the latest version and writes the result with CAS,
// re-reading and re-running fn when another writer got there first.
func (c *Coordinator) apply(ctx context.Context, callID, op, actorID string, fn mutateFunc) (Result, error) {
	if strings.TrimSpace(callID) == "" {
		return Result{}, fmt.Errorf("%w: call_id required", ErrInvalidArgument)
	}
	for attempt := 0; attempt < c.opts.MaxCASAttempts; attempt++ {
		cur, err := c.repo.Get(ctx, callID)
		if err != nil {
			return Result{}, err
		}

		now := c.now()
		next := cur
		changed, err := fn(&next, now)
		if err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				c.rejected(ctx, cur, op, actorID, err)
			}
			return Result{Session: cur}, err
		}
		if !changed {
			return Result{Session: cur}, nil
		}
		if next.State != cur.State {
			if !cur.State.CanTransitionTo(next.State) {
				return Result{Session: cur}, invalidTransition(cur.State, next.State)
			}
			stamp(&next, now)
		}
		next.Version = cur.Version + 1
		next.UpdatedAt = now

		err = c.repo.CompareAndSwap(ctx, next, cur.Version)
		if errors.Is(err, ErrVersionConflict) {
			c.log.Debug("call cas conflict", "call_id", callID, "op", op, "attempt", attempt)
			continue
		}
		if err != nil {
			return Result{Session: cur}, err
		}
		c.afterWrite(ctx, cur, next)
		return Result{Session: next, Applied: true}, nil
	}
	return Result{}, fmt.Errorf("%w: %s", ErrContention, callID)
}

func stamp(s *Session, now time.Time) {
	switch {
	case s.State == StateAccepted:
		s.AcceptedAt = now
	case s.State == StateActive:
		s.ActiveAt = now
	case s.State.IsTerminal():
		s.EndedAt = now
	}
}

func (c *Coordinator) afterWrite(ctx context.Context, prev, next Session) {
	if prev.State == next.State {
		return
	}
	c.log.Info("call transition",
		"call_id", next.CallID,
		"from", prev.State,
		"to", next.State,
		"end_reason", next.EndReason,
		"version", next.Version,
	)
	if c.opts.Observer != nil {
		c.opts.Observer.OnTransition(ctx, prev, next)
	}
	if !next.State.IsTerminal() {
		return
	}

	c.release(ctx, next.CallID, next.CallerID, next.CalleeID)

	switch {
	case next.State == StateCancelled:
		c.notify(ctx, next.CalleeID, retraction(next, notification.CallActionCancelled))
	case next.State == StateDeclined:
		c.notify(ctx, next.CallerID, retraction(next, notification.CallActionDeclined))
	case prev.State == StateRinging || prev.State == StateInitiated:
		// The callee may still be ringing from the push.
		action := notification.CallActionCancelled
		if next.EndReason == EndReasonNoAnswer {
			action = notification.CallActionMissed
		}
		c.notify(ctx, next.CalleeID, retraction(next, action))
	default:
		c.notify(ctx, next.CallerID, retraction(next, notification.CallActionEnded))
		c.notify(ctx, next.CalleeID, retraction(next, notification.CallActionEnded))
	}
}

func retraction(s Session, action notification.CallAction) notification.CallPayload {
	return notification.CallPayload{
		CallID:   s.CallID,
		CallerID: s.CallerID,
		CallType: string(s.CallType),
		Action:   action,
	}
}

func (c *Coordinator) notify(ctx context.Context, userID string, p notification.Payload) {
	if c.opts.Notifier == nil {
		return
	}
	c.opts.Notifier.Enqueue(ctx, userID, p)
}

func (c *Coordinator) rejected(ctx context.Context, s Session, op, actorID string, cause error) {
	c.log.Info("call transition rejected", "call_id", s.CallID, "op", op, "user_id", actorID, "state", s.State, "err", cause)
	if c.opts.Audit == nil {
		return
	}
	if err := c.opts.Audit.LogTransitionRejected(ctx, s.CallID, actorID, op, cause); err != nil {
		c.log.Error("audit transition rejected failed", "call_id", s.CallID, "err", err)
	}
}

// claim acquires userID for callID. A holder whose session is already terminal
// is stale and gets released; a live holder means ErrAlreadyInCall.
func (c *Coordinator) claim(ctx context.Context, userID, callID string, ttl time.Duration) error {
	holder, ok, err := c.presence.Acquire(ctx, userID, callID, ttl)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	held, err := c.repo.Get(ctx, holder)
	switch {
	case errors.Is(err, ErrNotFound):
		// Either a session being created right now or a crashed create; the
		// pending claim expires on its own.
		return fmt.Errorf("%w: %s", ErrAlreadyInCall, userID)
	case err != nil:
		return err
	case !held.State.IsTerminal():
		return fmt.Errorf("%w: %s", ErrAlreadyInCall, userID)
	}

	c.log.Warn("releasing stale call presence", "user_id", userID, "call_id", holder, "state", held.State)
	if err := c.presence.Release(ctx, userID, holder); err != nil {
		return err
	}
	_, ok, err = c.presence.Acquire(ctx, userID, callID, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlreadyInCall, userID)
	}
	return nil
}

func (c *Coordinator) release(ctx context.Context, callID string, userIDs ...string) {
	for _, uid := range userIDs {
		if err := c.presence.Release(ctx, uid, callID); err != nil {
			c.log.Error("call presence release failed", "call_id", callID, "user_id", uid, "err", err)
		}
	}
}
