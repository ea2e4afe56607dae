package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// No Update/Delete methods are provided by design.

type Repository interface {
	Append(ctx context.Context, e Event) error
	ListByCall(ctx context.Context, callID string) ([]Event, error)
}

// Service logs internal audit information.
//
// IMPORTANT:
// - Audit is internal-only. Do not expose these records to end users.
// - Callers should treat audit logging as best-effort.

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" || e.CallID == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.IPAddress == "" {
		e.IPAddress = ClientIPFromContext(ctx)
	}
	return s.repo.Append(ctx, e)
}

// LogForceTerminate records an admin force-terminating a call.
func (s *Service) LogForceTerminate(ctx context.Context, callID, adminID, adminRole, metadata string) error {
	if adminID == "" {
		return ErrInvalidEvent
	}
	return s.Append(ctx, Event{
		Type:        EventTypeForceTerminate,
		ActorUserID: adminID,
		ActorRole:   adminRole,
		CallID:      callID,
		Operation:   "force_terminate",
		Message:     "call force terminated",
		Metadata:    metadata,
	})
}

// LogTransitionRejected records a call operation refused by the state machine.
func (s *Service) LogTransitionRejected(ctx context.Context, callID, actorID, op, reason string) error {
	return s.Append(ctx, Event{
		Type:        EventTypeTransitionRejected,
		ActorUserID: actorID,
		CallID:      callID,
		Operation:   op,
		Message:     reason,
	})
}

// Trail returns every audit event recorded for callID, oldest first.
func (s *Service) Trail(ctx context.Context, callID string) ([]Event, error) {
	if s.repo == nil {
		return nil, errors.New("audit: repository not configured")
	}
	if callID == "" {
		return nil, ErrInvalidEvent
	}
	return s.repo.ListByCall(ctx, callID)
}
