package calls

import (
	"context"
	"time"
)

// Repository is the persistence contract for call sessions.
//
// Implementations must make CompareAndSwap atomic: the write succeeds only if the
// stored version still equals expectedVersion, otherwise ErrVersionConflict.
type Repository interface {
	Create(ctx context.Context, s Session) error
	Get(ctx context.Context, callID string) (Session, error)
	CompareAndSwap(ctx context.Context, next Session, expectedVersion int64) error

	// FindActiveByParticipant returns the newest non-terminal session for userID, or ErrNotFound.
	FindActiveByParticipant(ctx context.Context, userID string) (Session, error)

	// ListStale returns unarchived sessions in one of states last updated before cutoff, oldest first.
	ListStale(ctx context.Context, states []State, before time.Time, limit int) ([]Session, error)

	// Archive marks a terminal session archived. Archived sessions stay readable.
	Archive(ctx context.Context, callID string, at time.Time) error

	// ListSessions returns sessions created in [From, To), including archived ones.
	ListSessions(ctx context.Context, f ListFilter) ([]Session, error)
}

type ListFilter struct {
	From time.Time
	To   time.Time
	// UserID optionally restricts to sessions the user took part in.
	UserID string
}
