package calls

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory Repository useful for tests and local development.
// It is not intended for production use.
type MemoryRepo struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{sessions: map[string]Session{}}
}

func (r *MemoryRepo) Create(ctx context.Context, s Session) error {
	if s.CallID == "" {
		return ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.CallID]; ok {
		return ErrAlreadyExists
	}
	r.sessions[s.CallID] = s
	return nil
}

func (r *MemoryRepo) Get(ctx context.Context, callID string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[callID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (r *MemoryRepo) CompareAndSwap(ctx context.Context, next Session, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sessions[next.CallID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	r.sessions[next.CallID] = next
	return nil
}

func (r *MemoryRepo) FindActiveByParticipant(ctx context.Context, userID string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var (
		best  Session
		found bool
	)
	for _, s := range r.sessions {
		if s.State.IsTerminal() || !s.IsParticipant(userID) {
			continue
		}
		if !found || s.CreatedAt.After(best.CreatedAt) {
			best, found = s, true
		}
	}
	if !found {
		return Session{}, ErrNotFound
	}
	return best, nil
}

func (r *MemoryRepo) ListStale(ctx context.Context, states []State, before time.Time, limit int) ([]Session, error) {
	want := make(map[State]struct{}, len(states))
	for _, st := range states {
		want[st] = struct{}{}
	}

	r.mu.Lock()
	out := make([]Session, 0)
	for _, s := range r.sessions {
		if _, ok := want[s.State]; !ok {
			continue
		}
		if !s.ArchivedAt.IsZero() || !s.UpdatedAt.Before(before) {
			continue
		}
		out = append(out, s)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepo) Archive(ctx context.Context, callID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[callID]
	if !ok {
		return ErrNotFound
	}
	if !s.State.IsTerminal() {
		return fmt.Errorf("%w: cannot archive %s session", ErrInvalidArgument, s.State)
	}
	if s.ArchivedAt.IsZero() {
		s.ArchivedAt = at
		r.sessions[callID] = s
	}
	return nil
}

func (r *MemoryRepo) ListSessions(ctx context.Context, f ListFilter) ([]Session, error) {
	r.mu.Lock()
	out := make([]Session, 0)
	for _, s := range r.sessions {
		if f.UserID != "" && !s.IsParticipant(f.UserID) {
			continue
		}
		if s.CreatedAt.Before(f.From) || !s.CreatedAt.Before(f.To) {
			continue
		}
		out = append(out, s)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
