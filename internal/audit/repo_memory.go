package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryRepo keeps audit events in process, indexed by call id.
// It mirrors SQLRepo for tests and single-process development.
type MemoryRepo struct {
	mu     sync.Mutex
	events []Event
	ids    map[string]struct{}
	byCall map[string][]int
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{ids: map[string]struct{}{}, byCall: map[string][]int{}}
}

// Append stores e. A repeated id is rejected like the audit_events primary key.
func (r *MemoryRepo) Append(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.ids[e.ID]; dup {
		return fmt.Errorf("audit: duplicate event id %q", e.ID)
	}
	r.ids[e.ID] = struct{}{}
	r.byCall[e.CallID] = append(r.byCall[e.CallID], len(r.events))
	r.events = append(r.events, e)
	return nil
}

// ListByCall returns callID's trail ordered by creation time, then id.
func (r *MemoryRepo) ListByCall(_ context.Context, callID string) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.byCall[callID]
	out := make([]Event, 0, len(idx))
	for _, i := range idx {
		out = append(out, r.events[i])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Events returns every stored event in append order.
func (r *MemoryRepo) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
