package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"call-coordinator/pkg/logger"
)

const defaultSubscriberBuffer = 16

// Hub is the in-process fan-out to connected devices, keyed by user.
// A subscriber that falls behind is evicted rather than stalling the publisher:
// its channel closes, the device reconnects and resyncs from the coordinator.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[*subscription]struct{}
	dropped atomic.Int64
	log     *slog.Logger
}

type subscription struct {
	userID string
	ch     chan CallEvent
	once   sync.Once
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{subs: map[string]map[*subscription]struct{}{}, log: logger.OrDefault(log)}
}

// Subscribe registers a receiver for userID's call events. The returned cancel
// func unregisters it and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(userID string, buffer int) (<-chan CallEvent, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	sub := &subscription{userID: userID, ch: make(chan CallEvent, buffer)}

	h.mu.Lock()
	set, ok := h.subs[userID]
	if !ok {
		set = map[*subscription]struct{}{}
		h.subs[userID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	return sub.ch, func() { h.remove(sub) }
}

func (h *Hub) remove(sub *subscription) {
	sub.once.Do(func() {
		h.mu.Lock()
		if set, ok := h.subs[sub.userID]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, sub.userID)
			}
		}
		close(sub.ch)
		h.mu.Unlock()
	})
}

// Publish delivers e to every subscriber of either participant.
func (h *Hub) Publish(ctx context.Context, e CallEvent) error {
	var lagging []*subscription

	h.mu.RLock()
	for _, uid := range e.Participants() {
		for sub := range h.subs[uid] {
			select {
			case sub.ch <- e:
			default:
				h.dropped.Add(1)
				lagging = append(lagging, sub)
				h.log.Warn("call event dropped: subscriber evicted", "user_id", uid, "call_id", e.CallID, "state", e.State)
			}
		}
	}
	h.mu.RUnlock()

	for _, sub := range lagging {
		h.remove(sub)
	}
	return nil
}

// Subscribers returns the number of live subscriptions for userID.
func (h *Hub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}

func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
