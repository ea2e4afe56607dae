package callclient

import (
	"log/slog"
	"sync"

	"call-coordinator/pkg/logger"
)

// Bus is a typed pub/sub restricted to call lifecycle transitions.
// UI and audio components subscribe; a slow subscriber loses transitions
// instead of stalling the state machine.
type Bus struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Transition
	log  *slog.Logger
}

func NewBus(log *slog.Logger) *Bus {
	return &Bus{subs: map[int]chan Transition{}, log: logger.OrDefault(log)}
}

// Subscribe returns a channel of transitions and its cancel func.
func (b *Bus) Subscribe(buffer int) (<-chan Transition, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Transition, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

func (b *Bus) Publish(t Transition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- t:
		default:
			b.log.Warn("call transition dropped: subscriber full", "call_id", t.CallID, "to", t.To)
		}
	}
}
