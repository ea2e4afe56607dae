package calls

import (
	"context"
	"sync"
	"time"

	"call-coordinator/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// Presence tracks which call, if any, each participant is "in".
// It is the cross-instance guard behind the one-live-call-per-participant rule.
type Presence interface {
	// Acquire claims userID for callID for ttl. It returns the current holder and whether
	// callID holds the claim after the attempt. Re-acquiring for the same callID
	// succeeds and resets the ttl.
	Acquire(ctx context.Context, userID, callID string, ttl time.Duration) (holder string, ok bool, err error)
	// Release drops the claim only if callID still holds it.
	Release(ctx context.Context, userID, callID string) error
	// Holder returns the call currently holding userID, or "".
	Holder(ctx context.Context, userID string) (string, error)
}

// RedisPresence keeps claims in Redis with a TTL so a crashed instance cannot
// leave a participant stuck in a call forever.
type RedisPresence struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisPresence(rdb redis.UniversalClient) *RedisPresence {
	return &RedisPresence{rdb: rdb, prefix: "calls:presence:"}
}

func (p *RedisPresence) key(userID string) string { return p.prefix + userID }

func (p *RedisPresence) Acquire(ctx context.Context, userID, callID string, ttl time.Duration) (string, bool, error) {
	return utils.AcquireClaim(ctx, p.rdb, p.key(userID), callID, ttl)
}

func (p *RedisPresence) Release(ctx context.Context, userID, callID string) error {
	_, err := utils.ReleaseClaim(ctx, p.rdb, p.key(userID), callID)
	return err
}

func (p *RedisPresence) Holder(ctx context.Context, userID string) (string, error) {
	return utils.ClaimHolder(ctx, p.rdb, p.key(userID))
}

// MemoryPresence is a process-local Presence for tests and single-instance development.
type MemoryPresence struct {
	mu      sync.Mutex
	holders map[string]claim
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

type claim struct {
	callID    string
	expiresAt time.Time
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{holders: map[string]claim{}, clock: time.Now}
}

// holder returns the live claim for userID. Caller holds p.mu.
func (p *MemoryPresence) holder(userID string) (claim, bool) {
	cl, ok := p.holders[userID]
	if !ok {
		return claim{}, false
	}
	if !p.clock().Before(cl.expiresAt) {
		delete(p.holders, userID)
		return claim{}, false
	}
	return cl, true
}

func (p *MemoryPresence) Acquire(ctx context.Context, userID, callID string, ttl time.Duration) (string, bool, error) {
	if userID == "" || callID == "" || ttl <= 0 {
		return "", false, ErrInvalidArgument
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.holder(userID); ok && cur.callID != callID {
		return cur.callID, false, nil
	}
	p.holders[userID] = claim{callID: callID, expiresAt: p.clock().Add(ttl)}
	return callID, true, nil
}

func (p *MemoryPresence) Release(ctx context.Context, userID, callID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.holder(userID); ok && cur.callID == callID {
		delete(p.holders, userID)
	}
	return nil
}

func (p *MemoryPresence) Holder(ctx context.Context, userID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, _ := p.holder(userID)
	return cur.callID, nil
}
