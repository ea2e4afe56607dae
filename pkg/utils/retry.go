package utils

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryPolicy describes bounded exponential backoff with optional jitter.
// It is shared by push delivery, coordinator client calls and realtime reconnects.
//
// delay(attempt) = min(BaseDelay * 2^attempt, MaxDelay) + random([0, BaseDelay)) when Jitter is set.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool

	// Retryable decides whether an error is worth another attempt.
	// Nil means every error except context cancellation is retried.
	Retryable func(error) bool
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	out := p
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if out.BaseDelay <= 0 {
		out.BaseDelay = 100 * time.Millisecond
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = 5 * time.Second
	}
	if out.MaxDelay < out.BaseDelay {
		out.MaxDelay = out.BaseDelay
	}
	return out
}

// Delay returns the wait before retry number attempt (0-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 0 {
		attempt = 0
	}
	delay := p.MaxDelay
	// Guard the shift; anything past 30 doublings is already capped.
	if attempt < 30 {
		if d := p.BaseDelay << uint(attempt); d > 0 && d < p.MaxDelay {
			delay = d
		}
	}
	if p.Jitter {
		delay += time.Duration(rand.Int63n(int64(p.BaseDelay)))
	}
	return delay
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts run out,
// or ctx is done. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !p.retryable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts-1 {
			break
		}

		t := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return lastErr
		case <-t.C:
		}
	}
	return lastErr
}

func (p RetryPolicy) retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}
