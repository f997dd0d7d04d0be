package retry

import (
	"context"
	"time"
)

// Policy bounds automatic retries for one turn.
type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RateLimitDelay time.Duration
}

// DefaultPolicy is 3 attempts, 1s doubling to a 10s cap, 5s for rate limits
// without a Retry-After header.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		MaxDelay:       10 * time.Second,
		RateLimitDelay: 5 * time.Second,
	}
}

// Delay returns how long to wait after the failed attempt numbered attempt
// (0-based). A server-provided RetryAfter wins over the schedule.
func (p Policy) Delay(attempt int, d Decision) time.Duration {
	if d.RetryAfter > 0 {
		return d.RetryAfter
	}
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay || delay <= 0 {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Exhausted reports whether attempt (0-based) was the last one allowed.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts-1
}

// Wait sleeps for d or until ctx is done.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
