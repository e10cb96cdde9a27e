package relayjournal

import (
	"context"
	"time"
)

const (
	DefaultBaseDelay = 500 * time.Millisecond
	DefaultMaxDelay  = 30 * time.Second
	// MinRetryDelay keeps retries from spinning against the remote API.
	MinRetryDelay = 10 * time.Millisecond
)

// Backoff is a capped exponential retry delay. The zero value uses the
// defaults.
type Backoff struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Delay returns the wait before retry number attempt, counting from 1.
// A server-requested retryAfter wins when it is longer, up to MaxDelay.
func (b Backoff) Delay(attempt int, retryAfter time.Duration) time.Duration {
	base := b.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	maxDelay := b.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	if maxDelay < MinRetryDelay {
		maxDelay = MinRetryDelay
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			delay = maxDelay
			break
		}
	}
	if retryAfter > delay {
		delay = retryAfter
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	if delay < MinRetryDelay {
		delay = MinRetryDelay
	}
	return delay
}

// Wait sleeps for Delay(attempt, retryAfter) or until ctx is done.
func (b Backoff) Wait(ctx context.Context, attempt int, retryAfter time.Duration) error {
	return waitWithContext(ctx, b.Delay(attempt, retryAfter))
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
