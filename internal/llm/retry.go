package llm

import (
	"context"
	"log/slog"
	"time"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoffUnit = 2 * time.Second
)

// RetryPolicy controls how many times a recognition call is attempted and how
// long to wait between attempts.
type RetryPolicy struct {
	MaxAttempts int
	// Backoff returns the wait before retry n (n starts at 1).
	Backoff func(retry int) time.Duration
	// Sleep waits for d or until ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
}

// LinearBackoff waits unit*n before retry n.
func LinearBackoff(unit time.Duration) func(int) time.Duration {
	return func(retry int) time.Duration {
		return unit * time.Duration(retry)
	}
}

// DefaultRetryPolicy makes three attempts with a 2s, 4s backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		Backoff:     LinearBackoff(DefaultBackoffUnit),
		Sleep:       SleepContext,
	}
}

// SleepContext blocks for d or until ctx is canceled.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do calls fn until it succeeds or the attempts run out, returning the last error.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := max(p.MaxAttempts, 1)
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil || attempt == attempts {
			break
		}
		var wait time.Duration
		if p.Backoff != nil {
			wait = p.Backoff(attempt)
		}
		slog.Warn("retrying recognition call", "op", op, "attempt", attempt+1, "of", attempts, "wait", wait, "error", err)
		if serr := sleep(ctx, wait); serr != nil {
			return serr
		}
	}
	return err
}
