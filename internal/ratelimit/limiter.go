// Package ratelimit bounds how many calls may start within a trailing window.
//
// This is deliberately not a token bucket: a bucket of size N refills while
// the window is still hot, so it can admit N+1 starts inside one trailing
// window. The provider counts requests per rolling minute, so we must too.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter admits at most limit call-starts within any trailing window.
//
// Acquire suspends until a slot frees; it never rejects. A slot is consumed
// the moment Acquire returns (call start), not when the call completes.
// Safe for concurrent use; one Limiter is shared by every fetch in a cycle.
type Limiter struct {
	limit  int
	window time.Duration

	// injectable for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	starts []time.Time // ascending admit times, pruned to the trailing window
}

func New(limit int, window time.Duration) *Limiter {
	if limit < 1 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		limit:  limit,
		window: window,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// Acquire blocks until starting a call keeps the trailing-window count at or
// below the limit, then records the start. Context cancellation is the only
// way out early.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		l.mu.Lock()
		now := l.now()
		l.prune(now)
		if len(l.starts) < l.limit {
			l.starts = append(l.starts, now)
			l.mu.Unlock()
			return nil
		}
		// The oldest admit leaves the window first; sleep until it does,
		// then recheck (another waiter may win the freed slot).
		wait := l.starts[0].Add(l.window).Sub(now)
		l.mu.Unlock()

		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// prune drops admits that have left the trailing window (now-window, now].
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.starts) && !l.starts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.starts = append(l.starts[:0], l.starts[i:]...)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
