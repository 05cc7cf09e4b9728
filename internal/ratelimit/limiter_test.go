package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock drives a Limiter without real sleeping. Sleeping advances the
// clock to the wake deadline, the way real time would.
type fakeClock struct {
	mu     sync.Mutex
	cur    time.Time
	sleeps int
}

func newFakeClock() *fakeClock {
	return &fakeClock{cur: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps++
	if target := c.cur.Add(d); target.After(c.cur) {
		c.cur = target
	}
	return nil
}

func newTestLimiter(limit int, clock *fakeClock) *Limiter {
	l := New(limit, time.Minute)
	l.now = clock.now
	l.sleep = clock.sleep
	return l
}

func TestAcquireAdmitsUpToLimitWithoutWaiting(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l := newTestLimiter(5, clock)

	for i := 0; i < 5; i++ {
		if err := l.Acquire(context.Background()); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
	}
	if clock.sleeps != 0 {
		t.Fatalf("sleeps = %d, want 0 while under the limit", clock.sleeps)
	}
}

func TestAcquireSuspendsInsteadOfRejecting(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	start := clock.now()
	l := newTestLimiter(1, clock)

	// With limit 1, each later acquire must wait a full window measured
	// from the previous admit. None may fail.
	for i := 0; i < 3; i++ {
		if err := l.Acquire(context.Background()); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		got := clock.now().Sub(start)
		want := time.Duration(i) * time.Minute
		if got != want {
			t.Fatalf("admit %d at +%v, want +%v", i, got, want)
		}
	}
	if clock.sleeps == 0 {
		t.Fatal("expected waits past the limit, got none")
	}
}

func TestAdmitTimesRespectTrailingWindow(t *testing.T) {
	t.Parallel()

	const limit = 3
	clock := newFakeClock()
	base := clock.now()
	l := newTestLimiter(limit, clock)

	admits := make([]time.Duration, 0, 8)
	for i := 0; i < 8; i++ {
		if err := l.Acquire(context.Background()); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		admits = append(admits, clock.now().Sub(base))
	}

	want := []time.Duration{
		0, 0, 0,
		time.Minute, time.Minute, time.Minute,
		2 * time.Minute, 2 * time.Minute,
	}
	for i := range want {
		if admits[i] != want[i] {
			t.Fatalf("admit %d at +%v, want +%v (all: %v)", i, admits[i], want[i], admits)
		}
	}
	// No pair of admits limit apart may sit inside one window.
	for i := 0; i+limit < len(admits); i++ {
		if gap := admits[i+limit] - admits[i]; gap < time.Minute {
			t.Fatalf("admits %d and %d only %v apart", i, i+limit, gap)
		}
	}
}

func TestConcurrentAcquiresStayBounded(t *testing.T) {
	t.Parallel()

	const (
		limit    = 3
		acquires = 9
	)
	clock := newFakeClock()
	base := clock.now()
	l := newTestLimiter(limit, clock)

	var wg sync.WaitGroup
	errs := make(chan error, acquires)
	for i := 0; i < acquires; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- l.Acquire(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
	}

	// Nine admits at three per window need at least two full waits.
	if got := clock.now().Sub(base); got < 2*time.Minute {
		t.Fatalf("clock advanced %v, want >= %v", got, 2*time.Minute)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.starts) > limit {
		t.Fatalf("window holds %d admits, limit %d", len(l.starts), limit)
	}
}

func TestAcquireHonorsCancelledContext(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l := newTestLimiter(1, clock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Acquire on cancelled ctx: %v, want %v", err, context.Canceled)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.starts) != 0 {
		t.Fatalf("cancelled acquire consumed a slot: %v", l.starts)
	}
}

func TestAcquireStopsWaitingOnCancel(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l := newTestLimiter(1, clock)
	l.sleep = func(ctx context.Context, d time.Duration) error {
		return context.Canceled
	}

	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	if err := l.Acquire(context.Background()); !errors.Is(err, context.Canceled) {
		t.Fatalf("waiting Acquire: %v, want %v", err, context.Canceled)
	}
}

func TestNewClampsBadArguments(t *testing.T) {
	t.Parallel()

	l := New(0, -time.Second)
	if l.limit != 1 {
		t.Fatalf("limit = %d, want 1", l.limit)
	}
	if l.window != time.Minute {
		t.Fatalf("window = %v, want %v", l.window, time.Minute)
	}
}
