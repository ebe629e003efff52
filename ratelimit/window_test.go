package ratelimit_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/herald/ratelimit"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestWindowAllowsUpToLimit(t *testing.T) {
	clk := newClock()
	l := ratelimit.New(ratelimit.WithClock(clk.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "wh_1", 3)
		if err != nil {
			t.Fatal(err)
		}
		if !d.Allowed {
			t.Fatalf("request %d: expected allowed", i+1)
		}
		if d.Remaining != 2-i {
			t.Errorf("request %d: remaining = %d", i+1, d.Remaining)
		}
	}

	d, _ := l.Allow(ctx, "wh_1", 3)
	if d.Allowed {
		t.Fatal("fourth request should be denied")
	}
	if d.RetryAfter != time.Minute {
		t.Errorf("RetryAfter = %s, want 1m", d.RetryAfter)
	}
	if !d.ResetAt.Equal(clk.Now().Add(time.Minute)) {
		t.Errorf("ResetAt = %s", d.ResetAt)
	}
}

func TestWindowResetsAfterElapsed(t *testing.T) {
	clk := newClock()
	l := ratelimit.New(ratelimit.WithClock(clk.Now))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _ = l.Allow(ctx, "wh_1", 2)
	}
	if d, _ := l.Allow(ctx, "wh_1", 2); d.Allowed {
		t.Fatal("expected denial within window")
	}

	clk.Advance(30 * time.Second)
	if d, _ := l.Allow(ctx, "wh_1", 2); d.Allowed {
		t.Fatal("expected denial half way through window")
	}

	clk.Advance(30 * time.Second)
	d, _ := l.Allow(ctx, "wh_1", 2)
	if !d.Allowed {
		t.Fatal("expected window to reset")
	}
	if d.Remaining != 1 {
		t.Errorf("remaining = %d, want 1", d.Remaining)
	}
}

func TestWindowPeekDoesNotConsume(t *testing.T) {
	l := ratelimit.New()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, _ := l.Peek(ctx, "wh_1", 1)
		if !d.Allowed {
			t.Fatal("peek should not consume quota")
		}
	}
	if d, _ := l.Allow(ctx, "wh_1", 1); !d.Allowed {
		t.Fatal("first allow should pass")
	}
	if d, _ := l.Peek(ctx, "wh_1", 1); d.Allowed {
		t.Fatal("peek should report exhausted quota")
	}
}

func TestWindowUnlimited(t *testing.T) {
	l := ratelimit.New()
	for i := 0; i < 100; i++ {
		if d, _ := l.Allow(context.Background(), "wh_1", 0); !d.Allowed {
			t.Fatal("limit 0 should be unlimited")
		}
	}
}

func TestWindowKeysAreIndependent(t *testing.T) {
	l := ratelimit.New()
	ctx := context.Background()

	_, _ = l.Allow(ctx, "a", 1)
	if d, _ := l.Allow(ctx, "a", 1); d.Allowed {
		t.Fatal("key a should be exhausted")
	}
	if d, _ := l.Allow(ctx, "b", 1); !d.Allowed {
		t.Fatal("key b should be unaffected")
	}
}

func TestWindowStateAndReset(t *testing.T) {
	clk := newClock()
	l := ratelimit.New(ratelimit.WithClock(clk.Now), ratelimit.WithWindow(10*time.Second))
	ctx := context.Background()

	if _, ok := l.State("wh_1"); ok {
		t.Fatal("expected no state before first request")
	}
	_, _ = l.Allow(ctx, "wh_1", 5)
	st, ok := l.State("wh_1")
	if !ok || st.Count != 1 || st.Limit != 5 {
		t.Fatalf("unexpected state %+v", st)
	}
	if got := l.ResetTime("wh_1"); !got.Equal(clk.Now().Add(10 * time.Second)) {
		t.Errorf("ResetTime = %s", got)
	}

	_ = l.Reset(ctx, "wh_1")
	if _, ok := l.State("wh_1"); ok {
		t.Fatal("expected state cleared")
	}
}

func TestWindowConcurrentAllowNeverExceedsLimit(t *testing.T) {
	l := ratelimit.New()
	ctx := context.Background()

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d, _ := l.Allow(ctx, "wh_1", 50); d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if allowed.Load() != 50 {
		t.Fatalf("allowed %d requests, want 50", allowed.Load())
	}
}
