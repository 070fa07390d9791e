package rate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

type fakeClock interface {
	clockwork.Clock
	Advance(time.Duration)
}

func newLimiterTest(t *testing.T) (*Limiter, *miniredis.Miniredis, fakeClock, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	l := New(rdb, Config{Clock: clock})
	return l, mr, clock, func() {
		_ = rdb.Close()
		mr.Close()
	}
}

func TestSlidingWindowAllowsUpToLimit(t *testing.T) {
	l, mr, clock, done := newLimiterTest(t)
	defer done()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		d, err := l.Allow(ctx, CodeGeneration, "+237654321000")
		if err != nil {
			t.Fatalf("Allow error: %v", err)
		}
		if !d.Allowed || d.Remaining != 3-i {
			t.Fatalf("call %d: unexpected decision %+v", i, d)
		}
	}

	d, err := l.Allow(ctx, CodeGeneration, "+237654321000")
	if err != nil {
		t.Fatalf("Allow error: %v", err)
	}
	if d.Allowed || d.RetryAfter != 5*time.Minute || d.Remaining != 0 {
		t.Fatalf("expected denial with retry-after window, got %+v", d)
	}
	if !d.ResetAt.Equal(clock.Now().Add(5 * time.Minute)) {
		t.Fatalf("unexpected resetAt %v", d.ResetAt)
	}

	if ttl := mr.TTL("rl:code_generation:+237654321000"); ttl <= 0 || ttl > 5*time.Minute {
		t.Fatalf("expected key TTL within window, got %v", ttl)
	}

	// Other subjects are independent.
	d, err = l.Allow(ctx, CodeGeneration, "+237699999999")
	if err != nil || !d.Allowed {
		t.Fatalf("independent key must be allowed, got %+v err=%v", d, err)
	}
}

func TestSlidingWindowSlides(t *testing.T) {
	l, _, clock, done := newLimiterTest(t)
	defer done()
	ctx := context.Background()

	p := Policy{Name: "t", Window: time.Minute, Limit: 2}
	mustAllow := func(want bool) {
		t.Helper()
		d, err := l.Allow(ctx, p, "k")
		if err != nil {
			t.Fatalf("Allow error: %v", err)
		}
		if d.Allowed != want {
			t.Fatalf("allowed=%v want %v (%+v)", d.Allowed, want, d)
		}
	}

	mustAllow(true)
	clock.Advance(30 * time.Second)
	mustAllow(true)
	mustAllow(false)

	// First entry leaves the window; the second is still inside.
	clock.Advance(31 * time.Second)
	mustAllow(true)
	mustAllow(false)

	// Denied calls are not recorded.
	clock.Advance(30 * time.Second)
	mustAllow(true)
}

func TestConcurrentCallersNeverExceedLimit(t *testing.T) {
	l, _, _, done := newLimiterTest(t)
	defer done()
	ctx := context.Background()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Allow(ctx, OTPVerification, "shared")
			if err != nil {
				t.Errorf("Allow error: %v", err)
				return
			}
			if d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != int64(OTPVerification.Limit) {
		t.Fatalf("expected exactly %d allowed, got %d", OTPVerification.Limit, got)
	}
}

func TestFailOpenWhenRedisDown(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()

	var hooked atomic.Int64
	l := New(rdb, Config{OnDegraded: func(context.Context, string, error) { hooked.Add(1) }})
	mr.Close()

	d, err := l.Allow(context.Background(), PasswordReset, "a@b.cm")
	if err != nil {
		t.Fatalf("fail-open must not surface an error: %v", err)
	}
	if !d.Allowed || !d.Degraded {
		t.Fatalf("expected degraded allow, got %+v", d)
	}
	if hooked.Load() != 1 || l.DegradedCount() != 1 {
		t.Fatalf("expected one degraded notification, hook=%d count=%d", hooked.Load(), l.DegradedCount())
	}
}

func TestResetClearsLog(t *testing.T) {
	l, _, _, done := newLimiterTest(t)
	defer done()
	ctx := context.Background()

	p := Policy{Name: "t", Window: time.Hour, Limit: 1}
	if d, _ := l.Allow(ctx, p, "k"); !d.Allowed {
		t.Fatal("expected first call allowed")
	}
	if d, _ := l.Allow(ctx, p, "k"); d.Allowed {
		t.Fatal("expected second call denied")
	}
	if err := l.Reset(ctx, p, "k"); err != nil {
		t.Fatalf("Reset error: %v", err)
	}
	if d, _ := l.Allow(ctx, p, "k"); !d.Allowed {
		t.Fatal("expected allow after reset")
	}
}

func TestInvalidPolicy(t *testing.T) {
	l, _, _, done := newLimiterTest(t)
	defer done()
	if _, err := l.Allow(context.Background(), Policy{Name: "x"}, "k"); err == nil {
		t.Fatal("expected invalid policy error")
	}
}
