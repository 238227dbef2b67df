package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeClock はテスト用の手動で進める時計。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(clock *fakeClock) *MemoryLimiter {
	return NewMemoryLimiter(Config{
		Limit:  5,
		Window: time.Hour,
		Now:    clock.Now,
	})
}

func TestMemoryLimiter_AllowsUpToLimit(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)
	defer l.Stop()

	for i := 0; i < 5; i++ {
		d, err := l.Allow(context.Background(), "203.0.113.7")
		if err != nil {
			t.Fatalf("attempt %d: unexpected error: %v", i+1, err)
		}
		if !d.Allowed {
			t.Fatalf("attempt %d: expected allowed", i+1)
		}
		clock.Advance(time.Minute)
	}

	d, _ := l.Allow(context.Background(), "203.0.113.7")
	if d.Allowed {
		t.Fatal("6th attempt within the window should be rejected")
	}
	// 最古の試行は5分前なので、再試行可能まで55分
	if d.RetryAfter != 55*time.Minute {
		t.Errorf("RetryAfter = %v, want %v", d.RetryAfter, 55*time.Minute)
	}
}

func TestMemoryLimiter_AllowsAgainAfterWindowElapses(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)
	defer l.Stop()

	for i := 0; i < 5; i++ {
		if d, _ := l.Allow(context.Background(), "client"); !d.Allowed {
			t.Fatalf("attempt %d: expected allowed", i+1)
		}
	}
	if d, _ := l.Allow(context.Background(), "client"); d.Allowed {
		t.Fatal("expected rejection at limit")
	}

	// ちょうどウィンドウ幅だけ経過すると、最初の試行は「now - window 以前」になり捨てられる
	clock.Advance(time.Hour)

	if d, _ := l.Allow(context.Background(), "client"); !d.Allowed {
		t.Fatal("expected allowed after the window elapsed")
	}
}

func TestMemoryLimiter_RejectedAttemptsAreNotRecorded(t *testing.T) {
	clock := newFakeClock()
	l := NewMemoryLimiter(Config{Limit: 1, Window: time.Minute, Now: clock.Now})
	defer l.Stop()

	if d, _ := l.Allow(context.Background(), "c"); !d.Allowed {
		t.Fatal("first attempt should be allowed")
	}

	// 拒否され続けても記録されないので、最初の試行からウィンドウ経過後には許可される
	for i := 0; i < 10; i++ {
		clock.Advance(5 * time.Second)
		if d, _ := l.Allow(context.Background(), "c"); d.Allowed {
			t.Fatalf("attempt %d should be rejected", i+2)
		}
	}

	clock.Advance(10 * time.Second)
	if d, _ := l.Allow(context.Background(), "c"); !d.Allowed {
		t.Fatal("attempt after window should be allowed")
	}
}

func TestMemoryLimiter_IndependentClients(t *testing.T) {
	clock := newFakeClock()
	l := NewMemoryLimiter(Config{Limit: 1, Window: time.Hour, Now: clock.Now})
	defer l.Stop()

	if d, _ := l.Allow(context.Background(), "a"); !d.Allowed {
		t.Fatal("client a should be allowed")
	}
	if d, _ := l.Allow(context.Background(), "b"); !d.Allowed {
		t.Fatal("client b should be allowed independently of a")
	}
	if d, _ := l.Allow(context.Background(), "a"); d.Allowed {
		t.Fatal("client a should be rejected")
	}
}

func TestMemoryLimiter_ConcurrentSameClientDoesNotUndercount(t *testing.T) {
	l := NewMemoryLimiter(Config{Limit: 5, Window: time.Hour})
	defer l.Stop()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, _ := l.Allow(context.Background(), "same-client")
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 5 {
		t.Errorf("allowed = %d, want exactly 5", allowed)
	}
}

func TestMemoryLimiter_CleanupRemovesExpiredBuckets(t *testing.T) {
	clock := newFakeClock()
	l := NewMemoryLimiter(Config{Limit: 5, Window: time.Minute, Now: clock.Now})
	defer l.Stop()

	l.Allow(context.Background(), "old")
	clock.Advance(2 * time.Minute)
	l.Allow(context.Background(), "fresh")

	if got := l.BucketCount(); got != 2 {
		t.Fatalf("BucketCount before cleanup = %d, want 2", got)
	}

	l.cleanup()

	if got := l.BucketCount(); got != 1 {
		t.Errorf("BucketCount after cleanup = %d, want 1", got)
	}

	// 削除されたクライアントも再度利用できる
	if d, _ := l.Allow(context.Background(), "old"); !d.Allowed {
		t.Error("client with removed bucket should be allowed")
	}
}

func TestMemoryLimiter_StopIsIdempotent(t *testing.T) {
	l := NewMemoryLimiter(Config{Limit: 1, Window: time.Minute, CleanupInterval: time.Millisecond})
	l.Stop()
	l.Stop()
}
