package ratelimit

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newWithClock(clock *fakeClock, buckets ...Bucket) *Limiter {
	l := New(buckets...)
	l.now = clock.Now
	return l
}

func TestLimiter_AllowUpToMax(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := newWithClock(clock, Bucket{Interval: 3 * time.Second, Max: 15, Weight: 1})

	for i := 0; i < 15; i++ {
		if !l.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if l.Allow() {
		t.Fatal("16th request inside the window should be rejected")
	}

	clock.Advance(2999 * time.Millisecond)
	if l.Allow() {
		t.Error("window has not slid yet")
	}

	clock.Advance(time.Millisecond)
	if !l.Allow() {
		t.Error("request should be allowed after the window slid")
	}
}

func TestLimiter_NoBurstAcrossWindowEdge(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := newWithClock(clock, Bucket{Interval: 3 * time.Second, Max: 15})

	// половина в начале окна, половина в конце
	for i := 0; i < 8; i++ {
		l.Allow()
	}
	clock.Advance(2500 * time.Millisecond)
	allowed := 0
	for i := 0; i < 15; i++ {
		if l.Allow() {
			allowed++
		}
	}
	if allowed != 7 {
		t.Errorf("allowed %d at window edge, want 7", allowed)
	}
}

func TestLimiter_Weights(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := newWithClock(clock, Bucket{Interval: time.Minute, Max: 10, Weight: 5})

	if !l.Allow() || !l.Allow() {
		t.Fatal("two default-weight requests should fit")
	}
	if l.Allow() {
		t.Fatal("third default-weight request should not fit")
	}
	if got := l.Used(0); got != 10 {
		t.Errorf("Used = %d, want 10", got)
	}
}

func TestLimiter_OversizedWeightIsClamped(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := newWithClock(clock, Bucket{Interval: time.Second, Max: 10, Weight: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := l.WaitN(ctx, 25); err != nil {
		t.Fatalf("oversized request on empty window: %v", err)
	}
	if used := l.Used(0); used != 10 {
		t.Errorf("used = %d, want 10 recorded for weight 25", used)
	}
	if l.Allow() {
		t.Error("window should be full")
	}

	clock.Advance(time.Second)
	if used := l.Used(0); used != 0 {
		t.Errorf("used after interval = %d, want 0", used)
	}
	if !l.Allow() {
		t.Error("window should be free after one interval")
	}
}

func TestLimiter_MultipleBuckets(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := newWithClock(clock,
		Bucket{Interval: time.Second, Max: 5},
		Bucket{Interval: time.Minute, Max: 7},
	)

	for i := 0; i < 5; i++ {
		if !l.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if l.Allow() {
		t.Fatal("per-second bucket should block")
	}

	clock.Advance(time.Second)
	if !l.Allow() || !l.Allow() {
		t.Fatal("two more requests should fit into the minute bucket")
	}
	if l.Allow() {
		t.Error("minute bucket should block after 7 requests")
	}
}

func TestLimiter_Drain(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := newWithClock(clock, Bucket{Interval: time.Second, Max: 100})

	l.Drain(5 * time.Second)
	if l.Allow() {
		t.Fatal("drained limiter should reject")
	}
	clock.Advance(4 * time.Second)
	if l.Allow() {
		t.Fatal("drained limiter should reject until retry-after elapses")
	}
	clock.Advance(time.Second)
	if !l.Allow() {
		t.Error("limiter should admit after retry-after")
	}
}

func TestLimiter_DrainDefaultsToLongestInterval(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := newWithClock(clock,
		Bucket{Interval: time.Second, Max: 100},
		Bucket{Interval: 10 * time.Second, Max: 100},
	)

	l.Drain(0)
	clock.Advance(9 * time.Second)
	if l.Allow() {
		t.Fatal("should stay blocked for the longest interval")
	}
	clock.Advance(time.Second)
	if !l.Allow() {
		t.Error("should admit after the longest interval")
	}
}

func TestLimiter_WaitRespectsContext(t *testing.T) {
	l := New(Bucket{Interval: time.Hour, Max: 1})
	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx); err != context.DeadlineExceeded {
		t.Errorf("Wait error = %v, want DeadlineExceeded", err)
	}
}

// В любом скользящем окне 300ms выходит не более 15 запросов.
func TestLimiter_SlidingWindowProperty(t *testing.T) {
	const (
		interval = 300 * time.Millisecond
		max      = 15
		total    = 40
	)
	l := New(Bucket{Interval: interval, Max: max})

	var (
		times []time.Time
		wg    sync.WaitGroup
	)
	// вызывается под lock'ом лимитера
	l.onGrant = func(at time.Time, _ int) { times = append(times, at) }

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < total; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Wait(ctx); err != nil {
				t.Errorf("Wait: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(times) != total {
		t.Fatalf("granted %d, want %d", len(times), total)
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	for i := range times {
		count := 0
		for j := i; j < len(times) && times[j].Sub(times[i]) < interval; j++ {
			count++
		}
		if count > max {
			t.Fatalf("%d requests inside one window starting at #%d, max %d", count, i, max)
		}
	}
}

func TestNew_IgnoresInvalidBuckets(t *testing.T) {
	l := New(Bucket{Interval: 0, Max: 10}, Bucket{Interval: time.Second, Max: 0}, Bucket{Interval: time.Second, Max: 2})
	if got := len(l.Buckets()); got != 1 {
		t.Fatalf("Buckets = %d, want 1", got)
	}
	if l.Buckets()[0].Weight != 1 {
		t.Error("zero weight should default to 1")
	}
}
