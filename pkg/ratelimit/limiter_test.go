package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestStore(now *time.Time) *MemoryStore {
	s := NewMemoryStore(0)
	s.now = func() time.Time { return *now }
	return s
}

func TestAdmitWithinCapacity(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := New(newTestStore(&now), 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Admit(ctx, "hook-a")
		if err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("admission %d should be allowed", i+1)
		}
		if d.Remaining != 3-(i+1) {
			t.Fatalf("admission %d: remaining=%d want %d", i+1, d.Remaining, 3-(i+1))
		}
	}

	d, err := l.Admit(ctx, "hook-a")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("4th admission within window must be denied")
	}
	if d.Remaining != 0 {
		t.Fatalf("denied decision remaining=%d want 0", d.Remaining)
	}
	if got := d.RetryAfter(now); got <= 0 {
		t.Fatalf("denied decision must carry a positive retry hint, got %v", got)
	}
}

func TestWindowResetRestartsAtOne(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := New(newTestStore(&now), 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := l.Admit(ctx, "hook-a"); err != nil {
			t.Fatal(err)
		}
	}

	now = now.Add(61 * time.Second)
	d, err := l.Admit(ctx, "hook-a")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatal("first admission of a fresh window must be allowed")
	}
	if d.Remaining != 1 {
		t.Fatalf("fresh window should restart at count 1: remaining=%d want 1", d.Remaining)
	}
	if !d.ResetAt.After(now) {
		t.Fatalf("fresh window resetAt=%v must be after now=%v", d.ResetAt, now)
	}
}

func TestIdentitiesAreIndependent(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := New(newTestStore(&now), 1, time.Minute)
	ctx := context.Background()

	if d, _ := l.Admit(ctx, "hook-a"); !d.Allowed {
		t.Fatal("hook-a first call should pass")
	}
	if d, _ := l.Admit(ctx, "hook-a"); d.Allowed {
		t.Fatal("hook-a second call should be denied")
	}
	if d, _ := l.Admit(ctx, "hook-b"); !d.Allowed {
		t.Fatal("hook-b must not be affected by hook-a's counter")
	}
}

func TestConcurrentAdmissionsNeverExceedCapacity(t *testing.T) {
	const capacity = 100
	l := New(NewMemoryStore(0), capacity, time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 250; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Admit(ctx, "hook-a")
			if err != nil {
				t.Error(err)
				return
			}
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != capacity {
		t.Fatalf("allowed=%d admissions, want exactly %d", allowed, capacity)
	}
}

func TestMemoryStoreEvictsOldestIdentity(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(2)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	_, _, _ = s.Incr(ctx, "a", time.Minute)
	_, _, _ = s.Incr(ctx, "b", time.Minute)
	_, _, _ = s.Incr(ctx, "a", time.Minute) // refresh a; b becomes oldest
	_, _, _ = s.Incr(ctx, "c", time.Minute) // evicts b

	count, _, _ := s.Incr(ctx, "b", time.Minute)
	if count != 1 {
		t.Fatalf("evicted identity should restart at 1, got %d", count)
	}
	count, _, _ = s.Incr(ctx, "a", time.Minute)
	if count != 3 {
		t.Fatalf("retained identity should keep its count, got %d", count)
	}
}
