package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type countingReleaser struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
}

func newCountingReleaser() *countingReleaser {
	return &countingReleaser{calls: make(map[string]int)}
}

func (c *countingReleaser) Release(ctx context.Context, handle string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[handle]++
	return c.err
}

func (c *countingReleaser) count(handle string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[handle]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newMemoryForTest() (*MemoryRegistry, *countingReleaser, *fakeClock) {
	rel := newCountingReleaser()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	r := NewMemoryRegistry(rel)
	r.now = clock.Now
	return r, rel, clock
}

func TestMemoryRegistryCreateGet(t *testing.T) {
	r, _, clock := newMemoryForTest()
	ctx := context.Background()

	e, err := r.Create(ctx, "c1", "a@x.com", "h1", time.Minute)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if e.ID == "" {
		t.Fatal("expected generated id")
	}
	if !e.ExpiresAt.Equal(clock.Now().Add(time.Minute)) {
		t.Fatalf("unexpected expiry %s", e.ExpiresAt)
	}

	got, err := r.Get(ctx, e.ID)
	if err != nil || got == nil {
		t.Fatalf("expected entry, got %v, %v", got, err)
	}
	if got.CouponID != "c1" || got.Email != "a@x.com" || got.Handle != "h1" {
		t.Fatalf("unexpected entry %+v", got)
	}

	if _, err := r.Create(ctx, "c1", "a@x.com", "h1", 0); err == nil {
		t.Fatal("expected error for zero ttl")
	}
}

func TestMemoryRegistryGetExpiredIsAbsent(t *testing.T) {
	r, _, clock := newMemoryForTest()
	ctx := context.Background()
	e, _ := r.Create(ctx, "c1", "a@x.com", "h1", time.Minute)

	clock.Advance(time.Minute)
	got, err := r.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatal("expected expired session to be absent")
	}

	got, _ = r.Get(ctx, "never-created")
	if got != nil {
		t.Fatal("expected unknown session to be absent")
	}
}

func TestMemoryRegistryReleaseIsIdempotent(t *testing.T) {
	r, rel, _ := newMemoryForTest()
	ctx := context.Background()
	e, _ := r.Create(ctx, "c1", "a@x.com", "h1", time.Minute)

	if err := r.Release(ctx, e.ID); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := r.Release(ctx, e.ID); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if got := rel.count("h1"); got != 1 {
		t.Fatalf("expected handle closed once, got %d", got)
	}
	if got, _ := r.Get(ctx, e.ID); got != nil {
		t.Fatal("expected released session to be absent")
	}
}

func TestMemoryRegistryConcurrentReleaseClosesOnce(t *testing.T) {
	r, rel, clock := newMemoryForTest()
	ctx := context.Background()
	e, _ := r.Create(ctx, "c1", "a@x.com", "h1", time.Minute)
	clock.Advance(2 * time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = r.Release(ctx, e.ID)
		}()
		go func() {
			defer wg.Done()
			_, _ = r.ReleaseExpired(ctx, clock.Now())
		}()
	}
	wg.Wait()

	if got := rel.count("h1"); got != 1 {
		t.Fatalf("expected handle closed exactly once, got %d", got)
	}
}

func TestMemoryRegistryReleaseExpired(t *testing.T) {
	r, rel, clock := newMemoryForTest()
	ctx := context.Background()
	_, _ = r.Create(ctx, "c1", "a@x.com", "short", time.Minute)
	long, _ := r.Create(ctx, "c2", "b@x.com", "long", 10*time.Minute)

	clock.Advance(5 * time.Minute)
	n, err := r.ReleaseExpired(ctx, clock.Now())
	if err != nil {
		t.Fatalf("release expired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 released, got %d", n)
	}
	if rel.count("short") != 1 || rel.count("long") != 0 {
		t.Fatalf("unexpected releases %v", rel.calls)
	}
	if got, _ := r.Get(ctx, long.ID); got == nil {
		t.Fatal("expected long session to survive")
	}
}

func TestMemoryRegistryReleaseCoupon(t *testing.T) {
	r, rel, _ := newMemoryForTest()
	ctx := context.Background()
	_, _ = r.Create(ctx, "c1", "a@x.com", "h1", time.Minute)
	other, _ := r.Create(ctx, "c2", "b@x.com", "h2", time.Minute)

	n, err := r.ReleaseCoupon(ctx, "c1")
	if err != nil {
		t.Fatalf("release coupon: %v", err)
	}
	if n != 1 || rel.count("h1") != 1 || rel.count("h2") != 0 {
		t.Fatalf("expected only c1 released, got n=%d calls=%v", n, rel.calls)
	}
	if got, _ := r.Get(ctx, other.ID); got == nil {
		t.Fatal("expected c2 session to survive")
	}
	if n, _ := r.ReleaseCoupon(ctx, "c1"); n != 0 {
		t.Fatalf("expected nothing left for c1, got %d", n)
	}
}

func TestMemoryRegistryReleaseErrorStillRemoves(t *testing.T) {
	r, rel, _ := newMemoryForTest()
	rel.err = errors.New("worker gone")
	ctx := context.Background()
	e, _ := r.Create(ctx, "c1", "a@x.com", "h1", time.Minute)

	if err := r.Release(ctx, e.ID); err == nil {
		t.Fatal("expected release error to surface")
	}
	if r.Len() != 0 {
		t.Fatal("expected entry removed even when close fails")
	}
	if err := r.Release(ctx, e.ID); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if rel.count("h1") != 1 {
		t.Fatalf("expected one close attempt, got %d", rel.count("h1"))
	}
}

func TestMemoryRegistryClose(t *testing.T) {
	r, rel, _ := newMemoryForTest()
	ctx := context.Background()
	_, _ = r.Create(ctx, "c1", "a@x.com", "h1", time.Minute)
	_, _ = r.Create(ctx, "c2", "b@x.com", "h2", time.Minute)

	if err := r.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if rel.count("h1") != 1 || rel.count("h2") != 1 {
		t.Fatalf("expected both handles released, got %v", rel.calls)
	}
	if r.Len() != 0 {
		t.Fatal("expected registry empty after close")
	}
}
