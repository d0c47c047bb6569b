package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRegistry keeps leases in process memory.
type MemoryRegistry struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	releaser Releaser
	now      func() time.Time
}

func NewMemoryRegistry(releaser Releaser) *MemoryRegistry {
	return &MemoryRegistry{
		entries:  make(map[string]*Entry),
		releaser: releaser,
		now:      time.Now,
	}
}

// SetClock replaces the time source.
func (r *MemoryRegistry) SetClock(now func() time.Time) {
	r.now = now
}

func (r *MemoryRegistry) Create(ctx context.Context, couponID, email, handle string, ttl time.Duration) (*Entry, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("session ttl must be positive, got %s", ttl)
	}
	now := r.now()
	e := &Entry{
		ID:        uuid.NewString(),
		CouponID:  couponID,
		Email:     email,
		Handle:    handle,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	r.mu.Lock()
	r.entries[e.ID] = e
	r.mu.Unlock()

	out := *e
	return &out, nil
}

func (r *MemoryRegistry) Get(ctx context.Context, id string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.Expired(r.now()) {
		return nil, nil
	}
	out := *e
	return &out, nil
}

func (r *MemoryRegistry) Release(ctx context.Context, id string) error {
	e := r.take(id)
	if e == nil {
		return nil
	}
	return r.close(ctx, e)
}

func (r *MemoryRegistry) ReleaseExpired(ctx context.Context, now time.Time) (int, error) {
	return r.releaseWhere(ctx, func(e *Entry) bool { return e.Expired(now) })
}

func (r *MemoryRegistry) ReleaseCoupon(ctx context.Context, couponID string) (int, error) {
	return r.releaseWhere(ctx, func(e *Entry) bool { return e.CouponID == couponID })
}

func (r *MemoryRegistry) releaseWhere(ctx context.Context, match func(*Entry) bool) (int, error) {
	r.mu.Lock()
	var ids []string
	for id, e := range r.entries {
		if match(e) {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	released := 0
	var errs []error
	for _, id := range ids {
		e := r.take(id)
		if e == nil {
			continue
		}
		released++
		if err := r.close(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return released, errors.Join(errs...)
}

// Close releases every session; used on shutdown.
func (r *MemoryRegistry) Close(ctx context.Context) error {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*Entry)
	r.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if err := r.close(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len reports the number of live entries, expired or not.
func (r *MemoryRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *MemoryRegistry) take(id string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil
	}
	delete(r.entries, id)
	return e
}

func (r *MemoryRegistry) close(ctx context.Context, e *Entry) error {
	if r.releaser == nil || e.Handle == "" {
		return nil
	}
	if err := r.releaser.Release(ctx, e.Handle); err != nil {
		log.Printf("session: failed to release handle for %s: %v", e.ID, err)
		return fmt.Errorf("release session %s: %w", e.ID, err)
	}
	return nil
}
