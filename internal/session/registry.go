// Package session keeps leases on live activation sessions between the
// activation and verification requests.
package session

import (
	"context"
	"time"
)

// Entry is one leased activation session. Handle is owned by the entry
// until the entry is released.
type Entry struct {
	ID        string    `json:"id"`
	CouponID  string    `json:"coupon_id"`
	Email     string    `json:"email"`
	Handle    string    `json:"handle"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Releaser frees the automation resource behind a handle.
type Releaser interface {
	Release(ctx context.Context, handle string) error
}

// Registry stores session leases. Get returns (nil, nil) for both unknown
// and expired sessions. Release removes the entry and frees its handle;
// when callers race only the one that removed the entry frees the handle.
type Registry interface {
	Create(ctx context.Context, couponID, email, handle string, ttl time.Duration) (*Entry, error)
	Get(ctx context.Context, id string) (*Entry, error)
	Release(ctx context.Context, id string) error
	ReleaseExpired(ctx context.Context, now time.Time) (int, error)
	// ReleaseCoupon releases every session open against couponID.
	ReleaseCoupon(ctx context.Context, couponID string) (int, error)
	Close(ctx context.Context) error
}
