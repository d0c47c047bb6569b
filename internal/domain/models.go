package domain

import (
	"fmt"
	"time"
)

// State is the persisted lifecycle state of a coupon. The string values are
// stored verbatim in the coupons.state column.
type State string

const (
	StateUnused       State = "unused"
	StateReserved     State = "reserved"
	StateUsed         State = "used"
	StateInvalid      State = "invalid"
	StateUnblinded    State = "unblinded"
	StatePendingAdmin State = "pending_admin"
)

var states = []State{
	StateUnused,
	StateReserved,
	StateUsed,
	StateInvalid,
	StateUnblinded,
	StatePendingAdmin,
}

// States returns every legal coupon state.
func States() []State {
	out := make([]State, len(states))
	copy(out, states)
	return out
}

func (s State) Valid() bool {
	for _, st := range states {
		if s == st {
			return true
		}
	}
	return false
}

// Stuck reports whether the state waits on an administrator.
func (s State) Stuck() bool {
	return s == StateUnblinded || s == StatePendingAdmin
}

func (s State) String() string {
	return string(s)
}

func ParseState(raw string) (State, error) {
	s := State(raw)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidState, raw)
	}
	return s, nil
}

type Coupon struct {
	ID                string
	Code              string
	State             State
	ReservedBy        *string
	ReservedAt        *time.Time
	ReservedExpiresAt *time.Time
	UsedBy            *string
	UsedAt            *time.Time
	Meta              map[string]any
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ReservedFor reports whether the coupon is held by contact with a
// reservation that has not lapsed at now.
func (c *Coupon) ReservedFor(contact string, now time.Time) bool {
	if c == nil || c.State != StateReserved || c.ReservedBy == nil || c.ReservedExpiresAt == nil {
		return false
	}
	return *c.ReservedBy == contact && now.Before(*c.ReservedExpiresAt)
}

// ReservationRemaining is the time left on the reservation, or zero.
func (c *Coupon) ReservationRemaining(now time.Time) time.Duration {
	if c == nil || c.ReservedExpiresAt == nil {
		return 0
	}
	d := c.ReservedExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

const RoleAdmin = "admin"

// AdminUser is an operator allowed to sign in to the admin routes.
type AdminUser struct {
	ID           string
	Email        string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

type AuditEvent struct {
	ID        string
	Action    string
	Details   map[string]any
	CreatedAt time.Time
}
