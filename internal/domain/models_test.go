package domain

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestParseState(t *testing.T) {
	for _, s := range States() {
		got, err := ParseState(string(s))
		if err != nil {
			t.Fatalf("ParseState(%q): %v", s, err)
		}
		if got != s {
			t.Fatalf("expected %q, got %q", s, got)
		}
	}

	for _, raw := range []string{"", "unvalid", "USED", "pending-admin"} {
		if _, err := ParseState(raw); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("ParseState(%q): expected ErrInvalidState, got %v", raw, err)
		}
	}
}

func TestStateStuck(t *testing.T) {
	if !StateUnblinded.Stuck() || !StatePendingAdmin.Stuck() {
		t.Fatal("expected unblinded and pending_admin to be stuck")
	}
	if StateReserved.Stuck() || StateUsed.Stuck() {
		t.Fatal("expected reserved and used not to be stuck")
	}
}

func TestReservedFor(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	email := "a@x.com"
	expires := now.Add(time.Minute)
	c := &Coupon{State: StateReserved, ReservedBy: &email, ReservedExpiresAt: &expires}

	if !c.ReservedFor(email, now) {
		t.Fatal("expected active reservation")
	}
	if c.ReservedFor("b@x.com", now) {
		t.Fatal("expected other contact to be rejected")
	}
	if c.ReservedFor(email, expires) {
		t.Fatal("expected reservation to lapse at its deadline")
	}
	if got := c.ReservationRemaining(now); got != time.Minute {
		t.Fatalf("expected 1m remaining, got %s", got)
	}
	if got := c.ReservationRemaining(expires.Add(time.Second)); got != 0 {
		t.Fatalf("expected 0 remaining, got %s", got)
	}
}

func TestTypedErrors(t *testing.T) {
	var err error = &NotAvailableError{Coupon: &Coupon{State: StateUsed}}
	if !errors.Is(err, ErrNotAvailable) {
		t.Fatal("expected NotAvailableError to match ErrNotAvailable")
	}

	err = &EngineError{Message: "timeout", Err: context.DeadlineExceeded}
	if !errors.Is(err, ErrEngineFailure) {
		t.Fatal("expected EngineError to match ErrEngineFailure")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("expected EngineError to unwrap its cause")
	}
}
