package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/azizikri/coupon-redeem/internal/audit"
	"github.com/azizikri/coupon-redeem/internal/domain"
	"github.com/google/uuid"
)

func TestCreateCoupon_Success(t *testing.T) {
	f := newFixture(t)

	c, err := f.coupons.CreateCoupon(context.Background(), "", " WELCOME-1 ", map[string]any{"batch": "may"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, err := uuid.Parse(c.ID); err != nil {
		t.Fatalf("expected generated uuid, got %q", c.ID)
	}
	if c.Code != "WELCOME-1" || c.State != domain.StateUnused {
		t.Fatalf("unexpected coupon %+v", c)
	}

	logs, _ := f.store.ListAuditLogs(context.Background(), 10)
	if len(logs) != 1 || logs[0].Action != audit.ActionAdminAddCoupon {
		t.Fatalf("expected admin_add_coupon log written with the coupon, got %+v", logs)
	}
}

func TestCreateCoupon_Duplicate(t *testing.T) {
	f := newFixture(t)
	if _, err := f.coupons.CreateCoupon(context.Background(), "", "DUP", nil); err != nil {
		t.Fatalf("first create: %v", err)
	}

	_, err := f.coupons.CreateCoupon(context.Background(), "", "DUP", nil)
	if !errors.Is(err, domain.ErrDuplicateCoupon) {
		t.Fatalf("expected ErrDuplicateCoupon, got %v", err)
	}
}

func TestCreateCoupon_InvalidInput(t *testing.T) {
	f := newFixture(t)

	if _, err := f.coupons.CreateCoupon(context.Background(), "", "  ", nil); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty code, got %v", err)
	}
	if _, err := f.coupons.CreateCoupon(context.Background(), "C1", "CODE", nil); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for bad id, got %v", err)
	}
}

func TestGetCoupon_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.coupons.GetCoupon(context.Background(), uuid.NewString())
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListStuck(t *testing.T) {
	f := newFixture(t)
	f.addCoupon(domain.StateUnused)
	f.addCoupon(domain.StateUsed)
	u := f.addCoupon(domain.StateUnblinded)
	p := f.addCoupon(domain.StatePendingAdmin)

	stuck, err := f.coupons.ListStuck(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(stuck) != 2 {
		t.Fatalf("expected 2 stuck coupons, got %d", len(stuck))
	}
	got := map[string]bool{stuck[0].ID: true, stuck[1].ID: true}
	if !got[u] || !got[p] {
		t.Fatalf("unexpected stuck coupons %v", got)
	}
}

func TestRevalidate_ClearsUse(t *testing.T) {
	f := newFixture(t)
	id := f.addCoupon(domain.StateUnused)
	if _, err := f.redeem.StartRedeem(context.Background(), "a@x.com", id); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	c, err := f.coupons.Revalidate(context.Background(), id)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.State != domain.StateUnused || c.UsedBy != nil || c.UsedAt != nil || c.ReservedBy != nil {
		t.Fatalf("expected a clean unused coupon, got %+v", c)
	}
	if !f.sink.has(audit.ActionAdminRevalidate) {
		t.Fatal("expected revalidate audit event")
	}
}

func TestRevalidate_StuckCoupon(t *testing.T) {
	f := newFixture(t)
	id := f.addCoupon(domain.StatePendingAdmin)

	c, err := f.coupons.Revalidate(context.Background(), id)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.State != domain.StateUnused {
		t.Fatalf("expected unused, got %s", c.State)
	}
}

func TestRevalidate_ReservedNotAvailable(t *testing.T) {
	f := newFixture(t)
	id := f.addCoupon(domain.StateUnused)
	if _, err := f.machine.TryReserve(context.Background(), id, "a@x.com"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	_, err := f.coupons.Revalidate(context.Background(), id)
	if !errors.Is(err, domain.ErrNotAvailable) {
		t.Fatalf("expected ErrNotAvailable, got %v", err)
	}
	if c := f.store.get(t, id); c.State != domain.StateReserved {
		t.Fatalf("expected reservation untouched, got %s", c.State)
	}
}

func TestRevalidate_UnusedUnchanged(t *testing.T) {
	f := newFixture(t)
	id := f.addCoupon(domain.StateUnused)

	c, err := f.coupons.Revalidate(context.Background(), id)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.State != domain.StateUnused {
		t.Fatalf("expected unused, got %s", c.State)
	}
	if f.store.updateCount() != 0 {
		t.Fatal("expected no write")
	}
	if f.sink.has(audit.ActionAdminRevalidate) {
		t.Fatal("expected no revalidate audit event for an unchanged coupon")
	}
	if _, err := f.coupons.ResetCoupon(context.Background(), id); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if f.sink.has(audit.ActionAdminReset) {
		t.Fatal("expected no reset audit event for an unchanged coupon")
	}
}

func TestResetCoupon_ThenRedeemAgain(t *testing.T) {
	f := newFixture(t)
	id := f.addCoupon(domain.StateInvalid)

	if _, err := f.coupons.ResetCoupon(context.Background(), id); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !f.sink.has(audit.ActionAdminReset) {
		t.Fatal("expected reset audit event")
	}

	f.clock.Advance(time.Minute)
	res, err := f.redeem.StartRedeem(context.Background(), "b@x.com", id)
	if err != nil || !res.Success {
		t.Fatalf("expected redeem after reset, got %+v %v", res, err)
	}
}

func TestResetCoupon_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.coupons.ResetCoupon(context.Background(), uuid.NewString())
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
