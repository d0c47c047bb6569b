package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/azizikri/coupon-redeem/internal/audit"
	"github.com/azizikri/coupon-redeem/internal/domain"
)

func TestSweepOnce_ReclaimsAndReleases(t *testing.T) {
	f := newFixture(t)
	id := f.addCoupon(domain.StateUnused)
	f.engine.activateFn = needsVerification("H")
	res, err := f.redeem.StartRedeem(context.Background(), "a@x.com", id)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	f.clock.Advance(testTTL)
	report, err := f.sweeper.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.SessionsReleased != 1 || report.Reclaimed != 1 || report.Failed != 0 {
		t.Fatalf("unexpected report %+v", report)
	}

	c := f.store.get(t, id)
	if c.State != domain.StateUnused || c.ReservedBy != nil {
		t.Fatalf("expected unused with no reservation, got %+v", c)
	}
	if f.engine.releasedCount("H") != 1 {
		t.Fatal("expected handle released")
	}
	if st, _ := f.redeem.SessionStatus(context.Background(), res.SessionID); st.Exists {
		t.Fatal("expected session gone")
	}
	if !f.sink.has(audit.ActionCouponReclaimed) {
		t.Fatal("expected reclaim audit event")
	}
}

func TestSweepOnce_KeepsLiveReservations(t *testing.T) {
	f := newFixture(t)
	id := f.addCoupon(domain.StateUnused)
	_, _ = f.machine.TryReserve(context.Background(), id, "a@x.com")

	f.clock.Advance(testTTL - time.Second)
	report, err := f.sweeper.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Reclaimed != 0 {
		t.Fatalf("expected nothing reclaimed, got %+v", report)
	}
	if c := f.store.get(t, id); c.State != domain.StateReserved {
		t.Fatalf("expected reserved, got %s", c.State)
	}
}

func TestSweepOnce_FailureDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t)
	bad := f.addCoupon(domain.StateUnused)
	good := f.addCoupon(domain.StateUnused)
	_, _ = f.machine.TryReserve(context.Background(), bad, "a@x.com")
	_, _ = f.machine.TryReserve(context.Background(), good, "b@x.com")

	f.store.updateErrFn = func(id string) error {
		if id == bad {
			return errors.New("connection reset")
		}
		return nil
	}
	f.clock.Advance(testTTL)

	report, err := f.sweeper.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Reclaimed != 1 || report.Failed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if c := f.store.get(t, good); c.State != domain.StateUnused {
		t.Fatalf("expected good coupon reclaimed, got %s", c.State)
	}
	if c := f.store.get(t, bad); c.State != domain.StateReserved {
		t.Fatalf("expected failing coupon left for next pass, got %s", c.State)
	}
}

func TestSweepOnce_IgnoresSettledCoupons(t *testing.T) {
	f := newFixture(t)
	f.addCoupon(domain.StateUsed)
	f.addCoupon(domain.StatePendingAdmin)

	f.clock.Advance(time.Hour)
	report, err := f.sweeper.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report != (SweepReport{}) {
		t.Fatalf("expected empty report, got %+v", report)
	}
}

func TestSweeperRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	sw := NewSweeper(f.machine, f.sessions, f.sink, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
