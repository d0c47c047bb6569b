package usecase

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/azizikri/coupon-redeem/internal/audit"
	"github.com/azizikri/coupon-redeem/internal/session"
)

type SweepReport struct {
	SessionsReleased int
	Reclaimed        int
	Failed           int
}

// Sweeper frees expired sessions and returns expired reservations to
// unused on a fixed interval.
type Sweeper struct {
	machine  *StateMachine
	sessions session.Registry
	audit    audit.Sink
	interval time.Duration
}

func NewSweeper(machine *StateMachine, sessions session.Registry, sink audit.Sink, interval time.Duration) *Sweeper {
	if sink == nil {
		sink = audit.Nop{}
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		machine:  machine,
		sessions: sessions,
		audit:    sink,
		interval: interval,
	}
}

// Run sweeps until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Printf("Sweeper started (interval %s)", s.interval)
	for {
		select {
		case <-ctx.Done():
			log.Println("Sweeper stopped")
			return
		case <-ticker.C:
			report, err := s.SweepOnce(ctx)
			if err != nil {
				log.Printf("sweeper: %v", err)
			}
			if report.SessionsReleased > 0 || report.Reclaimed > 0 || report.Failed > 0 {
				log.Printf("sweeper: released %d sessions, reclaimed %d coupons, %d failed",
					report.SessionsReleased, report.Reclaimed, report.Failed)
			}
		}
	}
}

// SweepOnce runs a single pass. A coupon that fails to reclaim is counted
// and left for the next pass; it never stops the others.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := s.machine.Now()

	released, err := s.sessions.ReleaseExpired(ctx, now)
	report.SessionsReleased = released
	if err != nil {
		log.Printf("sweeper: release expired sessions: %v", err)
	}

	expired, err := s.machine.store.ListExpiredReservations(ctx, now)
	if err != nil {
		return report, fmt.Errorf("list expired reservations: %w", err)
	}

	for _, c := range expired {
		ok, err := s.machine.Reclaim(ctx, c.ID, now)
		if err != nil {
			report.Failed++
			log.Printf("sweeper: reclaim %s: %v", c.ID, err)
			continue
		}
		if !ok {
			continue
		}
		report.Reclaimed++
		details := map[string]any{"coupon_id": c.ID}
		if c.ReservedBy != nil {
			details["reserved_by"] = *c.ReservedBy
		}
		if c.ReservedExpiresAt != nil {
			details["expired_at"] = *c.ReservedExpiresAt
		}
		s.audit.Record(ctx, audit.ActionCouponReclaimed, details)
	}
	s.machine.metrics.Reclaimed(ctx, report.Reclaimed)

	return report, nil
}
