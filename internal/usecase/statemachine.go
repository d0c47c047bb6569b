package usecase

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/azizikri/coupon-redeem/internal/domain"
	"github.com/azizikri/coupon-redeem/internal/repository"
	"github.com/azizikri/coupon-redeem/internal/telemetry"
)

// Outcome is how a reservation is settled.
type Outcome string

const (
	OutcomeUsed         Outcome = "used"
	OutcomeRollback     Outcome = "rollback"
	OutcomeInvalid      Outcome = "invalid"
	OutcomeUnblinded    Outcome = "unblinded"
	OutcomePendingAdmin Outcome = "pending_admin"
)

func (o Outcome) target() (domain.State, error) {
	switch o {
	case OutcomeUsed:
		return domain.StateUsed, nil
	case OutcomeRollback:
		return domain.StateUnused, nil
	case OutcomeInvalid:
		return domain.StateInvalid, nil
	case OutcomeUnblinded:
		return domain.StateUnblinded, nil
	case OutcomePendingAdmin:
		return domain.StatePendingAdmin, nil
	default:
		return "", fmt.Errorf("unknown outcome %q", o)
	}
}

// transitions lists every move the redemption flow may make. Leaving a
// terminal or stuck state is only possible through adminTransitions.
var transitions = map[domain.State]map[domain.State]bool{
	domain.StateUnused: {
		domain.StateReserved: true,
	},
	domain.StateReserved: {
		domain.StateUsed:         true,
		domain.StateUnused:       true,
		domain.StateInvalid:      true,
		domain.StateUnblinded:    true,
		domain.StatePendingAdmin: true,
	},
}

var adminTransitions = map[domain.State]bool{
	domain.StateUsed:         true,
	domain.StateInvalid:      true,
	domain.StateUnblinded:    true,
	domain.StatePendingAdmin: true,
}

func CanTransition(from, to domain.State) bool {
	return transitions[from][to]
}

// StateMachine owns every coupon state change. Each change is a single
// conditional update, so concurrent callers never both win.
type StateMachine struct {
	store   repository.Store
	ttl     time.Duration
	now     func() time.Time
	metrics *telemetry.Metrics
}

func NewStateMachine(store repository.Store, reservationTTL time.Duration, metrics *telemetry.Metrics) *StateMachine {
	return &StateMachine{
		store:   store,
		ttl:     reservationTTL,
		now:     time.Now,
		metrics: metrics,
	}
}

// SetClock replaces the time source.
func (m *StateMachine) SetClock(now func() time.Time) {
	m.now = now
}

func (m *StateMachine) Now() time.Time {
	return m.now()
}

func (m *StateMachine) apply(ctx context.Context, id string, from, to domain.State, guard repository.Guard, patch repository.Patch) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrIllegalTransition, from, to)
	}
	patch.State = to
	n, err := m.store.ConditionalUpdate(ctx, id, from, guard, patch)
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrTransitionRejected
	}
	m.metrics.Transition(ctx, string(from), string(to))
	return nil
}

// TryReserve holds an unused coupon for contact. It returns
// domain.ErrNotFound or a *domain.NotAvailableError when it loses.
func (m *StateMachine) TryReserve(ctx context.Context, id, contact string) (*domain.Coupon, error) {
	now := m.now()
	err := m.apply(ctx, id, domain.StateUnused, domain.StateReserved, repository.Guard{}, repository.Patch{
		Reservation: &repository.Reservation{
			By:        contact,
			At:        now,
			ExpiresAt: now.Add(m.ttl),
		},
	})
	if err != nil && !errors.Is(err, domain.ErrTransitionRejected) {
		return nil, err
	}

	c, findErr := m.store.FindByID(ctx, id)
	if err != nil {
		if findErr != nil {
			return nil, findErr
		}
		if c == nil {
			return nil, domain.ErrNotFound
		}
		return nil, &domain.NotAvailableError{Coupon: c}
	}

	if findErr != nil || c == nil {
		if rbErr := m.Finalize(ctx, id, contact, OutcomeRollback); rbErr != nil {
			log.Printf("statemachine: rollback of %s after failed reload: %v", id, rbErr)
		}
		if findErr == nil {
			findErr = domain.ErrNotFound
		}
		return nil, fmt.Errorf("reload reserved coupon: %w", findErr)
	}
	return c, nil
}

// Finalize settles a reservation held by contact. Moving to used also
// requires the reservation to be unexpired.
func (m *StateMachine) Finalize(ctx context.Context, id, contact string, outcome Outcome) error {
	to, err := outcome.target()
	if err != nil {
		return err
	}
	now := m.now()
	guard := repository.Guard{ReservedBy: contact}
	var patch repository.Patch

	switch outcome {
	case OutcomeUsed:
		guard.ActiveAt = now
		patch.Use = &repository.Use{By: contact, At: now}
		patch.ClearReservation = true
	case OutcomeRollback:
		patch.ClearReservation = true
	}
	return m.apply(ctx, id, domain.StateReserved, to, guard, patch)
}

// Quarantined reports where Quarantine left a coupon. Displaced is the
// contact whose reservation was taken over, if any.
type Quarantined struct {
	State     domain.State
	Displaced string
}

// Quarantine moves a coupon to a stuck state after the third party applied
// its code for contact but the reservation was already gone. The stuck row
// always names contact as the reservation holder. A reservation held by
// someone else is taken over only while it still names that holder, and the
// holder is reported back so its session can be released. An unused coupon
// is reserved for contact first, so every step is a legal transition.
func (m *StateMachine) Quarantine(ctx context.Context, id, contact string, to domain.State) (*Quarantined, error) {
	if !to.Stuck() {
		return nil, fmt.Errorf("%w: quarantine to %s", domain.ErrIllegalTransition, to)
	}
	for attempt := 0; attempt < 4; attempt++ {
		c, err := m.store.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if c == nil {
			return nil, domain.ErrNotFound
		}

		now := m.now()
		meta := map[string]any{"applied_by": contact}
		var displaced string

		switch c.State {
		case domain.StateReserved:
			holder := ""
			if c.ReservedBy != nil {
				holder = *c.ReservedBy
			}
			patch := repository.Patch{Meta: meta}
			if holder != contact {
				displaced = holder
				meta["displaced_holder"] = holder
				patch.Reservation = &repository.Reservation{By: contact, At: now, ExpiresAt: now}
			}
			err = m.apply(ctx, id, domain.StateReserved, to, repository.Guard{ReservedBy: holder}, patch)
			if err == nil {
				return &Quarantined{State: to, Displaced: displaced}, nil
			}
		case domain.StateUnused:
			err = m.apply(ctx, id, domain.StateUnused, domain.StateReserved, repository.Guard{}, repository.Patch{
				Reservation: &repository.Reservation{By: contact, At: now, ExpiresAt: now.Add(m.ttl)},
			})
		default:
			if c.State.Stuck() {
				return &Quarantined{State: c.State}, nil
			}
			return &Quarantined{State: c.State}, domain.ErrTransitionRejected
		}

		if err != nil && !errors.Is(err, domain.ErrTransitionRejected) {
			return nil, err
		}
	}
	return nil, domain.ErrTransitionRejected
}

// Reclaim returns an expired reservation to unused. It reports false when
// the coupon was settled or its reservation is still live.
func (m *StateMachine) Reclaim(ctx context.Context, id string, now time.Time) (bool, error) {
	err := m.apply(ctx, id, domain.StateReserved, domain.StateUnused,
		repository.Guard{ExpiredAt: now},
		repository.Patch{ClearReservation: true},
	)
	if errors.Is(err, domain.ErrTransitionRejected) {
		return false, nil
	}
	return err == nil, err
}

// Revalidate forces a settled or stuck coupon back to unused and clears
// its reservation and use. Reserved coupons are left to their holder. It
// also returns the state the coupon was in; an unused coupon comes back
// unchanged with from == unused.
func (m *StateMachine) Revalidate(ctx context.Context, id string) (c *domain.Coupon, from domain.State, err error) {
	c, err = m.store.FindByID(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if c == nil {
		return nil, "", domain.ErrNotFound
	}
	from = c.State
	if from == domain.StateUnused {
		return c, from, nil
	}
	if !adminTransitions[from] {
		return nil, from, &domain.NotAvailableError{Coupon: c}
	}

	n, err := m.store.ConditionalUpdate(ctx, id, from, repository.Guard{}, repository.Patch{
		State:            domain.StateUnused,
		ClearReservation: true,
		ClearUse:         true,
	})
	if err != nil {
		return nil, from, err
	}
	if n == 0 {
		return nil, from, domain.ErrTransitionRejected
	}
	m.metrics.Transition(ctx, string(from), string(domain.StateUnused))

	c, err = m.store.FindByID(ctx, id)
	if err != nil {
		return nil, from, err
	}
	if c == nil {
		return nil, from, domain.ErrNotFound
	}
	return c, from, nil
}
