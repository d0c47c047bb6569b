package usecase

import (
	"context"
	"fmt"
	"strings"

	"github.com/azizikri/coupon-redeem/internal/audit"
	"github.com/azizikri/coupon-redeem/internal/domain"
	"github.com/azizikri/coupon-redeem/internal/repository"
	"github.com/google/uuid"
)

// CouponService holds the administrative coupon operations.
type CouponService struct {
	store   repository.Store
	machine *StateMachine
	audit   audit.Sink
}

func NewCouponService(machine *StateMachine, sink audit.Sink) *CouponService {
	if sink == nil {
		sink = audit.Nop{}
	}
	return &CouponService{
		store:   machine.store,
		machine: machine,
		audit:   sink,
	}
}

// CreateCoupon adds an unused coupon. An empty id gets a generated one.
func (s *CouponService) CreateCoupon(ctx context.Context, id, code string, meta map[string]any) (*domain.Coupon, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("%w: code is required", domain.ErrInvalidInput)
	}
	if id == "" {
		id = uuid.NewString()
	} else if err := validateID(id); err != nil {
		return nil, err
	}

	c := &domain.Coupon{
		ID:    id,
		Code:  code,
		State: domain.StateUnused,
		Meta:  meta,
	}
	err := s.store.ExecTx(ctx, func(q repository.Querier) error {
		if err := q.CreateCoupon(ctx, c); err != nil {
			return err
		}
		return q.InsertAuditLog(ctx, audit.NewEvent(audit.ActionAdminAddCoupon, map[string]any{
			"coupon_id": c.ID,
			"code":      c.Code,
		}))
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *CouponService) GetCoupon(ctx context.Context, id string) (*domain.Coupon, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	c, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, domain.ErrNotFound
	}
	return c, nil
}

func (s *CouponService) ListCoupons(ctx context.Context) ([]domain.Coupon, error) {
	return s.store.ListCoupons(ctx)
}

// ListStuck returns coupons waiting on an administrator.
func (s *CouponService) ListStuck(ctx context.Context) ([]domain.Coupon, error) {
	return s.store.Find(ctx, domain.StateUnblinded, domain.StatePendingAdmin)
}

func (s *CouponService) Revalidate(ctx context.Context, id string) (*domain.Coupon, error) {
	return s.forceUnused(ctx, id, audit.ActionAdminRevalidate)
}

func (s *CouponService) ResetCoupon(ctx context.Context, id string) (*domain.Coupon, error) {
	return s.forceUnused(ctx, id, audit.ActionAdminReset)
}

func (s *CouponService) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditEvent, error) {
	return s.store.ListAuditLogs(ctx, limit)
}

func (s *CouponService) forceUnused(ctx context.Context, id, action string) (*domain.Coupon, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	c, from, err := s.machine.Revalidate(ctx, id)
	if err != nil {
		return nil, err
	}
	if from != domain.StateUnused {
		s.audit.Record(ctx, action, map[string]any{"coupon_id": id, "previous_state": from})
	}
	return c, nil
}
