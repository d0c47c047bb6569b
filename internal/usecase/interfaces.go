package usecase

import (
	"context"

	"github.com/azizikri/coupon-redeem/internal/domain"
)

// RedeemUsecase is what the public redemption endpoints need.
type RedeemUsecase interface {
	StartRedeem(ctx context.Context, email, couponID string) (*StartResult, error)
	SubmitVerification(ctx context.Context, sessionID, otp string) (*VerifyResult, error)
	SessionStatus(ctx context.Context, sessionID string) (*SessionStatus, error)
}

// CouponUsecase is what the admin endpoints need.
type CouponUsecase interface {
	CreateCoupon(ctx context.Context, id, code string, meta map[string]any) (*domain.Coupon, error)
	GetCoupon(ctx context.Context, id string) (*domain.Coupon, error)
	ListCoupons(ctx context.Context) ([]domain.Coupon, error)
	ListStuck(ctx context.Context) ([]domain.Coupon, error)
	Revalidate(ctx context.Context, id string) (*domain.Coupon, error)
	ResetCoupon(ctx context.Context, id string) (*domain.Coupon, error)
	ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditEvent, error)
}

// AdminUsecase is what admin sign-in and operator management need.
type AdminUsecase interface {
	Authenticate(ctx context.Context, email, password string) (*domain.AdminUser, error)
	CreateAdmin(ctx context.Context, email, password string) (*domain.AdminUser, error)
}

var (
	_ RedeemUsecase = (*RedeemService)(nil)
	_ CouponUsecase = (*CouponService)(nil)
	_ AdminUsecase  = (*AdminService)(nil)
)
