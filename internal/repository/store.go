package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/azizikri/coupon-redeem/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the only mutator of coupon rows. Lookups return (nil, nil) when
// the row does not exist.
type Store interface {
	ExecTx(ctx context.Context, fn func(Querier) error) error
	FindByID(ctx context.Context, id string) (*domain.Coupon, error)
	FindByCode(ctx context.Context, code string) (*domain.Coupon, error)
	Find(ctx context.Context, states ...domain.State) ([]domain.Coupon, error)
	ListCoupons(ctx context.Context) ([]domain.Coupon, error)
	ListExpiredReservations(ctx context.Context, now time.Time) ([]domain.Coupon, error)
	ConditionalUpdate(ctx context.Context, id string, expected domain.State, guard Guard, patch Patch) (int64, error)
	CreateCoupon(ctx context.Context, c *domain.Coupon) error
	InsertAuditLog(ctx context.Context, e *domain.AuditEvent) error
	ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditEvent, error)
	CreateAdminUser(ctx context.Context, u *domain.AdminUser) error
	FindAdminByEmail(ctx context.Context, email string) (*domain.AdminUser, error)
}

// Querier is the subset of Store usable inside a transaction.
type Querier interface {
	FindByID(ctx context.Context, id string) (*domain.Coupon, error)
	ConditionalUpdate(ctx context.Context, id string, expected domain.State, guard Guard, patch Patch) (int64, error)
	CreateCoupon(ctx context.Context, c *domain.Coupon) error
	InsertAuditLog(ctx context.Context, e *domain.AuditEvent) error
	CreateAdminUser(ctx context.Context, u *domain.AdminUser) error
}

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	db DBTX
}

func (q *queries) withTx(tx pgx.Tx) *queries {
	return &queries{db: tx}
}

type store struct {
	pool *pgxpool.Pool
	*queries
}

func New(pool *pgxpool.Pool) Store {
	return &store{
		pool:    pool,
		queries: &queries{db: pool},
	}
}

func (s *store) ExecTx(ctx context.Context, fn func(Querier) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	q := s.queries.withTx(tx)
	if err := fn(q); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("tx err: %w, rollback err: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
