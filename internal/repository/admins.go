package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/azizikri/coupon-redeem/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func (q *queries) CreateAdminUser(ctx context.Context, u *domain.AdminUser) error {
	err := q.db.QueryRow(ctx,
		`INSERT INTO users (id, email, password_hash, role) VALUES ($1, $2, $3, $4)
		 RETURNING created_at`,
		u.ID, u.Email, u.PasswordHash, u.Role,
	).Scan(&u.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrDuplicateAdmin
		}
		return fmt.Errorf("insert admin %s: %w", u.Email, err)
	}
	return nil
}

func (q *queries) FindAdminByEmail(ctx context.Context, email string) (*domain.AdminUser, error) {
	var u domain.AdminUser
	err := q.db.QueryRow(ctx,
		`SELECT id::text, email, password_hash, role, created_at FROM users WHERE email = $1`,
		email,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find admin %s: %w", email, err)
	}
	return &u, nil
}
