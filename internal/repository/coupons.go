package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/azizikri/coupon-redeem/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

const couponColumns = `id::text, code, state, meta, reserved_by_email, reserved_at,
	reserved_expires_at, used_by_email, used_at, created_at, updated_at`

// Guard narrows a conditional update beyond the expected state. Zero
// fields are not checked.
type Guard struct {
	ReservedBy string
	// ActiveAt requires reserved_expires_at > ActiveAt.
	ActiveAt time.Time
	// ExpiredAt requires reserved_expires_at <= ExpiredAt.
	ExpiredAt time.Time
}

type Reservation struct {
	By        string
	At        time.Time
	ExpiresAt time.Time
}

type Use struct {
	By string
	At time.Time
}

// Patch is the set of column changes applied when a conditional update
// matches.
type Patch struct {
	State            domain.State
	Reservation      *Reservation
	ClearReservation bool
	Use              *Use
	ClearUse         bool
	// Meta is merged into the existing meta object.
	Meta map[string]any
}

func (p Patch) validate() error {
	if !p.State.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidState, p.State)
	}
	if p.Reservation != nil && p.ClearReservation {
		return errors.New("patch both sets and clears the reservation")
	}
	if p.Use != nil && p.ClearUse {
		return errors.New("patch both sets and clears the use")
	}
	return nil
}

// ConditionalUpdate applies patch only if the row is still in expected
// state and satisfies guard. It returns the number of rows changed, so a
// caller that lost a race sees zero.
func (q *queries) ConditionalUpdate(ctx context.Context, id string, expected domain.State, guard Guard, patch Patch) (int64, error) {
	if err := patch.validate(); err != nil {
		return 0, err
	}

	args := []any{id, string(expected)}
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	set := []string{"state = " + arg(string(patch.State)), "updated_at = now()"}
	switch {
	case patch.Reservation != nil:
		set = append(set,
			"reserved_by_email = "+arg(patch.Reservation.By),
			"reserved_at = "+arg(patch.Reservation.At),
			"reserved_expires_at = "+arg(patch.Reservation.ExpiresAt),
		)
	case patch.ClearReservation:
		set = append(set, "reserved_by_email = NULL", "reserved_at = NULL", "reserved_expires_at = NULL")
	}
	switch {
	case patch.Use != nil:
		set = append(set, "used_by_email = "+arg(patch.Use.By), "used_at = "+arg(patch.Use.At))
	case patch.ClearUse:
		set = append(set, "used_by_email = NULL", "used_at = NULL")
	}
	if len(patch.Meta) > 0 {
		set = append(set, "meta = meta || "+arg(patch.Meta)+"::jsonb")
	}

	where := []string{"id = $1", "state = $2"}
	if guard.ReservedBy != "" {
		where = append(where, "reserved_by_email = "+arg(guard.ReservedBy))
	}
	if !guard.ActiveAt.IsZero() {
		where = append(where, "reserved_expires_at > "+arg(guard.ActiveAt))
	}
	if !guard.ExpiredAt.IsZero() {
		where = append(where, "reserved_expires_at <= "+arg(guard.ExpiredAt))
	}

	sql := "UPDATE coupons SET " + strings.Join(set, ", ") + " WHERE " + strings.Join(where, " AND ")
	tag, err := q.db.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("conditional update %s: %w", id, err)
	}
	return tag.RowsAffected(), nil
}

func (q *queries) FindByID(ctx context.Context, id string) (*domain.Coupon, error) {
	row := q.db.QueryRow(ctx, `SELECT `+couponColumns+` FROM coupons WHERE id = $1`, id)
	c, err := scanCoupon(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (q *queries) FindByCode(ctx context.Context, code string) (*domain.Coupon, error) {
	row := q.db.QueryRow(ctx, `SELECT `+couponColumns+` FROM coupons WHERE code = $1`, code)
	c, err := scanCoupon(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// Find lists coupons in any of states, newest first. No states lists all.
func (q *queries) Find(ctx context.Context, states ...domain.State) ([]domain.Coupon, error) {
	if len(states) == 0 {
		return q.ListCoupons(ctx)
	}
	filter := make([]string, 0, len(states))
	for _, s := range states {
		filter = append(filter, string(s))
	}
	return q.listCoupons(ctx,
		`SELECT `+couponColumns+` FROM coupons WHERE state = ANY($1) ORDER BY updated_at DESC`,
		filter,
	)
}

func (q *queries) ListCoupons(ctx context.Context) ([]domain.Coupon, error) {
	return q.listCoupons(ctx, `SELECT `+couponColumns+` FROM coupons ORDER BY created_at DESC`)
}

func (q *queries) ListExpiredReservations(ctx context.Context, now time.Time) ([]domain.Coupon, error) {
	return q.listCoupons(ctx,
		`SELECT `+couponColumns+` FROM coupons
		 WHERE state = 'reserved' AND reserved_expires_at <= $1
		 ORDER BY reserved_expires_at`,
		now,
	)
}

func (q *queries) CreateCoupon(ctx context.Context, c *domain.Coupon) error {
	meta := c.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	state := c.State
	if state == "" {
		state = domain.StateUnused
	}

	err := q.db.QueryRow(ctx,
		`INSERT INTO coupons (id, code, state, meta) VALUES ($1, $2, $3, $4)
		 RETURNING created_at, updated_at`,
		c.ID, c.Code, string(state), meta,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrDuplicateCoupon
		}
		return fmt.Errorf("insert coupon: %w", err)
	}
	c.State = state
	c.Meta = meta
	return nil
}

func (q *queries) listCoupons(ctx context.Context, sql string, args ...any) ([]domain.Coupon, error) {
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query coupons: %w", err)
	}
	defer rows.Close()

	var out []domain.Coupon
	for rows.Next() {
		c, err := scanCoupon(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanCoupon(row pgx.Row) (*domain.Coupon, error) {
	var (
		c     domain.Coupon
		state string
	)
	err := row.Scan(
		&c.ID,
		&c.Code,
		&state,
		&c.Meta,
		&c.ReservedBy,
		&c.ReservedAt,
		&c.ReservedExpiresAt,
		&c.UsedBy,
		&c.UsedAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.State, err = domain.ParseState(state)
	if err != nil {
		return nil, fmt.Errorf("coupon %s: %w", c.ID, err)
	}
	return &c, nil
}
