package repository

import (
	"context"
	"fmt"

	"github.com/azizikri/coupon-redeem/internal/domain"
)

const maxAuditLogs = 500

// InsertAuditLog is idempotent on the event id so redelivered events are
// stored once.
func (q *queries) InsertAuditLog(ctx context.Context, e *domain.AuditEvent) error {
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	_, err := q.db.Exec(ctx,
		`INSERT INTO logs (id, action, details, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, e.Action, details, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit log %s: %w", e.Action, err)
	}
	return nil
}

func (q *queries) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditEvent, error) {
	if limit <= 0 || limit > maxAuditLogs {
		limit = maxAuditLogs
	}
	rows, err := q.db.Query(ctx,
		`SELECT id::text, action, details, created_at FROM logs ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		if err := rows.Scan(&e.ID, &e.Action, &e.Details, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
