// Package audit records redemption events. Recording is best-effort:
// failures are logged and never reach the caller.
package audit

import (
	"context"
	"log"
	"time"

	"github.com/azizikri/coupon-redeem/internal/domain"
	"github.com/google/uuid"
)

const (
	ActionRedeemStart         = "redeem_start"
	ActionCouponReserved      = "coupon_reserved"
	ActionEngineActivate      = "engine_activate"
	ActionEngineSubmitCode    = "engine_submit_code"
	ActionCouponUsed          = "coupon_used"
	ActionCouponRolledBack    = "coupon_rolled_back"
	ActionCouponQuarantine    = "coupon_quarantined"
	ActionCouponInvalid       = "coupon_invalidated"
	ActionCouponReclaimed     = "coupon_reclaimed"
	ActionReservationConflict = "coupon_reservation_conflict"
	ActionSessionCreated      = "session_created"
	ActionSessionReleased     = "session_released"
	ActionAdminAddCoupon      = "admin_add_coupon"
	ActionAdminReset          = "admin_reset_coupon"
	ActionAdminRevalidate     = "admin_revalidate_coupon"
	ActionAdminCreateAdmin    = "admin_create_admin"
	ActionAdminLoginSuccess   = "admin_login_success"
	ActionAdminLoginFailed    = "admin_login_failed"
)

// recordTimeout bounds a single asynchronous write.
const recordTimeout = 5 * time.Second

type Sink interface {
	Record(ctx context.Context, action string, details map[string]any)
}

// Writer persists a single event; implemented by the repository.
type Writer interface {
	InsertAuditLog(ctx context.Context, e *domain.AuditEvent) error
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(action string, details map[string]any) *domain.AuditEvent {
	if details == nil {
		details = map[string]any{}
	}
	return &domain.AuditEvent{
		ID:        uuid.NewString(),
		Action:    action,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	}
}

// StoreSink writes events straight to the logs table.
type StoreSink struct {
	writer Writer
}

func NewStoreSink(w Writer) *StoreSink {
	return &StoreSink{writer: w}
}

func (s *StoreSink) Record(ctx context.Context, action string, details map[string]any) {
	if s.writer == nil {
		return
	}
	if err := s.writer.InsertAuditLog(ctx, NewEvent(action, details)); err != nil {
		log.Printf("audit: failed to record %s: %v", action, err)
	}
}

// Async runs the wrapped sink on its own goroutine so request cancellation
// and slow storage never hold up the caller.
type Async struct {
	next Sink
}

func NewAsync(next Sink) *Async {
	return &Async{next: next}
}

func (a *Async) Record(ctx context.Context, action string, details map[string]any) {
	if a.next == nil {
		return
	}
	go func() {
		recordCtx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		a.next.Record(recordCtx, action, details)
	}()
}

// Multi fans an event out to several sinks.
type Multi []Sink

func (m Multi) Record(ctx context.Context, action string, details map[string]any) {
	for _, s := range m {
		if s != nil {
			s.Record(ctx, action, details)
		}
	}
}

type Nop struct{}

func (Nop) Record(context.Context, string, map[string]any) {}
