package usecase

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/mail"
	"strings"
	"time"

	"github.com/azizikri/coupon-redeem/internal/activation"
	"github.com/azizikri/coupon-redeem/internal/audit"
	"github.com/azizikri/coupon-redeem/internal/domain"
	"github.com/azizikri/coupon-redeem/internal/repository"
	"github.com/azizikri/coupon-redeem/internal/session"
	"github.com/azizikri/coupon-redeem/internal/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const lateApplyMessage = "The coupon was applied after your reservation lapsed; an administrator will confirm it."

// StartResult.State is the coupon state as persisted when the call returned.
type StartResult struct {
	Success       bool
	Message       string
	State         domain.State
	UsedBy        *string
	UsedAt        *time.Time
	ReservedUntil *time.Time
	SessionID     string
	ExpiresIn     time.Duration
}

type VerifyResult struct {
	Success bool
	Message string
}

type SessionStatus struct {
	Exists    bool
	ExpiresIn time.Duration
}

// RedeemService runs the two-step redemption: activation, then submission
// of the emailed verification code.
type RedeemService struct {
	store    repository.Store
	machine  *StateMachine
	engine   activation.Engine
	sessions session.Registry
	audit    audit.Sink
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
	cfg      RedeemConfig
}

func NewRedeemService(machine *StateMachine, engine activation.Engine, sessions session.Registry, sink audit.Sink, cfg RedeemConfig) *RedeemService {
	if sink == nil {
		sink = audit.Nop{}
	}
	defaults := DefaultRedeemConfig()
	if cfg.ActivationTimeout <= 0 {
		cfg.ActivationTimeout = defaults.ActivationTimeout
	}
	if cfg.VerificationTimeout <= 0 {
		cfg.VerificationTimeout = defaults.VerificationTimeout
	}
	if cfg.Policy == (Policy{}) {
		cfg.Policy = defaults.Policy
	}
	return &RedeemService{
		store:    machine.store,
		machine:  machine,
		engine:   engine,
		sessions: sessions,
		audit:    sink,
		metrics:  machine.metrics,
		tracer:   otel.Tracer(telemetry.InstrumentationName),
		cfg:      cfg,
	}
}

func (s *RedeemService) StartRedeem(ctx context.Context, email, couponID string) (*StartResult, error) {
	ctx, span := s.tracer.Start(ctx, "redeem.start", trace.WithAttributes(attribute.String("coupon.id", couponID)))
	defer span.End()

	email = strings.TrimSpace(email)
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if err := validateID(couponID); err != nil {
		return nil, err
	}

	s.metrics.RedeemStarted(ctx)
	s.audit.Record(ctx, audit.ActionRedeemStart, map[string]any{"coupon_id": couponID, "email": email})

	c, err := s.store.FindByID(ctx, couponID)
	if err != nil {
		return nil, fmt.Errorf("load coupon: %w", err)
	}
	if c == nil {
		return nil, domain.ErrNotFound
	}
	if c.State != domain.StateUnused {
		return unavailable(c), nil
	}

	reserved, err := s.machine.TryReserve(ctx, couponID, email)
	if err != nil {
		var na *domain.NotAvailableError
		if errors.As(err, &na) {
			return unavailable(na.Coupon), nil
		}
		return nil, err
	}
	s.audit.Record(ctx, audit.ActionCouponReserved, map[string]any{
		"coupon_id":  couponID,
		"email":      email,
		"expires_at": reserved.ReservedExpiresAt,
	})

	actx, cancel := context.WithTimeout(ctx, s.cfg.ActivationTimeout)
	res, err := s.engine.Activate(actx, reserved.Code, email)
	cancel()

	// Settling the reservation must not depend on the caller staying connected.
	bg := context.WithoutCancel(ctx)
	s.audit.Record(bg, audit.ActionEngineActivate, engineDetails(couponID, res, err))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "activation failed")
		s.releaseHandle(bg, res.Handle)
		s.settle(bg, couponID, email, OutcomeRollback)
		s.metrics.RedeemFinished(ctx, "activate", "error")
		return nil, &domain.EngineError{Message: callFailure("activation", err), Err: err}
	}

	switch res.Status {
	case activation.StatusSuccess:
		s.releaseHandle(bg, res.Handle)
		state := s.finalizeUsed(bg, couponID, email)
		s.metrics.RedeemFinished(ctx, "activate", "success")
		msg := messageOr(res.Message, "Coupon redeemed.")
		if state != domain.StateUsed {
			msg = lateApplyMessage
		}
		return &StartResult{Success: true, Message: msg, State: state}, nil

	case activation.StatusNeedsVerification:
		return s.openSession(ctx, bg, reserved, email, res)

	case activation.StatusCodeRejected:
		s.releaseHandle(bg, res.Handle)
		s.settle(bg, couponID, email, s.cfg.Policy.CodeRejected)
		s.metrics.RedeemFinished(ctx, "activate", "code_rejected")
		return nil, &domain.EngineError{Message: messageOr(res.Message, "The coupon code was rejected.")}

	case activation.StatusIndeterminate:
		s.releaseHandle(bg, res.Handle)
		s.settle(bg, couponID, email, s.cfg.Policy.ActivationIndeterminate)
		s.metrics.RedeemFinished(ctx, "activate", "indeterminate")
		return nil, &domain.EngineError{Message: messageOr(res.Message, "Activation could not be confirmed; an administrator will review it.")}

	default:
		s.releaseHandle(bg, res.Handle)
		s.settle(bg, couponID, email, OutcomeRollback)
		s.metrics.RedeemFinished(ctx, "activate", "failed")
		return nil, &domain.EngineError{Message: messageOr(res.Message, "Activation failed.")}
	}
}

func (s *RedeemService) openSession(ctx, bg context.Context, c *domain.Coupon, email string, res activation.Result) (*StartResult, error) {
	if res.Handle == "" {
		s.settle(bg, c.ID, email, OutcomeRollback)
		s.metrics.RedeemFinished(ctx, "activate", "error")
		return nil, &domain.EngineError{Message: "activation asked for verification without a session"}
	}

	ttl := c.ReservationRemaining(s.machine.Now())
	if ttl <= 0 {
		s.releaseHandle(bg, res.Handle)
		s.settle(bg, c.ID, email, OutcomeRollback)
		s.metrics.RedeemFinished(ctx, "activate", "expired")
		return nil, domain.ErrExpired
	}

	entry, err := s.sessions.Create(bg, c.ID, email, res.Handle, ttl)
	if err != nil {
		s.releaseHandle(bg, res.Handle)
		s.settle(bg, c.ID, email, OutcomeRollback)
		s.metrics.RedeemFinished(ctx, "activate", "error")
		return nil, fmt.Errorf("register session: %w", err)
	}
	s.audit.Record(bg, audit.ActionSessionCreated, map[string]any{
		"coupon_id":  c.ID,
		"session_id": entry.ID,
		"expires_at": entry.ExpiresAt,
	})
	s.metrics.RedeemFinished(ctx, "activate", "needs_verification")

	return &StartResult{
		Success:   true,
		Message:   messageOr(res.Message, "Enter the verification code sent to your email."),
		State:     domain.StateReserved,
		SessionID: entry.ID,
		ExpiresIn: ttl,
	}, nil
}

func (s *RedeemService) SubmitVerification(ctx context.Context, sessionID, otp string) (*VerifyResult, error) {
	ctx, span := s.tracer.Start(ctx, "redeem.verify")
	defer span.End()

	otp = strings.TrimSpace(otp)
	if sessionID == "" || otp == "" {
		return nil, fmt.Errorf("%w: session id and code are required", domain.ErrInvalidInput)
	}

	e, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if e == nil {
		return nil, domain.ErrSessionNotFound
	}
	span.SetAttributes(attribute.String("coupon.id", e.CouponID))

	c, err := s.store.FindByID(ctx, e.CouponID)
	if err != nil {
		return nil, fmt.Errorf("load coupon: %w", err)
	}
	bg := context.WithoutCancel(ctx)
	if !c.ReservedFor(e.Email, s.machine.Now()) {
		s.releaseSession(bg, e)
		return nil, domain.ErrExpired
	}

	vctx, cancel := context.WithTimeout(ctx, s.cfg.VerificationTimeout)
	res, err := s.engine.SubmitCode(vctx, e.Handle, otp)
	cancel()
	s.audit.Record(bg, audit.ActionEngineSubmitCode, engineDetails(e.CouponID, res, err))
	s.releaseSession(bg, e)

	if err == nil && res.Status == activation.StatusSuccess {
		state := s.finalizeUsed(bg, e.CouponID, e.Email)
		s.metrics.RedeemFinished(ctx, "verify", "success")
		msg := messageOr(res.Message, "Coupon redeemed.")
		if state != domain.StateUsed {
			msg = lateApplyMessage
		}
		return &VerifyResult{Success: true, Message: msg}, nil
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "verification failed")
		s.afterVerifyFailure(bg, e)
		s.metrics.RedeemFinished(ctx, "verify", "error")
		return nil, &domain.EngineError{Message: callFailure("verification", err), Err: err}
	}

	switch res.Status {
	case activation.StatusIndeterminate:
		s.settle(bg, e.CouponID, e.Email, s.cfg.Policy.VerificationIndeterminate)
		s.metrics.RedeemFinished(ctx, "verify", "indeterminate")
		return nil, &domain.EngineError{Message: messageOr(res.Message, "Verification could not be confirmed; an administrator will review it.")}
	case activation.StatusCodeRejected:
		s.settle(bg, e.CouponID, e.Email, s.cfg.Policy.CodeRejected)
		s.metrics.RedeemFinished(ctx, "verify", "code_rejected")
		return nil, &domain.EngineError{Message: messageOr(res.Message, "The coupon code was rejected.")}
	default:
		s.afterVerifyFailure(bg, e)
		s.metrics.RedeemFinished(ctx, "verify", "failed")
		return nil, &domain.EngineError{Message: messageOr(res.Message, "Verification failed.")}
	}
}

// SessionStatus reports whether a redemption session can still accept a
// verification code.
func (s *RedeemService) SessionStatus(ctx context.Context, sessionID string) (*SessionStatus, error) {
	e, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if e == nil {
		return &SessionStatus{}, nil
	}
	return &SessionStatus{Exists: true, ExpiresIn: e.ExpiresAt.Sub(s.machine.Now())}, nil
}

func (s *RedeemService) afterVerifyFailure(ctx context.Context, e *session.Entry) {
	if s.cfg.Policy.HoldOnVerifyFailure {
		c, err := s.store.FindByID(ctx, e.CouponID)
		if err != nil {
			log.Printf("redeem: reload %s after failed verification: %v", e.CouponID, err)
			return
		}
		if c.ReservedFor(e.Email, s.machine.Now()) {
			return
		}
	}
	s.settle(ctx, e.CouponID, e.Email, OutcomeRollback)
}

// finalizeUsed marks the coupon used and returns the state it was left in.
// If the reservation is gone by then the code was still applied, so the
// coupon is quarantined rather than left for someone else to redeem, and
// any session another contact opened on it is released.
func (s *RedeemService) finalizeUsed(ctx context.Context, id, email string) domain.State {
	err := s.machine.Finalize(ctx, id, email, OutcomeUsed)
	if err == nil {
		s.audit.Record(ctx, audit.ActionCouponUsed, map[string]any{"coupon_id": id, "used_by": email})
		return domain.StateUsed
	}
	log.Printf("redeem: finalize %s after successful activation: %v", id, err)

	q, qErr := s.machine.Quarantine(ctx, id, email, s.cfg.Policy.LostFinalize)
	if qErr != nil {
		log.Printf("redeem: quarantine %s: %v", id, qErr)
		if q != nil {
			return q.State
		}
		return s.currentState(ctx, id)
	}

	if q.Displaced != "" {
		s.audit.Record(ctx, audit.ActionReservationConflict, map[string]any{
			"coupon_id":        id,
			"applied_by":       email,
			"displaced_holder": q.Displaced,
		})
	}
	n, err := s.sessions.ReleaseCoupon(ctx, id)
	if err != nil {
		log.Printf("redeem: release sessions on quarantined %s: %v", id, err)
	}
	if n > 0 {
		s.audit.Record(ctx, audit.ActionSessionReleased, map[string]any{"coupon_id": id, "count": n})
	}
	s.audit.Record(ctx, audit.ActionCouponQuarantine, map[string]any{
		"coupon_id": id,
		"email":     email,
		"state":     q.State,
		"reason":    "reservation lost before finalize",
	})
	return q.State
}

func (s *RedeemService) currentState(ctx context.Context, id string) domain.State {
	c, err := s.store.FindByID(ctx, id)
	if err != nil || c == nil {
		return ""
	}
	return c.State
}

func (s *RedeemService) settle(ctx context.Context, id, email string, outcome Outcome) {
	if err := s.machine.Finalize(ctx, id, email, outcome); err != nil {
		log.Printf("redeem: settle %s as %s: %v", id, outcome, err)
		return
	}
	action := audit.ActionCouponQuarantine
	switch outcome {
	case OutcomeRollback:
		action = audit.ActionCouponRolledBack
	case OutcomeUsed:
		action = audit.ActionCouponUsed
	case OutcomeInvalid:
		action = audit.ActionCouponInvalid
	}
	s.audit.Record(ctx, action, map[string]any{"coupon_id": id, "email": email, "outcome": outcome})
}

func (s *RedeemService) releaseSession(ctx context.Context, e *session.Entry) {
	if err := s.sessions.Release(ctx, e.ID); err != nil {
		log.Printf("redeem: release session %s: %v", e.ID, err)
	}
	s.audit.Record(ctx, audit.ActionSessionReleased, map[string]any{"coupon_id": e.CouponID, "session_id": e.ID})
}

func (s *RedeemService) releaseHandle(ctx context.Context, handle string) {
	if handle == "" {
		return
	}
	if err := s.engine.Release(ctx, handle); err != nil {
		log.Printf("redeem: release engine handle: %v", err)
	}
}

func unavailable(c *domain.Coupon) *StartResult {
	r := &StartResult{State: c.State}
	switch c.State {
	case domain.StateUsed:
		r.UsedBy, r.UsedAt = c.UsedBy, c.UsedAt
		if c.UsedBy != nil && c.UsedAt != nil {
			r.Message = fmt.Sprintf("This coupon has already been used by %s on %s.", *c.UsedBy, c.UsedAt.UTC().Format(time.RFC3339))
		} else {
			r.Message = "This coupon has already been used."
		}
	case domain.StateReserved:
		r.ReservedUntil = c.ReservedExpiresAt
		r.Message = "This coupon is currently reserved. Try again later."
	case domain.StateUnused:
		r.Message = "This coupon is busy. Try again."
	default:
		r.Message = "This coupon is not available."
	}
	return r
}

func engineDetails(couponID string, res activation.Result, err error) map[string]any {
	d := map[string]any{"coupon_id": couponID, "status": res.Status, "message": res.Message}
	if err != nil {
		d["error"] = err.Error()
	}
	return d
}

func callFailure(step string, err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return step + " timed out"
	}
	return step + " failed"
}

func messageOr(msg, fallback string) string {
	if strings.TrimSpace(msg) == "" {
		return fallback
	}
	return msg
}

func validateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("%w: email is required", domain.ErrInvalidInput)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("%w: invalid email", domain.ErrInvalidInput)
	}
	return nil
}

func validateID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: invalid coupon id", domain.ErrInvalidInput)
	}
	return nil
}
