package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("coupon not found")
	ErrNotAvailable       = errors.New("coupon is not available")
	ErrSessionNotFound    = errors.New("redemption session not found")
	ErrExpired            = errors.New("reservation has expired")
	ErrEngineFailure      = errors.New("activation failed")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidState       = errors.New("invalid coupon state")
	ErrIllegalTransition  = errors.New("illegal coupon transition")
	ErrTransitionRejected = errors.New("coupon changed concurrently")
	ErrDuplicateCoupon    = errors.New("coupon already exists")
	ErrDuplicateAdmin     = errors.New("admin already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// NotAvailableError carries the coupon as it was observed when a
// reservation attempt lost.
type NotAvailableError struct {
	Coupon *Coupon
}

func (e *NotAvailableError) Error() string {
	if e.Coupon == nil {
		return ErrNotAvailable.Error()
	}
	return fmt.Sprintf("%s: state %s", ErrNotAvailable, e.Coupon.State)
}

func (e *NotAvailableError) Is(target error) bool {
	return target == ErrNotAvailable
}

// EngineError wraps a diagnostic from the activation engine.
type EngineError struct {
	Message string
	Err     error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrEngineFailure, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrEngineFailure, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) Is(target error) bool {
	return target == ErrEngineFailure
}
