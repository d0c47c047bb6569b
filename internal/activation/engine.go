// Package activation talks to the automation worker that drives the
// third-party sign-up flow.
package activation

import "context"

type Status string

const (
	StatusSuccess           Status = "success"
	StatusFailed            Status = "failed"
	StatusNeedsVerification Status = "needs_verification"
	// StatusCodeRejected means the third party refused the coupon code itself.
	StatusCodeRejected      Status = "code_rejected"
	// StatusIndeterminate means the worker cannot tell whether the code was
	// applied on the third-party side.
	StatusIndeterminate     Status = "indeterminate"
)

// Result is the outcome of one engine step. Handle is only set with
// StatusNeedsVerification.
type Result struct {
	Status  Status
	Message string
	Handle  string
}

// Engine performs the sign-up interaction. Handles returned by Activate
// own a live automation resource until Release is called.
type Engine interface {
	Activate(ctx context.Context, code, email string) (Result, error)
	SubmitCode(ctx context.Context, handle, otp string) (Result, error)
	Release(ctx context.Context, handle string) error
}

func parseStatus(raw string) Status {
	switch s := Status(raw); s {
	case StatusSuccess, StatusFailed, StatusNeedsVerification, StatusCodeRejected, StatusIndeterminate:
		return s
	default:
		return StatusIndeterminate
	}
}
