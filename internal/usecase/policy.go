package usecase

import (
	"time"

	"github.com/azizikri/coupon-redeem/internal/domain"
)

// Policy decides where a reservation goes when the engine does not give a
// clean success or failure.
type Policy struct {
	// ActivationIndeterminate applies when the first step cannot tell
	// whether the code was consumed.
	ActivationIndeterminate Outcome
	// VerificationIndeterminate applies to the same ambiguity after the
	// verification code was submitted.
	VerificationIndeterminate Outcome
	// CodeRejected applies when the third party refuses the coupon code.
	CodeRejected Outcome
	// LostFinalize is the stuck state for a coupon whose code was applied
	// after its reservation had already lapsed or been reclaimed.
	LostFinalize domain.State
	// HoldOnVerifyFailure keeps a live reservation after a failed
	// verification instead of reopening the coupon at once.
	HoldOnVerifyFailure bool
}

func DefaultPolicy() Policy {
	return Policy{
		ActivationIndeterminate:   OutcomePendingAdmin,
		VerificationIndeterminate: OutcomeUnblinded,
		CodeRejected:              OutcomeInvalid,
		LostFinalize:              domain.StatePendingAdmin,
		HoldOnVerifyFailure:       true,
	}
}

type RedeemConfig struct {
	ActivationTimeout   time.Duration
	VerificationTimeout time.Duration
	Policy              Policy
}

func DefaultRedeemConfig() RedeemConfig {
	return RedeemConfig{
		ActivationTimeout:   90 * time.Second,
		VerificationTimeout: 60 * time.Second,
		Policy:              DefaultPolicy(),
	}
}
