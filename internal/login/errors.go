package login

import (
	"context"
	"errors"
	"fmt"
)

// Validation failures. The HTTP boundary reports all of them as a generic
// "login failed, please retry" and logs the detail.
var (
	ErrUnknownState       = errors.New("unknown state")
	ErrExpiredState       = errors.New("expired state")
	ErrReplayedState      = errors.New("replayed state")
	ErrRedirectMismatch   = errors.New("redirect uri mismatch")
	ErrProviderRejected   = errors.New("provider rejected the request")
	ErrInvalidAssertion   = errors.New("invalid identity assertion")
	ErrCodeAlreadyUsed    = errors.New("authorization code already used")
	ErrUnverifiedEmail    = errors.New("email not verified")
	ErrDomainNotAllowed   = errors.New("domain not allowed")
	ErrSessionInvalid     = errors.New("session invalid")
	ErrProfileFetchFailed = errors.New("profile fetch failed")
)

// ErrProviderUnavailable means the token endpoint could not be reached even
// after retries. The code was never redeemed, so the attempt may be retried.
var ErrProviderUnavailable = fmt.Errorf("%w: token endpoint unavailable", ErrProfileFetchFailed)

// Fatal failures abort the flow with a 5xx.
var (
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrRandomSource     = errors.New("random source unavailable")
)

// IsTransient reports whether err is worth retrying later
func IsTransient(err error) bool {
	return errors.Is(err, ErrProfileFetchFailed)
}

// IsFatal reports whether err should abort with a server error
func IsFatal(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrRandomSource)
}

// IsValidationFailure reports whether err is a login the user can simply retry
func IsValidationFailure(err error) bool {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

var validationErrors = []error{
	ErrUnknownState,
	ErrExpiredState,
	ErrReplayedState,
	ErrRedirectMismatch,
	ErrProviderRejected,
	ErrInvalidAssertion,
	ErrCodeAlreadyUsed,
	ErrUnverifiedEmail,
	ErrDomainNotAllowed,
	ErrSessionInvalid,
}

// Outcome turns an error into a short label for metrics and logs
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, ErrUnknownState):
		return "unknown_state"
	case errors.Is(err, ErrExpiredState):
		return "expired_state"
	case errors.Is(err, ErrReplayedState):
		return "replayed_state"
	case errors.Is(err, ErrRedirectMismatch):
		return "redirect_mismatch"
	case errors.Is(err, ErrCodeAlreadyUsed):
		return "code_already_used"
	case errors.Is(err, ErrProviderRejected):
		return "provider_rejected"
	case errors.Is(err, ErrInvalidAssertion):
		return "invalid_assertion"
	case errors.Is(err, ErrUnverifiedEmail):
		return "unverified_email"
	case errors.Is(err, ErrDomainNotAllowed):
		return "domain_not_allowed"
	case errors.Is(err, ErrProviderUnavailable):
		return "provider_unavailable"
	case errors.Is(err, ErrProfileFetchFailed):
		return "profile_fetch_failed"
	case IsFatal(err):
		return "store_unavailable"
	default:
		return "error"
	}
}

func storeError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
