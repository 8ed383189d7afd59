package login

import (
	"context"
	"errors"
	"time"

	"github.com/dgellow/fedlogin/internal/log"
	"github.com/dgellow/fedlogin/internal/storage"
)

// Validator binds a callback to the login attempt that started it
type Validator struct {
	pending storage.PendingStore
	now     func() time.Time
}

// NewValidator creates a Validator over the pending store
func NewValidator(pending storage.PendingStore) *Validator {
	return &Validator{pending: pending, now: time.Now}
}

// Validate consumes the state of a redirect callback and wraps its code.
// Of several concurrent callbacks with one state, exactly one succeeds.
func (v *Validator) Validate(ctx context.Context, state, code string) (ValidatedCode, error) {
	if state == "" || code == "" {
		return ValidatedCode{}, ErrUnknownState
	}

	p, err := v.consume(ctx, state, storage.FlowRedirect)
	if err != nil {
		return ValidatedCode{}, err
	}
	return ValidatedCode{code: code, pending: p}, nil
}

// ValidateAssertion consumes the state of a popup login and wraps the
// credential the page delivered. The credential stays Unverified.
func (v *Validator) ValidateAssertion(ctx context.Context, state, rawToken string) (ValidatedAssertion, error) {
	if state == "" {
		return ValidatedAssertion{}, ErrUnknownState
	}
	if rawToken == "" {
		return ValidatedAssertion{}, ErrInvalidAssertion
	}

	p, err := v.consume(ctx, state, storage.FlowPopup)
	if err != nil {
		return ValidatedAssertion{}, err
	}
	return ValidatedAssertion{token: Unverified(rawToken), pending: p}, nil
}

func (v *Validator) consume(ctx context.Context, state string, flow storage.FlowKind) (*storage.PendingAuthorization, error) {
	p, err := v.pending.ConsumePending(ctx, state, flow, v.now())
	switch {
	case errors.Is(err, storage.ErrPendingNotFound):
		return nil, ErrUnknownState
	case errors.Is(err, storage.ErrPendingFlowMismatch):
		// A state minted for the other flow is never spent by this one
		log.LogWarnWithFields("login", "State token used by the wrong flow", map[string]any{
			"state": log.TokenPrefix(state),
			"flow":  string(flow),
		})
		return nil, ErrUnknownState
	case errors.Is(err, storage.ErrPendingExpired):
		return nil, ErrExpiredState
	case errors.Is(err, storage.ErrPendingConsumed):
		log.LogWarnWithFields("login", "Replayed state token", map[string]any{
			"state": log.TokenPrefix(state),
		})
		return nil, ErrReplayedState
	case err != nil:
		return nil, storeError("consume pending authorization", err)
	}
	return p, nil
}
