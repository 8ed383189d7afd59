package login

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dgellow/fedlogin/internal/config"
	"github.com/dgellow/fedlogin/internal/idp"
	"github.com/dgellow/fedlogin/internal/log"
	"golang.org/x/oauth2"
)

const (
	defaultMaxTries        = 3
	defaultInitialInterval = 200 * time.Millisecond
	defaultMaxInterval     = 2 * time.Second
)

// Exchanger redeems validated codes and verifies identity assertions.
// It is the only producer of Verified.
type Exchanger struct {
	provider       idp.Provider
	identitySource config.IdentitySource
	maxTries       uint
	newBackOff     func() backoff.BackOff
}

// ExchangerOption tunes an Exchanger
type ExchangerOption func(*Exchanger)

// WithRetry overrides the number of attempts and the first backoff interval
func WithRetry(maxTries uint, initialInterval time.Duration) ExchangerOption {
	return func(e *Exchanger) {
		e.maxTries = maxTries
		e.newBackOff = exponentialBackOff(initialInterval)
	}
}

// NewExchanger creates an Exchanger. identitySource decides whether a token
// response without an ID token may fall back to the profile endpoint.
func NewExchanger(provider idp.Provider, identitySource config.IdentitySource, opts ...ExchangerOption) *Exchanger {
	e := &Exchanger{
		provider:       provider,
		identitySource: identitySource,
		maxTries:       defaultMaxTries,
		newBackOff:     exponentialBackOff(defaultInitialInterval),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func exponentialBackOff(initial time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.MaxInterval = defaultMaxInterval
		return b
	}
}

// Exchange redeems the code at the token endpoint and verifies the identity
// that comes back
func (e *Exchanger) Exchange(ctx context.Context, vc ValidatedCode) (Verified, error) {
	if !vc.valid() {
		return Verified{}, fmt.Errorf("%w: code was not validated", ErrUnknownState)
	}

	// Checked before the network: the provider binds the code to this exact URI
	if vc.pending.RedirectURI != e.provider.RedirectURI() {
		log.LogWarnWithFields("login", "Redirect URI mismatch", map[string]any{
			"state": log.TokenPrefix(vc.pending.StateToken),
		})
		return Verified{}, ErrRedirectMismatch
	}

	token, err := retry(ctx, e, func() (*oauth2.Token, error) {
		token, err := e.provider.ExchangeCode(ctx, vc.code)
		if err != nil {
			return nil, classifyTokenError(ctx, err)
		}
		return token, nil
	})
	if err != nil {
		return Verified{}, err
	}
	if token.AccessToken == "" {
		return Verified{}, fmt.Errorf("%w: no access token", ErrProviderRejected)
	}

	if rawIDToken, _ := token.Extra("id_token").(string); rawIDToken != "" {
		return e.verifyIDToken(ctx, rawIDToken, vc.pending.Nonce)
	}

	if e.identitySource != config.IdentitySourceIDTokenOrUserInfo {
		return Verified{}, fmt.Errorf("%w: token response has no id_token", ErrProviderRejected)
	}

	identity, err := retry(ctx, e, func() (*idp.Identity, error) {
		identity, err := e.provider.UserInfo(ctx, token)
		if err != nil {
			return nil, classifyProfileError(ctx, err)
		}
		return identity, nil
	})
	if err != nil {
		return Verified{}, err
	}

	return Verified{identity: externalIdentity(identity)}, nil
}

// VerifyAssertion checks a popup credential the same way an ID token from
// the token endpoint is checked
func (e *Exchanger) VerifyAssertion(ctx context.Context, va ValidatedAssertion) (Verified, error) {
	if !va.valid() {
		return Verified{}, fmt.Errorf("%w: assertion was not validated", ErrUnknownState)
	}
	return e.verifyIDToken(ctx, string(va.token), va.pending.Nonce)
}

func (e *Exchanger) verifyIDToken(ctx context.Context, rawIDToken, nonce string) (Verified, error) {
	identity, err := e.provider.VerifyIDToken(ctx, rawIDToken)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Verified{}, ctxErr
		}
		log.LogWarnWithFields("login", "ID token rejected", map[string]any{
			"error": err.Error(),
		})
		return Verified{}, fmt.Errorf("%w: %w", ErrInvalidAssertion, err)
	}
	if nonce == "" || identity.Nonce != nonce {
		log.LogWarnWithFields("login", "ID token nonce does not match login attempt", nil)
		return Verified{}, fmt.Errorf("%w: nonce mismatch", ErrInvalidAssertion)
	}
	return Verified{identity: externalIdentity(identity), rawIDToken: rawIDToken}, nil
}

func retry[T any](ctx context.Context, e *Exchanger, op backoff.Operation[T]) (T, error) {
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(e.newBackOff()),
		backoff.WithMaxTries(e.maxTries),
	)
}

// classifyTokenError maps token endpoint failures. Anything returned
// without backoff.Permanent is retried.
func classifyTokenError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return backoff.Permanent(ctxErr)
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		switch retrieveErr.ErrorCode {
		case "invalid_grant":
			return backoff.Permanent(ErrCodeAlreadyUsed)
		case "redirect_uri_mismatch":
			return backoff.Permanent(ErrRedirectMismatch)
		}
		if retrieveErr.Response != nil && isRetryableStatus(retrieveErr.Response.StatusCode) {
			return fmt.Errorf("%w: status %d", ErrProviderUnavailable, retrieveErr.Response.StatusCode)
		}
		log.LogWarnWithFields("login", "Token endpoint rejected the code", map[string]any{
			"error_code": retrieveErr.ErrorCode,
		})
		return backoff.Permanent(fmt.Errorf("%w: %s", ErrProviderRejected, retrieveErr.ErrorCode))
	}

	// oauth2 reports malformed 200 responses as plain errors
	msg := err.Error()
	if strings.Contains(msg, "missing access_token") || strings.Contains(msg, "cannot parse") {
		return backoff.Permanent(fmt.Errorf("%w: %s", ErrProviderRejected, msg))
	}

	return fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
}

// classifyProfileError maps profile endpoint failures
func classifyProfileError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return backoff.Permanent(ctxErr)
	}

	var statusErr *idp.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.Temporary() {
			return fmt.Errorf("%w: %w", ErrProfileFetchFailed, err)
		}
		return backoff.Permanent(fmt.Errorf("%w: %w", ErrProviderRejected, err))
	}
	if strings.Contains(err.Error(), "decode") || strings.Contains(err.Error(), "no subject") {
		return backoff.Permanent(fmt.Errorf("%w: %w", ErrProviderRejected, err))
	}
	return fmt.Errorf("%w: %w", ErrProfileFetchFailed, err)
}

func isRetryableStatus(code int) bool {
	return code >= http.StatusInternalServerError || code == http.StatusTooManyRequests
}
