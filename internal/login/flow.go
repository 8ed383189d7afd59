package login

import (
	"context"
	"errors"
	"time"

	"github.com/dgellow/fedlogin/internal/config"
	"github.com/dgellow/fedlogin/internal/idp"
	"github.com/dgellow/fedlogin/internal/log"
	"github.com/dgellow/fedlogin/internal/metrics"
	"github.com/dgellow/fedlogin/internal/storage"
)

// Stores are the backends the flow runs against. They may be different
// implementations, e.g. pending authorizations in redis and the rest in
// firestore.
type Stores struct {
	Pending  storage.PendingStore
	Users    storage.UserStore
	Sessions storage.SessionStore
}

// Config wires the components of a Flow
type Config struct {
	PendingTTL     time.Duration
	IdentitySource config.IdentitySource
	Federation     FederatorConfig
	Exchange       []ExchangerOption
	Metrics        *metrics.Recorder
}

// Result is a completed login
type Result struct {
	Session   *storage.Session
	ReturnURL string
}

// Flow drives one login attempt through issuer, validator, exchanger and
// federator, in that order
type Flow struct {
	issuer    *Issuer
	validator *Validator
	exchanger *Exchanger
	federator *Federator
	pending   storage.PendingStore
	metrics   *metrics.Recorder
}

// NewFlow creates a Flow
func NewFlow(stores Stores, provider idp.Provider, cfg Config) *Flow {
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = config.DefaultPendingTTL
	}
	if cfg.Federation.SessionTTL <= 0 {
		cfg.Federation.SessionTTL = config.DefaultSessionTTL
	}
	if cfg.Federation.Metrics == nil {
		cfg.Federation.Metrics = cfg.Metrics
	}

	return &Flow{
		issuer:    NewIssuer(stores.Pending, provider, cfg.PendingTTL),
		validator: NewValidator(stores.Pending),
		exchanger: NewExchanger(provider, cfg.IdentitySource, cfg.Exchange...),
		federator: NewFederator(stores.Users, stores.Sessions, cfg.Federation),
		pending:   stores.Pending,
		metrics:   cfg.Metrics,
	}
}

// Begin starts a login attempt
func (f *Flow) Begin(ctx context.Context, opts BeginOptions) (*LoginRequest, error) {
	req, err := f.issuer.BeginLogin(ctx, opts)
	if err != nil {
		return nil, err
	}
	flow := opts.Flow
	if flow == "" {
		flow = storage.FlowRedirect
	}
	f.metrics.LoginBegun(string(flow))
	return req, nil
}

// CompleteRedirect finishes a redirect login from the callback parameters
func (f *Flow) CompleteRedirect(ctx context.Context, state, code string) (result *Result, err error) {
	start := time.Now()
	defer func() { f.record(storage.FlowRedirect, start, err) }()

	vc, err := f.validator.Validate(ctx, state, code)
	if err != nil {
		return nil, err
	}

	verified, err := f.exchanger.Exchange(ctx, vc)
	if err != nil {
		// Only an unredeemed code can be tried again
		if errors.Is(err, ErrProviderUnavailable) || ctx.Err() != nil {
			f.release(ctx, state, storage.FlowRedirect)
		}
		return nil, err
	}

	session, err := f.federator.Federate(ctx, verified)
	if err != nil {
		return nil, err
	}
	return &Result{Session: session, ReturnURL: vc.ReturnURL()}, nil
}

// CompletePopup finishes a popup login from the credential the page posted
func (f *Flow) CompletePopup(ctx context.Context, state, credential string) (result *Result, err error) {
	start := time.Now()
	defer func() { f.record(storage.FlowPopup, start, err) }()

	va, err := f.validator.ValidateAssertion(ctx, state, credential)
	if err != nil {
		return nil, err
	}

	verified, err := f.exchanger.VerifyAssertion(ctx, va)
	if err != nil {
		if ctx.Err() != nil {
			f.release(ctx, state, storage.FlowPopup)
		}
		return nil, err
	}

	session, err := f.federator.Federate(ctx, verified)
	if err != nil {
		// The credential is still valid and nothing was issued for it
		if ctx.Err() != nil || IsTransient(err) || errors.Is(err, ErrStoreUnavailable) {
			f.release(ctx, state, storage.FlowPopup)
		}
		return nil, err
	}
	return &Result{Session: session, ReturnURL: va.ReturnURL()}, nil
}

// Authenticate checks a session id presented by the client
func (f *Flow) Authenticate(ctx context.Context, sessionID string) (*storage.Session, error) {
	return f.federator.Authenticate(ctx, sessionID)
}

// Logout revokes a session
func (f *Flow) Logout(ctx context.Context, sessionID string) error {
	return f.federator.Logout(ctx, sessionID)
}

func (f *Flow) release(ctx context.Context, state string, flow storage.FlowKind) {
	if err := f.pending.ReleasePending(context.WithoutCancel(ctx), state); err != nil {
		log.LogErrorWithFields("login", "Failed to release pending authorization", map[string]any{
			"state": log.TokenPrefix(state),
			"error": err.Error(),
		})
		return
	}
	f.metrics.PendingReleased(string(flow))
	log.LogInfoWithFields("login", "Released pending authorization for retry", map[string]any{
		"state": log.TokenPrefix(state),
		"flow":  string(flow),
	})
}

func (f *Flow) record(flow storage.FlowKind, start time.Time, err error) {
	outcome := Outcome(err)
	f.metrics.LoginCompleted(string(flow), outcome, time.Since(start))
	if err != nil {
		log.LogWarnWithFields("login", "Login failed", map[string]any{
			"flow":    string(flow),
			"outcome": outcome,
			"error":   err.Error(),
		})
	}
}
