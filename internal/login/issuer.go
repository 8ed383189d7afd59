package login

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgellow/fedlogin/internal/crypto"
	"github.com/dgellow/fedlogin/internal/idp"
	"github.com/dgellow/fedlogin/internal/log"
	"github.com/dgellow/fedlogin/internal/storage"
	"github.com/dgellow/fedlogin/internal/urlutil"
)

// maxTokenAttempts bounds retries when a freshly generated random id
// collides with a stored one
const maxTokenAttempts = 3

// BeginOptions parameterize one login attempt
type BeginOptions struct {
	Flow      storage.FlowKind
	ReturnURL string
}

// LoginRequest is what the caller needs to send the browser to the provider
type LoginRequest struct {
	RedirectTarget string
	StateToken     string
	Nonce          string
	ExpiresAt      time.Time
}

// Issuer mints state tokens and builds authorization URLs
type Issuer struct {
	pending  storage.PendingStore
	provider idp.Provider
	ttl      time.Duration
	now      func() time.Time
}

// NewIssuer creates an Issuer whose pending authorizations live for ttl
func NewIssuer(pending storage.PendingStore, provider idp.Provider, ttl time.Duration) *Issuer {
	return &Issuer{
		pending:  pending,
		provider: provider,
		ttl:      ttl,
		now:      time.Now,
	}
}

// BeginLogin persists a pending authorization and returns where to send the browser
func (i *Issuer) BeginLogin(ctx context.Context, opts BeginOptions) (*LoginRequest, error) {
	flow := opts.Flow
	if flow == "" {
		flow = storage.FlowRedirect
	}
	if flow != storage.FlowRedirect && flow != storage.FlowPopup {
		return nil, fmt.Errorf("unknown login flow %q", flow)
	}

	for attempt := 1; attempt <= maxTokenAttempts; attempt++ {
		state, err := crypto.GenerateSecureToken()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRandomSource, err)
		}
		nonce, err := crypto.GenerateSecureToken()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRandomSource, err)
		}

		now := i.now()
		p := &storage.PendingAuthorization{
			StateToken:     state,
			Nonce:          nonce,
			Flow:           flow,
			RedirectURI:    i.provider.RedirectURI(),
			RedirectTarget: i.provider.AuthURL(state, nonce),
			ReturnURL:      urlutil.SafeReturnPath(opts.ReturnURL),
			CreatedAt:      now,
			ExpiresAt:      now.Add(i.ttl),
		}

		err = i.pending.CreatePending(ctx, p)
		if errors.Is(err, storage.ErrPendingExists) {
			continue
		}
		if err != nil {
			return nil, storeError("create pending authorization", err)
		}

		log.LogDebugWithFields("login", "Pending authorization created", map[string]any{
			"state":      log.TokenPrefix(state),
			"flow":       string(flow),
			"expires_at": p.ExpiresAt,
		})

		return &LoginRequest{
			RedirectTarget: p.RedirectTarget,
			StateToken:     state,
			Nonce:          nonce,
			ExpiresAt:      p.ExpiresAt,
		}, nil
	}
	return nil, storeError("create pending authorization", storage.ErrPendingExists)
}
