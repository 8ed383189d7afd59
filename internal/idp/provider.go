package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"

	"golang.org/x/oauth2"
)

// Identity represents user information from any identity provider.
// Nothing in it is trustworthy unless it came out of VerifyIDToken or an
// authenticated UserInfo call.
type Identity struct {
	ProviderType  string `json:"provider_type"`
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
	Domain        string `json:"domain"`

	// Nonce is the nonce claim of a verified ID token; empty for userinfo results.
	Nonce string `json:"-"`
}

// Provider abstracts identity provider operations.
type Provider interface {
	// Type returns the provider type identifier (e.g., "google", "oidc").
	Type() string

	// RedirectURI returns the exact redirect URI sent in authorization and token requests.
	RedirectURI() string

	// AuthURL generates the authorization URL for the OAuth flow.
	AuthURL(state, nonce string) string

	// ExchangeCode exchanges an authorization code for tokens.
	ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error)

	// VerifyIDToken checks signature, issuer, audience and expiry of a raw ID token.
	VerifyIDToken(ctx context.Context, rawIDToken string) (*Identity, error)

	// UserInfo fetches user information from the profile endpoint with an access token.
	UserInfo(ctx context.Context, token *oauth2.Token) (*Identity, error)
}

// StatusError reports a non-2xx answer from a provider endpoint.
type StatusError struct {
	Endpoint   string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.Endpoint, e.StatusCode)
}

// Temporary reports whether the provider signalled a server-side problem
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// ValidateDomain checks if the domain is in the allowed list.
// Returns nil if allowedDomains is empty (no restriction) or domain is allowed.
func ValidateDomain(domain string, allowedDomains []string) error {
	if len(allowedDomains) == 0 {
		return nil
	}
	if !slices.Contains(allowedDomains, domain) {
		return fmt.Errorf("domain '%s' is not allowed. Contact your administrator", domain)
	}
	return nil
}

// claimBool accepts both JSON booleans and the "true"/"false" strings some
// providers put in email_verified.
type claimBool bool

func (b *claimBool) UnmarshalJSON(data []byte) error {
	var v bool
	if err := json.Unmarshal(data, &v); err == nil {
		*b = claimBool(v)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("email_verified must be a boolean: %w", err)
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("email_verified must be a boolean: %w", err)
	}
	*b = claimBool(v)
	return nil
}
