package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/coreos/go-oidc/v3/oidc"
	emailutil "github.com/dgellow/fedlogin/internal/emailutil"
	"golang.org/x/oauth2/google"
)

const (
	GoogleIssuer      = "https://accounts.google.com"
	googleAltIssuer   = "accounts.google.com"
	GoogleJWKSURL     = "https://www.googleapis.com/oauth2/v3/certs"
	GoogleUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"
)

// GoogleConfig holds the client registration plus optional endpoint
// overrides. Overrides exist so a local stand-in can play Google.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string

	AuthURL     string
	TokenURL    string
	UserInfoURL string
	Issuer      string
	JWKSURL     string
	KeySet      oidc.KeySet
}

// googleUserInfoResponse represents Google's userinfo response.
// Note: Google uses `hd` for hosted domain and `verified_email` instead of OIDC standard `email_verified`.
type googleUserInfoResponse struct {
	ID            string    `json:"id"`
	Sub           string    `json:"sub"`
	Email         string    `json:"email"`
	VerifiedEmail claimBool `json:"verified_email"`
	Name          string    `json:"name"`
	Picture       string    `json:"picture"`
	HostedDomain  string    `json:"hd"`
}

// NewGoogleProvider creates a Google provider. Google is an OIDC provider
// with fixed endpoints, two issuer spellings and a v2 userinfo shape.
func NewGoogleProvider(ctx context.Context, cfg GoogleConfig) (*OIDCProvider, error) {
	oc := OIDCConfig{
		ProviderType:     "google",
		AuthorizationURL: or(cfg.AuthURL, google.Endpoint.AuthURL),
		TokenURL:         or(cfg.TokenURL, google.Endpoint.TokenURL),
		UserInfoURL:      or(cfg.UserInfoURL, GoogleUserInfoURL),
		Issuer:           or(cfg.Issuer, GoogleIssuer),
		JWKSURL:          or(cfg.JWKSURL, GoogleJWKSURL),
		KeySet:           cfg.KeySet,
		ClientID:         cfg.ClientID,
		ClientSecret:     cfg.ClientSecret,
		RedirectURI:      cfg.RedirectURI,
		Scopes:           cfg.Scopes,
	}
	if cfg.Issuer == "" {
		oc.AltIssuers = []string{googleAltIssuer}
	}

	p, err := NewOIDCProvider(ctx, oc)
	if err != nil {
		return nil, fmt.Errorf("failed to create google provider: %w", err)
	}
	p.decodeUserInfo = decodeGoogleUserInfo
	return p, nil
}

func decodeGoogleUserInfo(r io.Reader) (*Identity, error) {
	var googleUser googleUserInfoResponse
	if err := json.NewDecoder(r).Decode(&googleUser); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}

	// v2 answers with "id", the OIDC endpoint with "sub"
	subject := googleUser.Sub
	if subject == "" {
		subject = googleUser.ID
	}

	// Use Google's hosted domain if available, otherwise derive from email
	domain := googleUser.HostedDomain
	if domain == "" {
		domain = emailutil.ExtractDomain(googleUser.Email)
	}

	return &Identity{
		ProviderType:  "google",
		Subject:       subject,
		Email:         googleUser.Email,
		EmailVerified: bool(googleUser.VerifiedEmail),
		Name:          googleUser.Name,
		Picture:       googleUser.Picture,
		Domain:        domain,
	}, nil
}

func or(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
