package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	emailutil "github.com/dgellow/fedlogin/internal/emailutil"
	"golang.org/x/oauth2"
)

// OIDCConfig configures a generic OIDC provider.
type OIDCConfig struct {
	// ProviderType identifies this provider (e.g., "oidc", "google").
	ProviderType string

	// Discovery URL for OIDC discovery (optional if endpoints are provided directly).
	DiscoveryURL string

	// Direct endpoint configuration (used if DiscoveryURL is not set).
	AuthorizationURL string
	TokenURL         string
	UserInfoURL      string
	Issuer           string
	JWKSURL          string

	// AltIssuers are accepted in addition to Issuer (Google signs with both
	// "https://accounts.google.com" and "accounts.google.com").
	AltIssuers []string

	// KeySet overrides remote JWKS fetching; tests use oidc.StaticKeySet.
	KeySet oidc.KeySet

	// OAuth client configuration.
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
}

// OIDCProvider implements the Provider interface for OIDC-compliant identity providers.
type OIDCProvider struct {
	providerType string
	config       oauth2.Config
	userInfoURL  string
	verifiers    []*oidc.IDTokenVerifier

	// decodeUserInfo turns a 200 userinfo body into an Identity
	decodeUserInfo func(r io.Reader) (*Identity, error)
}

// oidcDiscoveryDocument represents the OIDC discovery document.
type oidcDiscoveryDocument struct {
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserInfoEndpoint      string `json:"userinfo_endpoint"`
	Issuer                string `json:"issuer"`
	JWKSURI               string `json:"jwks_uri"`
}

// oidcUserInfoResponse represents the standard OIDC userinfo response.
type oidcUserInfoResponse struct {
	Sub           string    `json:"sub"`
	Email         string    `json:"email"`
	EmailVerified claimBool `json:"email_verified"`
	Name          string    `json:"name"`
	Picture       string    `json:"picture"`
}

// idTokenClaims are the profile claims read from a verified ID token.
type idTokenClaims struct {
	Email         string    `json:"email"`
	EmailVerified claimBool `json:"email_verified"`
	Name          string    `json:"name"`
	Picture       string    `json:"picture"`
	HostedDomain  string    `json:"hd"`
}

// NewOIDCProvider creates a new OIDC provider.
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig) (*OIDCProvider, error) {
	if cfg.DiscoveryURL != "" {
		discovery, err := fetchOIDCDiscovery(ctx, cfg.DiscoveryURL)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch OIDC discovery: %w", err)
		}
		cfg.AuthorizationURL = discovery.AuthorizationEndpoint
		cfg.TokenURL = discovery.TokenEndpoint
		cfg.UserInfoURL = discovery.UserInfoEndpoint
		cfg.Issuer = discovery.Issuer
		if cfg.JWKSURL == "" {
			cfg.JWKSURL = discovery.JWKSURI
		}
	} else if cfg.AuthorizationURL == "" || cfg.TokenURL == "" || cfg.UserInfoURL == "" {
		return nil, fmt.Errorf("either discoveryUrl or all endpoints (authorizationUrl, tokenUrl, userInfoUrl) must be provided")
	}

	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required to verify ID tokens")
	}
	if cfg.KeySet == nil && cfg.JWKSURL == "" {
		return nil, fmt.Errorf("jwksUrl is required to verify ID tokens")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "email", "profile"}
	}

	providerType := cfg.ProviderType
	if providerType == "" {
		providerType = "oidc"
	}

	keySet := cfg.KeySet
	if keySet == nil {
		// Long-lived: the remote key set caches keys and refetches on unknown kid.
		keySet = oidc.NewRemoteKeySet(context.Background(), cfg.JWKSURL)
	}

	issuers := append([]string{cfg.Issuer}, cfg.AltIssuers...)
	verifiers := make([]*oidc.IDTokenVerifier, 0, len(issuers))
	for _, issuer := range issuers {
		verifiers = append(verifiers, oidc.NewVerifier(issuer, keySet, &oidc.Config{
			ClientID: cfg.ClientID,
		}))
	}

	return &OIDCProvider{
		providerType: providerType,
		config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthorizationURL,
				TokenURL: cfg.TokenURL,
				// Never let oauth2 auto-detect: a trial request would spend the single-use code.
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		userInfoURL:    cfg.UserInfoURL,
		verifiers:      verifiers,
		decodeUserInfo: decodeOIDCUserInfo(providerType),
	}, nil
}

func fetchOIDCDiscovery(ctx context.Context, discoveryURL string) (*oidcDiscoveryDocument, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build discovery request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("discovery endpoint returned status %d: %s", resp.StatusCode, body)
	}

	var discovery oidcDiscoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&discovery); err != nil {
		return nil, fmt.Errorf("failed to decode discovery document: %w", err)
	}

	if discovery.AuthorizationEndpoint == "" || discovery.TokenEndpoint == "" || discovery.UserInfoEndpoint == "" {
		return nil, fmt.Errorf("discovery document missing required endpoints")
	}

	return &discovery, nil
}

// Type returns the provider type.
func (p *OIDCProvider) Type() string {
	return p.providerType
}

// RedirectURI returns the configured redirect URI.
func (p *OIDCProvider) RedirectURI() string {
	return p.config.RedirectURL
}

// AuthURL generates the authorization URL.
func (p *OIDCProvider) AuthURL(state, nonce string) string {
	return p.config.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oidc.Nonce(nonce),
	)
}

// ExchangeCode exchanges an authorization code for tokens.
func (p *OIDCProvider) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	return p.config.Exchange(ctx, code)
}

// VerifyIDToken verifies the token against every accepted issuer.
func (p *OIDCProvider) VerifyIDToken(ctx context.Context, rawIDToken string) (*Identity, error) {
	var errs []error
	for _, verifier := range p.verifiers {
		token, err := verifier.Verify(ctx, rawIDToken)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		var claims idTokenClaims
		if err := token.Claims(&claims); err != nil {
			return nil, fmt.Errorf("failed to decode ID token claims: %w", err)
		}
		if token.Subject == "" {
			return nil, fmt.Errorf("ID token has no subject")
		}

		domain := claims.HostedDomain
		if domain == "" {
			domain = emailutil.ExtractDomain(claims.Email)
		}

		return &Identity{
			ProviderType:  p.providerType,
			Subject:       token.Subject,
			Email:         claims.Email,
			EmailVerified: bool(claims.EmailVerified),
			Name:          claims.Name,
			Picture:       claims.Picture,
			Domain:        domain,
			Nonce:         token.Nonce,
		}, nil
	}
	return nil, fmt.Errorf("ID token verification failed: %w", errors.Join(errs...))
}

// UserInfo fetches user identity from the userinfo endpoint.
func (p *OIDCProvider) UserInfo(ctx context.Context, token *oauth2.Token) (*Identity, error) {
	client := p.config.Client(ctx, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build user info request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Endpoint: "userinfo", StatusCode: resp.StatusCode}
	}

	identity, err := p.decodeUserInfo(resp.Body)
	if err != nil {
		return nil, err
	}
	if identity.Subject == "" {
		return nil, fmt.Errorf("user info has no subject")
	}
	return identity, nil
}

func decodeOIDCUserInfo(providerType string) func(io.Reader) (*Identity, error) {
	return func(r io.Reader) (*Identity, error) {
		var userInfoResp oidcUserInfoResponse
		if err := json.NewDecoder(r).Decode(&userInfoResp); err != nil {
			return nil, fmt.Errorf("failed to decode user info: %w", err)
		}

		return &Identity{
			ProviderType:  providerType,
			Subject:       userInfoResp.Sub,
			Email:         userInfoResp.Email,
			EmailVerified: bool(userInfoResp.EmailVerified),
			Name:          userInfoResp.Name,
			Picture:       userInfoResp.Picture,
			Domain:        emailutil.ExtractDomain(userInfoResp.Email),
		}, nil
	}
}
