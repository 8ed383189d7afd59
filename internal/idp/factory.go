package idp

import (
	"context"
	"fmt"

	"github.com/dgellow/fedlogin/internal/config"
)

// NewProvider creates a Provider based on the provider section of the config.
func NewProvider(ctx context.Context, cfg config.ProviderConfig) (Provider, error) {
	var (
		provider *OIDCProvider
		err      error
	)
	switch cfg.Type {
	case "google":
		provider, err = NewGoogleProvider(ctx, GoogleConfig{
			ClientID:     cfg.ClientID,
			ClientSecret: string(cfg.ClientSecret),
			RedirectURI:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
			AuthURL:      cfg.AuthURL,
			TokenURL:     cfg.TokenURL,
			UserInfoURL:  cfg.UserInfoURL,
			Issuer:       cfg.Issuer,
			JWKSURL:      cfg.JWKSURL,
		})

	case "oidc":
		provider, err = NewOIDCProvider(ctx, OIDCConfig{
			ProviderType:     "oidc",
			DiscoveryURL:     cfg.DiscoveryURL,
			AuthorizationURL: cfg.AuthURL,
			TokenURL:         cfg.TokenURL,
			UserInfoURL:      cfg.UserInfoURL,
			Issuer:           cfg.Issuer,
			JWKSURL:          cfg.JWKSURL,
			ClientID:         cfg.ClientID,
			ClientSecret:     string(cfg.ClientSecret),
			RedirectURI:      cfg.RedirectURI,
			Scopes:           cfg.Scopes,
		})

	default:
		return nil, fmt.Errorf("unknown provider type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	return provider, nil
}
