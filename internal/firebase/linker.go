// Package firebase links verified Google identities into a Firebase project
// through the Identity Toolkit signInWithIdp endpoint.
package firebase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/dgellow/fedlogin/internal/log"
	"github.com/dgellow/fedlogin/internal/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/identitytoolkit/v3"
	"google.golang.org/api/option"
)

// GoogleProviderID is the Firebase id of the Google sign-in provider
const GoogleProviderID = "google.com"

// Config configures a Linker
type Config struct {
	APIKey string
	// RequestURI must be a URI the Firebase project accepts as a continue
	// URL; the login redirect URI is used.
	RequestURI string
	// Endpoint overrides the Identity Toolkit base URL, e.g. for the emulator.
	Endpoint string
}

// Linker signs Google ID tokens into Firebase
type Linker struct {
	service    *identitytoolkit.Service
	requestURI string
}

// Error is a failed link. Temporary reports whether retrying may help.
type Error struct {
	StatusCode int
	Message    string
	temporary  bool
	err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("firebase link failed (%d): %s", e.StatusCode, e.Message)
	}
	return "firebase link failed: " + e.Message
}

func (e *Error) Unwrap() error   { return e.err }
func (e *Error) Temporary() bool { return e.temporary }

// NewLinker creates a Linker
func NewLinker(ctx context.Context, cfg Config) (*Linker, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("firebase api key is required")
	}
	if cfg.RequestURI == "" {
		return nil, fmt.Errorf("firebase request uri is required")
	}

	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	service, err := identitytoolkit.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create identity toolkit client: %w", err)
	}

	return &Linker{service: service, requestURI: cfg.RequestURI}, nil
}

// Link signs the ID token into Firebase. The credential carries the Firebase
// localId and, when the toolkit returned one, the Firebase ID token.
func (l *Linker) Link(ctx context.Context, idToken string) (storage.PlatformCredential, error) {
	postBody := url.Values{
		"id_token":   {idToken},
		"providerId": {GoogleProviderID},
	}.Encode()

	resp, err := l.service.Relyingparty.VerifyAssertion(&identitytoolkit.IdentitytoolkitRelyingpartyVerifyAssertionRequest{
		PostBody:          postBody,
		RequestUri:        l.requestURI,
		ReturnSecureToken: true,
	}).Context(ctx).Do()
	if err != nil {
		return storage.PlatformCredential{}, classify(err)
	}

	if resp.ErrorMessage != "" {
		return storage.PlatformCredential{}, &Error{Message: resp.ErrorMessage}
	}
	if resp.LocalId == "" {
		return storage.PlatformCredential{}, &Error{Message: "response has no localId"}
	}

	credential := storage.PlatformCredential{UID: resp.LocalId, Token: resp.IdToken}
	if resp.IdToken != "" && resp.ExpiresIn > 0 {
		credential.TokenExpiresAt = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}

	log.LogDebugWithFields("firebase", "Linked identity", map[string]any{
		"local_id":    resp.LocalId,
		"new_user":    resp.IsNewUser,
		"needs_merge": resp.NeedConfirmation,
		"has_token":   resp.IdToken != "",
	})
	return credential, nil
}

func classify(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return &Error{
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
			temporary:  apiErr.Code >= http.StatusInternalServerError || apiErr.Code == http.StatusTooManyRequests,
			err:        err,
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	// Transport failure, the toolkit never answered
	return &Error{Message: err.Error(), temporary: true, err: err}
}
