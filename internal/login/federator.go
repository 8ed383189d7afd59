package login

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgellow/fedlogin/internal/crypto"
	"github.com/dgellow/fedlogin/internal/emailutil"
	"github.com/dgellow/fedlogin/internal/idp"
	"github.com/dgellow/fedlogin/internal/log"
	"github.com/dgellow/fedlogin/internal/metrics"
	"github.com/dgellow/fedlogin/internal/storage"
	"golang.org/x/sync/singleflight"
)

// PlatformLinker signs a verified ID token into a downstream identity
// platform and returns the credential the platform issued for the user.
type PlatformLinker interface {
	Link(ctx context.Context, idToken string) (storage.PlatformCredential, error)
}

// userLookupTimeout bounds the shared lookup-or-create call. It runs detached
// from any single request so one caller giving up does not fail the others.
const userLookupTimeout = 10 * time.Second

// FederatorConfig holds the policy applied to verified identities
type FederatorConfig struct {
	SessionTTL           time.Duration
	RequireVerifiedEmail bool
	AllowedDomains       []string
	Linker               PlatformLinker
	LinkRequired         bool
	Metrics              *metrics.Recorder
}

// Federator turns verified identities into local users and sessions
type Federator struct {
	users    storage.UserStore
	sessions storage.SessionStore
	config   FederatorConfig
	group    singleflight.Group
	now      func() time.Time
}

// NewFederator creates a Federator
func NewFederator(users storage.UserStore, sessions storage.SessionStore, cfg FederatorConfig) *Federator {
	return &Federator{
		users:    users,
		sessions: sessions,
		config:   cfg,
		now:      time.Now,
	}
}

// Federate links the identity to a local user, creating one on first login,
// and issues a new session for it
func (f *Federator) Federate(ctx context.Context, v Verified) (*storage.Session, error) {
	if !v.valid() {
		return nil, fmt.Errorf("%w: identity was not verified", ErrInvalidAssertion)
	}
	identity := v.Identity()

	if f.config.RequireVerifiedEmail && (!identity.EmailVerified || identity.Email == "") {
		log.LogWarnWithFields("login", "Rejected unverified email", map[string]any{
			"subject": identity.SubjectKey(),
		})
		return nil, ErrUnverifiedEmail
	}

	if len(f.config.AllowedDomains) > 0 {
		// An unverified address proves nothing about the domain
		domain := emailutil.NormalizeDomain(identity.HostedDomain)
		if domain == "" && identity.EmailVerified {
			domain = emailutil.ExtractDomain(identity.Email)
		}
		if err := idp.ValidateDomain(domain, f.config.AllowedDomains); err != nil {
			log.LogWarnWithFields("login", "Rejected domain", map[string]any{
				"subject": identity.SubjectKey(),
				"domain":  domain,
			})
			return nil, fmt.Errorf("%w: %w", ErrDomainNotAllowed, err)
		}
	}

	credential, err := f.link(ctx, v)
	if err != nil {
		return nil, err
	}

	user, err := f.lookupOrCreate(ctx, storage.UserLink{
		Subject:     identity.SubjectKey(),
		Email:       emailutil.Normalize(identity.Email),
		PlatformUID: credential.UID,
	})
	if err != nil {
		return nil, err
	}

	if credential.UID == "" {
		credential.UID = user.PlatformUID
	}
	return f.issueSession(ctx, user.UserID, credential)
}

// lookupOrCreate collapses concurrent first logins of one subject into a
// single store call. Each caller still waits on its own ctx.
func (f *Federator) lookupOrCreate(ctx context.Context, link storage.UserLink) (*storage.LocalUser, error) {
	ch := f.group.DoChan(link.Subject, func() (any, error) {
		storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), userLookupTimeout)
		defer cancel()

		user, created, err := f.users.LookupOrCreateUser(storeCtx, link, f.now())
		if err != nil {
			return nil, err
		}
		if created {
			f.config.Metrics.UserCreated()
			log.LogInfoWithFields("login", "Created local user", map[string]any{
				"user_id": user.UserID,
				"subject": link.Subject,
			})
		}
		return user, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, storeError("lookup or create user", res.Err)
		}
		return res.Val.(*storage.LocalUser), nil
	}
}

func (f *Federator) link(ctx context.Context, v Verified) (storage.PlatformCredential, error) {
	if f.config.Linker == nil || v.rawIDToken == "" {
		return storage.PlatformCredential{}, nil
	}

	credential, err := f.config.Linker.Link(ctx, v.rawIDToken)
	if err == nil {
		return credential, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return storage.PlatformCredential{}, ctxErr
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		err = fmt.Errorf("%w: platform link: %w", ErrProfileFetchFailed, err)
	} else {
		err = fmt.Errorf("%w: platform link: %w", ErrProviderRejected, err)
	}

	log.LogErrorWithFields("login", "Platform link failed", map[string]any{
		"subject":  v.identity.SubjectKey(),
		"required": f.config.LinkRequired,
		"error":    err.Error(),
	})
	if f.config.LinkRequired {
		return storage.PlatformCredential{}, err
	}
	return storage.PlatformCredential{}, nil
}

func (f *Federator) issueSession(ctx context.Context, userID int64, platform storage.PlatformCredential) (*storage.Session, error) {
	for attempt := 1; attempt <= maxTokenAttempts; attempt++ {
		id, err := crypto.GenerateSecureToken()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRandomSource, err)
		}

		now := f.now()
		session := &storage.Session{
			SessionID:              id,
			UserID:                 userID,
			PlatformUID:            platform.UID,
			PlatformToken:          platform.Token,
			PlatformTokenExpiresAt: platform.TokenExpiresAt,
			IssuedAt:               now,
			ExpiresAt:              now.Add(f.config.SessionTTL),
		}

		err = f.sessions.CreateSession(ctx, session)
		if errors.Is(err, storage.ErrSessionExists) {
			continue
		}
		if err != nil {
			return nil, storeError("create session", err)
		}

		log.LogInfoWithFields("login", "Session issued", map[string]any{
			"user_id":    userID,
			"session":    log.TokenPrefix(id),
			"expires_at": session.ExpiresAt,
		})
		return session, nil
	}
	return nil, storeError("create session", storage.ErrSessionExists)
}

// Authenticate returns the session if it is usable as proof of authentication
func (f *Federator) Authenticate(ctx context.Context, sessionID string) (*storage.Session, error) {
	if sessionID == "" {
		return nil, ErrSessionInvalid
	}
	session, err := f.sessions.GetSession(ctx, sessionID)
	if errors.Is(err, storage.ErrSessionNotFound) {
		return nil, ErrSessionInvalid
	}
	if err != nil {
		return nil, storeError("get session", err)
	}
	if !session.Active(f.now()) {
		return nil, ErrSessionInvalid
	}
	return session, nil
}

// Logout revokes the session. Unknown sessions are already logged out.
func (f *Federator) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	err := f.sessions.RevokeSession(ctx, sessionID)
	if errors.Is(err, storage.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return storeError("revoke session", err)
	}
	f.config.Metrics.SessionRevoked()
	log.LogInfoWithFields("login", "Session revoked", map[string]any{
		"session": log.TokenPrefix(sessionID),
	})
	return nil
}

