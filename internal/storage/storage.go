package storage

import (
	"context"
	"errors"
	"time"
)

// ErrPendingNotFound is returned when no pending authorization matches a state token
var ErrPendingNotFound = errors.New("pending authorization not found")

// ErrPendingExpired is returned when a pending authorization outlived its TTL
var ErrPendingExpired = errors.New("pending authorization expired")

// ErrPendingConsumed is returned when a pending authorization was already used
var ErrPendingConsumed = errors.New("pending authorization already consumed")

// ErrPendingFlowMismatch is returned when a state token is completed by the
// other flow than the one it was issued for. The pending stays unconsumed.
var ErrPendingFlowMismatch = errors.New("pending authorization belongs to another flow")

// ErrPendingExists is returned when a state token collides with a stored one
var ErrPendingExists = errors.New("pending authorization already exists")

// ErrUserNotFound is returned when a user doesn't exist
var ErrUserNotFound = errors.New("user not found")

// ErrSessionNotFound is returned when a session doesn't exist
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionExists is returned when a session id collides with a stored one
var ErrSessionExists = errors.New("session already exists")

// PendingStore persists in-flight login attempts keyed by state token.
//
// ConsumePending is the only way to read a pending authorization and it is a
// compare-and-set: of N concurrent calls for one state, exactly one succeeds.
// A call naming the wrong flow fails with ErrPendingFlowMismatch and never
// flips the consumed flag.
type PendingStore interface {
	CreatePending(ctx context.Context, p *PendingAuthorization) error
	ConsumePending(ctx context.Context, state string, flow FlowKind, now time.Time) (*PendingAuthorization, error)
	// ReleasePending flips a consumed pending authorization back to unconsumed.
	// Used when the flow failed before the provider redeemed the code.
	ReleasePending(ctx context.Context, state string) error
	DeleteExpiredPending(ctx context.Context, now time.Time) (int, error)
}

// UserStore maps provider subjects to local users.
type UserStore interface {
	// LookupOrCreateUser atomically returns the user linked to link.Subject,
	// creating it when absent. The bool reports whether a user was created.
	LookupOrCreateUser(ctx context.Context, link UserLink, now time.Time) (*LocalUser, bool, error)
	GetUser(ctx context.Context, userID int64) (*LocalUser, error)
}

// SessionStore persists local sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	RevokeSession(ctx context.Context, sessionID string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error)
}

// Storage combines all storage capabilities needed by the login core
type Storage interface {
	PendingStore
	UserStore
	SessionStore
}

// combined lets pending authorizations live in a different backend (redis)
// than users and sessions.
type combined struct {
	PendingStore
	UserStore
	SessionStore
}

// Combine builds a Storage from separate backends
func Combine(pending PendingStore, users UserStore, sessions SessionStore) Storage {
	return &combined{
		PendingStore: pending,
		UserStore:    users,
		SessionStore: sessions,
	}
}
