package storage

import "time"

// FlowKind distinguishes the two ways a pending authorization can be completed
type FlowKind string

const (
	// FlowRedirect completes with an authorization code on the callback URL
	FlowRedirect FlowKind = "redirect"
	// FlowPopup completes with an ID token posted by the browser widget
	FlowPopup FlowKind = "popup"
)

// PendingAuthorization represents one in-flight login attempt
type PendingAuthorization struct {
	StateToken     string    `json:"state_token" firestore:"-"`
	Nonce          string    `json:"nonce" firestore:"nonce"`
	Flow           FlowKind  `json:"flow" firestore:"flow"`
	RedirectURI    string    `json:"redirect_uri" firestore:"redirect_uri"`
	RedirectTarget string    `json:"redirect_target" firestore:"redirect_target"`
	ReturnURL      string    `json:"return_url,omitempty" firestore:"return_url,omitempty"`
	CreatedAt      time.Time `json:"created_at" firestore:"created_at"`
	ExpiresAt      time.Time `json:"expires_at" firestore:"expires_at"`
	Consumed       bool      `json:"consumed" firestore:"consumed"`
}

// Expired reports whether the pending authorization is past its TTL at now
func (p *PendingAuthorization) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// UserLink carries what the federator knows about a verified external identity
type UserLink struct {
	Subject     string
	Email       string
	PlatformUID string
}

// PlatformCredential is what a downstream identity platform (Firebase) issued
// for one login: the platform's id for the user and a short-lived token the
// browser can sign in to the platform with.
type PlatformCredential struct {
	UID            string
	Token          string
	TokenExpiresAt time.Time
}

// LocalUser is the application's own identity record
type LocalUser struct {
	UserID          int64     `json:"user_id" firestore:"user_id"`
	LinkedSubjectID string    `json:"linked_subject_id" firestore:"linked_subject_id"`
	Email           string    `json:"email" firestore:"email"`
	PlatformUID     string    `json:"platform_uid,omitempty" firestore:"platform_uid,omitempty"`
	CreatedAt       time.Time `json:"created_at" firestore:"created_at"`
	LastLoginAt     time.Time `json:"last_login_at" firestore:"last_login_at"`
}

// Session is a local session credential
type Session struct {
	SessionID   string    `json:"-" firestore:"-"`
	UserID      int64     `json:"user_id" firestore:"user_id"`
	PlatformUID string    `json:"platform_uid,omitempty" firestore:"platform_uid,omitempty"`
	IssuedAt    time.Time `json:"issued_at" firestore:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at" firestore:"expires_at"`
	Revoked     bool      `json:"revoked" firestore:"revoked"`

	// The platform token is only ever handed back to the session's owner
	PlatformToken          string    `json:"-" firestore:"platform_token,omitempty"`
	PlatformTokenExpiresAt time.Time `json:"-" firestore:"platform_token_expires_at,omitempty"`
}

// Active reports whether the session is usable as proof of authentication at now
func (s *Session) Active(now time.Time) bool {
	return !s.Revoked && now.Before(s.ExpiresAt)
}
