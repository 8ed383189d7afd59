package storage

import (
	"context"
	"sync"
	"time"

	"github.com/dgellow/fedlogin/internal/log"
)

// Ensure MemoryStorage implements required interfaces
var _ Storage = (*MemoryStorage)(nil)

// MemoryStorage keeps everything in process memory.
// Each map has its own mutex; every check-and-set happens under the write lock.
type MemoryStorage struct {
	pending      map[string]*PendingAuthorization // map[state] = pending
	pendingMutex sync.Mutex

	users      map[int64]*LocalUser
	links      map[string]int64 // map[subject] = user id
	nextUserID int64
	usersMutex sync.RWMutex

	sessions      map[string]*Session // map[sessionID] = session
	sessionsMutex sync.RWMutex
}

// NewMemoryStorage creates a new storage instance
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		pending:  make(map[string]*PendingAuthorization),
		users:    make(map[int64]*LocalUser),
		links:    make(map[string]int64),
		sessions: make(map[string]*Session),
	}
}

// CreatePending stores a new pending authorization
func (s *MemoryStorage) CreatePending(_ context.Context, p *PendingAuthorization) error {
	s.pendingMutex.Lock()
	defer s.pendingMutex.Unlock()

	if _, exists := s.pending[p.StateToken]; exists {
		return ErrPendingExists
	}
	pendingCopy := *p
	s.pending[p.StateToken] = &pendingCopy
	return nil
}

// ConsumePending marks the pending authorization consumed and returns it
func (s *MemoryStorage) ConsumePending(_ context.Context, state string, flow FlowKind, now time.Time) (*PendingAuthorization, error) {
	s.pendingMutex.Lock()
	defer s.pendingMutex.Unlock()

	p, ok := s.pending[state]
	if !ok {
		return nil, ErrPendingNotFound
	}
	if p.Flow != flow {
		return nil, ErrPendingFlowMismatch
	}
	if p.Expired(now) {
		return nil, ErrPendingExpired
	}
	if p.Consumed {
		return nil, ErrPendingConsumed
	}
	p.Consumed = true

	out := *p
	return &out, nil
}

// ReleasePending undoes a consume
func (s *MemoryStorage) ReleasePending(_ context.Context, state string) error {
	s.pendingMutex.Lock()
	defer s.pendingMutex.Unlock()

	p, ok := s.pending[state]
	if !ok {
		return ErrPendingNotFound
	}
	p.Consumed = false
	return nil
}

// DeleteExpiredPending drops pending authorizations past their TTL
func (s *MemoryStorage) DeleteExpiredPending(_ context.Context, now time.Time) (int, error) {
	s.pendingMutex.Lock()
	defer s.pendingMutex.Unlock()

	count := 0
	for state, p := range s.pending {
		if p.Expired(now) {
			delete(s.pending, state)
			count++
		}
	}
	return count, nil
}

// LookupOrCreateUser finds the user linked to the subject or creates one
func (s *MemoryStorage) LookupOrCreateUser(_ context.Context, link UserLink, now time.Time) (*LocalUser, bool, error) {
	s.usersMutex.Lock()
	defer s.usersMutex.Unlock()

	if id, exists := s.links[link.Subject]; exists {
		user := s.users[id]
		user.LastLoginAt = now
		if link.PlatformUID != "" {
			user.PlatformUID = link.PlatformUID
		}
		out := *user
		return &out, false, nil
	}

	s.nextUserID++
	user := &LocalUser{
		UserID:          s.nextUserID,
		LinkedSubjectID: link.Subject,
		Email:           link.Email,
		PlatformUID:     link.PlatformUID,
		CreatedAt:       now,
		LastLoginAt:     now,
	}
	s.users[user.UserID] = user
	s.links[link.Subject] = user.UserID

	log.LogDebugWithFields("storage", "Created local user", map[string]any{
		"user_id": user.UserID,
		"subject": link.Subject,
	})

	out := *user
	return &out, true, nil
}

// GetUser returns a user by local id
func (s *MemoryStorage) GetUser(_ context.Context, userID int64) (*LocalUser, error) {
	s.usersMutex.RLock()
	defer s.usersMutex.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	out := *user
	return &out, nil
}

// CountUsers returns the number of local users
func (s *MemoryStorage) CountUsers() int {
	s.usersMutex.RLock()
	defer s.usersMutex.RUnlock()
	return len(s.users)
}

// CreateSession stores a new session; ids are never reused
func (s *MemoryStorage) CreateSession(_ context.Context, session *Session) error {
	s.sessionsMutex.Lock()
	defer s.sessionsMutex.Unlock()

	if _, exists := s.sessions[session.SessionID]; exists {
		return ErrSessionExists
	}
	sessionCopy := *session
	s.sessions[session.SessionID] = &sessionCopy
	return nil
}

// GetSession returns a session by id
func (s *MemoryStorage) GetSession(_ context.Context, sessionID string) (*Session, error) {
	s.sessionsMutex.RLock()
	defer s.sessionsMutex.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	out := *session
	return &out, nil
}

// RevokeSession marks a session revoked
func (s *MemoryStorage) RevokeSession(_ context.Context, sessionID string) error {
	s.sessionsMutex.Lock()
	defer s.sessionsMutex.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	session.Revoked = true
	return nil
}

// DeleteExpiredSessions drops sessions past their expiry
func (s *MemoryStorage) DeleteExpiredSessions(_ context.Context, now time.Time) (int, error) {
	s.sessionsMutex.Lock()
	defer s.sessionsMutex.Unlock()

	count := 0
	for id, session := range s.sessions {
		if !now.Before(session.ExpiresAt) {
			delete(s.sessions, id)
			count++
		}
	}
	return count, nil
}

// CountSessions returns the number of stored sessions, revoked included
func (s *MemoryStorage) CountSessions() int {
	s.sessionsMutex.RLock()
	defer s.sessionsMutex.RUnlock()
	return len(s.sessions)
}
