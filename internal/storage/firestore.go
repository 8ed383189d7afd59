package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/dgellow/fedlogin/internal/crypto"
	"github.com/dgellow/fedlogin/internal/log"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStorage implements Storage using Google Cloud Firestore.
//
// Collections (prefixed with the configured prefix):
//   - <prefix>_pending:  pending authorizations, doc id = crypto.HashToken(state token)
//   - <prefix>_users:    local users, doc id = decimal user id
//   - <prefix>_links:    subject -> user id, doc id = escaped subject
//   - <prefix>_sessions: sessions, doc id = crypto.HashToken(session id)
//   - <prefix>_meta:     the user id counter
//
// Consume and lookup-or-create run in transactions. Firestore retries a
// transaction whose reads were invalidated by a concurrent commit, so two
// racing callers serialize on the documents they both read.
type FirestoreStorage struct {
	client   *firestore.Client
	pending  string
	users    string
	links    string
	sessions string
	meta     string
}

// Ensure FirestoreStorage implements Storage interface
var _ Storage = (*FirestoreStorage)(nil)

type userCounterDoc struct {
	Next int64 `firestore:"next"`
}

type linkDoc struct {
	UserID int64 `firestore:"user_id"`
}

// NewFirestoreStorage creates a new Firestore storage instance
func NewFirestoreStorage(ctx context.Context, projectID, database, prefix string) (*FirestoreStorage, error) {
	// Validate required parameters
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required")
	}
	if prefix == "" {
		return nil, fmt.Errorf("collection prefix is required")
	}

	var client *firestore.Client
	var err error

	// Firestore client with custom database
	if database != "" && database != "(default)" {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, database)
	} else {
		client, err = firestore.NewClient(ctx, projectID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	log.LogInfoWithFields("storage", "Firestore storage ready", map[string]any{
		"project":  projectID,
		"database": database,
		"prefix":   prefix,
	})

	return &FirestoreStorage{
		client:   client,
		pending:  prefix + "_pending",
		users:    prefix + "_users",
		links:    prefix + "_links",
		sessions: prefix + "_sessions",
		meta:     prefix + "_meta",
	}, nil
}

// Close closes the Firestore client
func (s *FirestoreStorage) Close() error {
	return s.client.Close()
}

// CreatePending stores a new pending authorization
func (s *FirestoreStorage) CreatePending(ctx context.Context, p *PendingAuthorization) error {
	_, err := s.client.Collection(s.pending).Doc(crypto.HashToken(p.StateToken)).Create(ctx, p)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return ErrPendingExists
		}
		return fmt.Errorf("failed to store pending authorization: %w", err)
	}
	return nil
}

// ConsumePending flips the consumed flag inside a transaction
func (s *FirestoreStorage) ConsumePending(ctx context.Context, state string, flow FlowKind, now time.Time) (*PendingAuthorization, error) {
	if state == "" {
		return nil, ErrPendingNotFound
	}
	ref := s.client.Collection(s.pending).Doc(crypto.HashToken(state))

	var out PendingAuthorization
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return ErrPendingNotFound
			}
			return err
		}

		var p PendingAuthorization
		if err := doc.DataTo(&p); err != nil {
			return fmt.Errorf("failed to unmarshal pending authorization: %w", err)
		}
		if p.Flow != flow {
			return ErrPendingFlowMismatch
		}
		if p.Expired(now) {
			return ErrPendingExpired
		}
		if p.Consumed {
			return ErrPendingConsumed
		}

		p.StateToken = state
		p.Consumed = true
		out = p
		return tx.Update(ref, []firestore.Update{{Path: "consumed", Value: true}})
	})
	if err != nil {
		if isPendingSentinel(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to consume pending authorization: %w", err)
	}
	return &out, nil
}

func isPendingSentinel(err error) bool {
	return errors.Is(err, ErrPendingNotFound) ||
		errors.Is(err, ErrPendingFlowMismatch) ||
		errors.Is(err, ErrPendingExpired) ||
		errors.Is(err, ErrPendingConsumed)
}

// ReleasePending resets the consumed flag
func (s *FirestoreStorage) ReleasePending(ctx context.Context, state string) error {
	_, err := s.client.Collection(s.pending).Doc(crypto.HashToken(state)).Update(ctx, []firestore.Update{
		{Path: "consumed", Value: false},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return ErrPendingNotFound
		}
		return fmt.Errorf("failed to release pending authorization: %w", err)
	}
	return nil
}

// DeleteExpiredPending deletes pending authorizations past their TTL
func (s *FirestoreStorage) DeleteExpiredPending(ctx context.Context, now time.Time) (int, error) {
	return s.deleteWhereExpired(ctx, s.pending, now)
}

func (s *FirestoreStorage) deleteWhereExpired(ctx context.Context, collection string, now time.Time) (int, error) {
	iter := s.client.Collection(collection).Where("expires_at", "<=", now).Documents(ctx)
	defer iter.Stop()

	count := 0
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return count, fmt.Errorf("error iterating %s: %w", collection, err)
		}
		if _, err := doc.Ref.Delete(ctx); err != nil {
			log.LogErrorWithFields("storage", "Failed to delete expired document", map[string]any{
				"collection": collection,
				"error":      err.Error(),
			})
			continue
		}
		count++
	}
	return count, nil
}

// LookupOrCreateUser resolves the subject link inside one transaction.
// The link document is read before any write, so a concurrent creator for the
// same subject invalidates this transaction and it retries into the lookup branch.
func (s *FirestoreStorage) LookupOrCreateUser(ctx context.Context, link UserLink, now time.Time) (*LocalUser, bool, error) {
	linkRef := s.client.Collection(s.links).Doc(url.PathEscape(link.Subject))
	counterRef := s.client.Collection(s.meta).Doc("user_counter")

	var out LocalUser
	var created bool
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		created = false

		linkSnap, err := tx.Get(linkRef)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		if err == nil {
			var l linkDoc
			if err := linkSnap.DataTo(&l); err != nil {
				return fmt.Errorf("failed to unmarshal link: %w", err)
			}
			userRef := s.userRef(l.UserID)
			userSnap, err := tx.Get(userRef)
			if err != nil {
				return fmt.Errorf("link points to missing user %d: %w", l.UserID, err)
			}
			if err := userSnap.DataTo(&out); err != nil {
				return fmt.Errorf("failed to unmarshal user: %w", err)
			}
			updates := []firestore.Update{{Path: "last_login_at", Value: now}}
			out.LastLoginAt = now
			if link.PlatformUID != "" {
				updates = append(updates, firestore.Update{Path: "platform_uid", Value: link.PlatformUID})
				out.PlatformUID = link.PlatformUID
			}
			return tx.Update(userRef, updates)
		}

		var counter userCounterDoc
		counterSnap, err := tx.Get(counterRef)
		switch {
		case err == nil:
			if err := counterSnap.DataTo(&counter); err != nil {
				return fmt.Errorf("failed to unmarshal user counter: %w", err)
			}
		case status.Code(err) == codes.NotFound:
			counter.Next = 1
		default:
			return err
		}
		if counter.Next < 1 {
			counter.Next = 1
		}

		out = LocalUser{
			UserID:          counter.Next,
			LinkedSubjectID: link.Subject,
			Email:           link.Email,
			PlatformUID:     link.PlatformUID,
			CreatedAt:       now,
			LastLoginAt:     now,
		}
		created = true

		if err := tx.Set(counterRef, userCounterDoc{Next: counter.Next + 1}); err != nil {
			return err
		}
		if err := tx.Create(s.userRef(out.UserID), out); err != nil {
			return err
		}
		return tx.Create(linkRef, linkDoc{UserID: out.UserID})
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to lookup or create user: %w", err)
	}

	if created {
		log.LogInfoWithFields("storage", "Created local user", map[string]any{
			"user_id": out.UserID,
		})
	}
	return &out, created, nil
}

func (s *FirestoreStorage) userRef(userID int64) *firestore.DocumentRef {
	return s.client.Collection(s.users).Doc(fmt.Sprintf("%d", userID))
}

// GetUser returns a user by local id
func (s *FirestoreStorage) GetUser(ctx context.Context, userID int64) (*LocalUser, error) {
	doc, err := s.userRef(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user from Firestore: %w", err)
	}

	var user LocalUser
	if err := doc.DataTo(&user); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return &user, nil
}

func (s *FirestoreStorage) sessionRef(sessionID string) *firestore.DocumentRef {
	return s.client.Collection(s.sessions).Doc(crypto.HashToken(sessionID))
}

// CreateSession stores a session under the hash of its id
func (s *FirestoreStorage) CreateSession(ctx context.Context, session *Session) error {
	_, err := s.sessionRef(session.SessionID).Create(ctx, session)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return ErrSessionExists
		}
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// GetSession returns a session by id
func (s *FirestoreStorage) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	doc, err := s.sessionRef(sessionID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session from Firestore: %w", err)
	}

	var session Session
	if err := doc.DataTo(&session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	session.SessionID = sessionID
	return &session, nil
}

// RevokeSession marks a session revoked
func (s *FirestoreStorage) RevokeSession(ctx context.Context, sessionID string) error {
	_, err := s.sessionRef(sessionID).Update(ctx, []firestore.Update{
		{Path: "revoked", Value: true},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return ErrSessionNotFound
		}
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

// DeleteExpiredSessions deletes sessions past their expiry
func (s *FirestoreStorage) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	return s.deleteWhereExpired(ctx, s.sessions, now)
}
