package login

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgellow/fedlogin/internal/config"
	"github.com/dgellow/fedlogin/internal/idp"
	"github.com/dgellow/fedlogin/internal/storage"
	"github.com/dgellow/fedlogin/internal/testutil"
	"github.com/stretchr/testify/require"
)

const (
	testClientID    = "client-123.apps.googleusercontent.com"
	testRedirectURI = "https://app.example.com/auth/callback"
)

var errBackendDown = errors.New("backend down")

func newTestProvider(t *testing.T, fake *testutil.FakeIdP) *idp.OIDCProvider {
	t.Helper()
	provider, err := idp.NewGoogleProvider(context.Background(), idp.GoogleConfig{
		ClientID:     fake.ClientID,
		ClientSecret: "client-secret",
		RedirectURI:  fake.RedirectURI,
		AuthURL:      fake.AuthURL(),
		TokenURL:     fake.TokenURL(),
		UserInfoURL:  fake.UserInfoURL(),
		Issuer:       fake.Issuer,
		KeySet:       fake.KeySet(),
	})
	require.NoError(t, err)
	return provider
}

type testEnv struct {
	fake     *testutil.FakeIdP
	provider *idp.OIDCProvider
	store    *storage.MemoryStorage
	flow     *Flow
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	fake := testutil.NewFakeIdP(t, testClientID, testRedirectURI)
	provider := newTestProvider(t, fake)
	store := storage.NewMemoryStorage()

	if cfg.IdentitySource == "" {
		cfg.IdentitySource = config.IdentitySourceIDToken
	}
	if cfg.Exchange == nil {
		cfg.Exchange = []ExchangerOption{WithRetry(3, time.Millisecond)}
	}

	flow := NewFlow(Stores{Pending: store, Users: store, Sessions: store}, provider, cfg)
	return &testEnv{fake: fake, provider: provider, store: store, flow: flow}
}

// begin starts a redirect login and returns the request with a code the
// fake provider will redeem for the grant
func (e *testEnv) begin(t *testing.T, g testutil.Grant) (*LoginRequest, string) {
	t.Helper()
	req, err := e.flow.Begin(context.Background(), BeginOptions{Flow: storage.FlowRedirect, ReturnURL: "/dashboard"})
	require.NoError(t, err)
	g.Nonce = req.Nonce
	return req, e.fake.IssueCode(g)
}

func verifiedGrant(subject, email string) testutil.Grant {
	return testutil.Grant{Subject: subject, Email: email, EmailVerified: true, Name: "Test User"}
}

// failingPendingStore fails every call with err
type failingPendingStore struct {
	err error
}

func (s failingPendingStore) CreatePending(context.Context, *storage.PendingAuthorization) error {
	return s.err
}

func (s failingPendingStore) ConsumePending(context.Context, string, storage.FlowKind, time.Time) (*storage.PendingAuthorization, error) {
	return nil, s.err
}

func (s failingPendingStore) ReleasePending(context.Context, string) error {
	return s.err
}

func (s failingPendingStore) DeleteExpiredPending(context.Context, time.Time) (int, error) {
	return 0, s.err
}

// collidingSessionStore reports a collision for the first n creates
type collidingSessionStore struct {
	*storage.MemoryStorage
	collisions int
	attempts   int
}

func (s *collidingSessionStore) CreateSession(ctx context.Context, session *storage.Session) error {
	s.attempts++
	if s.attempts <= s.collisions {
		return storage.ErrSessionExists
	}
	return s.MemoryStorage.CreateSession(ctx, session)
}

// countingUserStore counts LookupOrCreateUser calls reaching the store
type countingUserStore struct {
	*storage.MemoryStorage
	calls atomic.Int32
}

func (s *countingUserStore) LookupOrCreateUser(ctx context.Context, link storage.UserLink, now time.Time) (*storage.LocalUser, bool, error) {
	s.calls.Add(1)
	time.Sleep(5 * time.Millisecond)
	return s.MemoryStorage.LookupOrCreateUser(ctx, link, now)
}

// blockingUserStore holds LookupOrCreateUser until release is closed or the
// call's ctx ends
type blockingUserStore struct {
	*storage.MemoryStorage
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (s *blockingUserStore) LookupOrCreateUser(ctx context.Context, link storage.UserLink, now time.Time) (*storage.LocalUser, bool, error) {
	s.calls.Add(1)
	select {
	case s.entered <- struct{}{}:
	default:
	}
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
	return s.MemoryStorage.LookupOrCreateUser(ctx, link, now)
}
