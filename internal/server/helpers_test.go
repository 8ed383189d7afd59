package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dgellow/fedlogin/internal/config"
	"github.com/dgellow/fedlogin/internal/crypto"
	"github.com/dgellow/fedlogin/internal/idp"
	"github.com/dgellow/fedlogin/internal/login"
	"github.com/dgellow/fedlogin/internal/metrics"
	"github.com/dgellow/fedlogin/internal/storage"
	"github.com/dgellow/fedlogin/internal/testutil"
	"github.com/stretchr/testify/require"
)

const (
	testClientID    = "client-123.apps.googleusercontent.com"
	testRedirectURI = "https://app.example.com/auth/callback"
)

var testCSRF = crypto.NewCSRFProtection([]byte("test-csrf-key-0123456789abcdefgh"), 10*time.Minute)

type testApp struct {
	fake     *testutil.FakeIdP
	store    *storage.MemoryStorage
	recorder *metrics.Recorder
	handler  http.Handler
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	fake := testutil.NewFakeIdP(t, testClientID, testRedirectURI)
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

	store := storage.NewMemoryStorage()
	recorder := metrics.NewRecorder()
	flow := login.NewFlow(login.Stores{Pending: store, Users: store, Sessions: store}, provider, login.Config{
		IdentitySource: config.IdentitySourceIDToken,
		Federation:     login.FederatorConfig{RequireVerifiedEmail: true},
		Exchange:       []login.ExchangerOption{login.WithRetry(3, time.Millisecond)},
		Metrics:        recorder,
	})

	return &testApp{
		fake:     fake,
		store:    store,
		recorder: recorder,
		handler: NewHandler(Options{
			Flow:     flow,
			ClientID: testClientID,
			CSRF:     testCSRF,
			Metrics:  recorder,
		}),
	}
}

func (a *testApp) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	return w
}

func responseCookie(w *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// stubFlow answers every call with the configured error
type stubFlow struct {
	err     error
	session *storage.Session
}

func (s *stubFlow) Begin(context.Context, login.BeginOptions) (*login.LoginRequest, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &login.LoginRequest{RedirectTarget: "https://idp.example.com/authorize", StateToken: "S1", Nonce: "N1"}, nil
}

func (s *stubFlow) CompleteRedirect(context.Context, string, string) (*login.Result, error) {
	return nil, s.err
}

func (s *stubFlow) CompletePopup(context.Context, string, string) (*login.Result, error) {
	return nil, s.err
}

func (s *stubFlow) Authenticate(context.Context, string) (*storage.Session, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.session, nil
}

func (s *stubFlow) Logout(context.Context, string) error {
	return s.err
}
