package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/dgellow/fedlogin/internal/cookie"
	"github.com/dgellow/fedlogin/internal/login"
	"github.com/dgellow/fedlogin/internal/storage"
	"github.com/dgellow/fedlogin/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startLogin hits /auth/login and returns the state and nonce the browser
// would carry to the provider
func startLogin(t *testing.T, app *testApp, returnPath string) (state, nonce string) {
	t.Helper()
	w := app.do(httptest.NewRequest(http.MethodGet, "/auth/login?return="+url.QueryEscape(returnPath), nil))
	require.Equal(t, http.StatusFound, w.Code)

	target, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(target.String(), app.fake.AuthURL()))
	return target.Query().Get("state"), target.Query().Get("nonce")
}

func callback(app *testApp, state, code string) *httptest.ResponseRecorder {
	q := url.Values{"state": {state}, "code": {code}}
	return app.do(httptest.NewRequest(http.MethodGet, "/auth/callback?"+q.Encode(), nil))
}

func TestRedirectLogin_EndToEnd(t *testing.T) {
	app := newTestApp(t)

	state, nonce := startLogin(t, app, "/dashboard")
	code := app.fake.IssueCode(testutil.Grant{Subject: "g-42", Email: "a@x.com", EmailVerified: true, Nonce: nonce})

	w := callback(app, state, code)
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/dashboard", w.Header().Get("Location"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	sessionCookie := responseCookie(w, cookie.SessionCookie)
	require.NotNil(t, sessionCookie)
	assert.True(t, sessionCookie.HttpOnly)
	assert.NotEmpty(t, sessionCookie.Value)

	req := httptest.NewRequest(http.MethodGet, "/auth/session", nil)
	req.AddCookie(sessionCookie)
	w = app.do(req)
	require.Equal(t, http.StatusOK, w.Code)

	var session SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &session))
	assert.Equal(t, int64(1), session.UserID)

	// Replaying the callback never creates a second session
	w = callback(app, state, code)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"login_failed","message":"Login failed, please retry"}`, w.Body.String())
	assert.Equal(t, 1, app.store.CountSessions())
}

func TestRedirectLogin_ReturnPathIsLocal(t *testing.T) {
	app := newTestApp(t)

	state, nonce := startLogin(t, app, "https://evil.example.com/steal")
	code := app.fake.IssueCode(testutil.Grant{Subject: "g-42", Email: "a@x.com", EmailVerified: true, Nonce: nonce})

	w := callback(app, state, code)
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/", w.Header().Get("Location"))
}

func TestCallback_Failures(t *testing.T) {
	tests := []struct {
		name       string
		query      func(app *testApp) url.Values
		wantStatus int
	}{
		{
			name: "provider error",
			query: func(app *testApp) url.Values {
				return url.Values{"error": {"access_denied"}, "state": {"S1"}}
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "unknown state",
			query: func(app *testApp) url.Values {
				return url.Values{"state": {"S1"}, "code": {app.fake.IssueCode(testutil.Grant{Subject: "g-42"})}}
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "missing parameters",
			query: func(app *testApp) url.Values {
				return url.Values{}
			},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp(t)
			w := app.do(httptest.NewRequest(http.MethodGet, "/auth/callback?"+tt.query(app).Encode(), nil))
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Nil(t, responseCookie(w, cookie.SessionCookie))
			assert.Zero(t, app.fake.TokenRequests())
		})
	}
}

func TestCallback_ProviderUnavailable(t *testing.T) {
	app := newTestApp(t)
	state, nonce := startLogin(t, app, "/")
	code := app.fake.IssueCode(testutil.Grant{Subject: "g-42", Email: "a@x.com", EmailVerified: true, Nonce: nonce})
	app.fake.FailTokenRequests(3)

	w := callback(app, state, code)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	// The state was handed back, so the same callback succeeds once the
	// provider recovers
	w = callback(app, state, code)
	assert.Equal(t, http.StatusFound, w.Code)
}

func TestCallback_UnverifiedEmail(t *testing.T) {
	app := newTestApp(t)
	state, nonce := startLogin(t, app, "/")
	code := app.fake.IssueCode(testutil.Grant{Subject: "g-42", Email: "a@x.com", Nonce: nonce})

	w := callback(app, state, code)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, app.store.CountUsers())
}

func beginPopup(t *testing.T, app *testApp) (PopupBeginResponse, *http.Cookie) {
	t.Helper()
	w := app.do(jsonRequest(http.MethodPost, "/auth/popup/begin", `{"return":"/settings"}`))
	require.Equal(t, http.StatusOK, w.Code)

	var resp PopupBeginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	csrfCookie := responseCookie(w, cookie.CSRFCookie)
	require.NotNil(t, csrfCookie)
	return resp, csrfCookie
}

func completePopup(app *testApp, state, credential, header string, csrfCookie *http.Cookie) *httptest.ResponseRecorder {
	body := fmt.Sprintf(`{"state":%q,"credential":%q}`, state, credential)
	req := jsonRequest(http.MethodPost, "/auth/popup/complete", body)
	if header != "" {
		req.Header.Set(CSRFHeader, header)
	}
	if csrfCookie != nil {
		req.AddCookie(csrfCookie)
	}
	return app.do(req)
}

func TestPopupLogin_EndToEnd(t *testing.T) {
	app := newTestApp(t)
	begin, csrfCookie := beginPopup(t, app)
	assert.Equal(t, testClientID, begin.ClientID)
	assert.NotEmpty(t, begin.State)
	assert.NotEmpty(t, begin.Nonce)
	assert.False(t, csrfCookie.HttpOnly)

	credential := app.fake.IDToken(testutil.Grant{Subject: "g-42", Email: "a@x.com", EmailVerified: true, Nonce: begin.Nonce})

	w := completePopup(app, begin.State, credential, csrfCookie.Value, csrfCookie)
	require.Equal(t, http.StatusOK, w.Code)

	var resp PopupCompleteResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "/settings", resp.ReturnURL)
	assert.NotNil(t, responseCookie(w, cookie.SessionCookie))
	assert.Equal(t, 1, app.store.CountSessions())
}

func TestPopupComplete_CSRF(t *testing.T) {
	tests := []struct {
		name   string
		header func(valid string) string
		cookie bool
	}{
		{name: "missing header", header: func(string) string { return "" }, cookie: true},
		{name: "missing cookie", header: func(valid string) string { return valid }, cookie: false},
		{name: "header differs from cookie", header: func(string) string { return "forged:1:abc" }, cookie: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp(t)
			begin, csrfCookie := beginPopup(t, app)
			credential := app.fake.IDToken(testutil.Grant{Subject: "g-42", Email: "a@x.com", EmailVerified: true, Nonce: begin.Nonce})

			var c *http.Cookie
			if tt.cookie {
				c = csrfCookie
			}
			w := completePopup(app, begin.State, credential, tt.header(csrfCookie.Value), c)
			assert.Equal(t, http.StatusForbidden, w.Code)
			assert.Zero(t, app.store.CountSessions())
		})
	}

	t.Run("token from another popup attempt", func(t *testing.T) {
		app := newTestApp(t)
		_, firstCookie := beginPopup(t, app)
		second, _ := beginPopup(t, app)
		credential := app.fake.IDToken(testutil.Grant{Subject: "g-42", Email: "a@x.com", EmailVerified: true, Nonce: second.Nonce})

		w := completePopup(app, second.State, credential, firstCookie.Value, firstCookie)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Zero(t, app.store.CountSessions())
	})

	t.Run("signed by another key", func(t *testing.T) {
		app := newTestApp(t)
		begin, _ := beginPopup(t, app)
		forged := &http.Cookie{Name: cookie.CSRFCookie, Value: "nonce:1700000000:signature"}
		w := completePopup(app, begin.State, "eyJ.x.y", forged.Value, forged)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestPopupComplete_InvalidBody(t *testing.T) {
	app := newTestApp(t)
	_, csrfCookie := beginPopup(t, app)

	req := jsonRequest(http.MethodPost, "/auth/popup/complete", `{not json`)
	req.Header.Set(CSRFHeader, csrfCookie.Value)
	req.AddCookie(csrfCookie)
	w := app.do(req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLogout(t *testing.T) {
	app := newTestApp(t)
	state, nonce := startLogin(t, app, "/")
	w := callback(app, state, app.fake.IssueCode(testutil.Grant{Subject: "g-42", Email: "a@x.com", EmailVerified: true, Nonce: nonce}))
	sessionCookie := responseCookie(w, cookie.SessionCookie)
	require.NotNil(t, sessionCookie)

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(sessionCookie)
	w = app.do(req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	cleared := responseCookie(w, cookie.SessionCookie)
	require.NotNil(t, cleared)
	assert.Less(t, cleared.MaxAge, 0)

	req = httptest.NewRequest(http.MethodGet, "/auth/session", nil)
	req.AddCookie(sessionCookie)
	w = app.do(req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Logging out without a session is not an error
	w = app.do(httptest.NewRequest(http.MethodPost, "/auth/logout", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestSessionHandler_PlatformToken(t *testing.T) {
	tests := []struct {
		name      string
		expiresAt time.Time
		wantToken string
	}{
		{name: "live token", expiresAt: time.Now().Add(time.Hour), wantToken: "firebase-token"},
		{name: "stale token", expiresAt: time.Now().Add(-time.Minute)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp(t)
			require.NoError(t, app.store.CreateSession(context.Background(), &storage.Session{
				SessionID:              "session-1",
				UserID:                 7,
				PlatformUID:            "firebase-uid",
				PlatformToken:          "firebase-token",
				PlatformTokenExpiresAt: tt.expiresAt,
				IssuedAt:               time.Now(),
				ExpiresAt:              time.Now().Add(time.Hour),
			}))

			req := httptest.NewRequest(http.MethodGet, "/auth/session", nil)
			req.AddCookie(&http.Cookie{Name: cookie.SessionCookie, Value: "session-1"})
			w := app.do(req)
			require.Equal(t, http.StatusOK, w.Code)

			var session SessionResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &session))
			assert.Equal(t, "firebase-uid", session.PlatformUID)
			assert.Equal(t, tt.wantToken, session.PlatformToken)
			if tt.wantToken == "" {
				assert.NotContains(t, w.Body.String(), "platform_token")
			}
		})
	}
}

func TestMethodsAreEnforced(t *testing.T) {
	app := newTestApp(t)

	w := app.do(httptest.NewRequest(http.MethodGet, "/auth/logout", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = app.do(httptest.NewRequest(http.MethodPost, "/auth/login", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestLoginErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "validation failure", err: login.ErrReplayedState, wantStatus: http.StatusBadRequest},
		{name: "provider rejected", err: login.ErrProviderRejected, wantStatus: http.StatusBadRequest},
		{name: "provider unavailable", err: login.ErrProviderUnavailable, wantStatus: http.StatusBadGateway},
		{name: "profile fetch failed", err: login.ErrProfileFetchFailed, wantStatus: http.StatusBadGateway},
		{name: "store unavailable", err: fmt.Errorf("%w: boom", login.ErrStoreUnavailable), wantStatus: http.StatusServiceUnavailable},
		{name: "random source", err: login.ErrRandomSource, wantStatus: http.StatusServiceUnavailable},
		{name: "deadline", err: context.DeadlineExceeded, wantStatus: http.StatusServiceUnavailable},
		{name: "unexpected", err: io.ErrUnexpectedEOF, wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHandler(Options{Flow: &stubFlow{err: tt.err}, CSRF: testCSRF})
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/auth/callback?state=S1&code=C1", nil))

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.NotContains(t, w.Body.String(), tt.err.Error())
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	app := newTestApp(t)
	startLogin(t, app, "/")

	w := app.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `fedlogin_logins_begun_total{flow="redirect"} 1`)
	assert.Contains(t, w.Body.String(), `fedlogin_http_requests_total{method="GET",route="login",status="3xx"} 1`)
}
