package server

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dgellow/fedlogin/internal/cookie"
	"github.com/dgellow/fedlogin/internal/login"
	"github.com/dgellow/fedlogin/internal/metrics"
	"github.com/dgellow/fedlogin/internal/storage"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainMiddleware_Order(t *testing.T) {
	var order []string
	tag := func(name string) MiddlewareFunc {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	handler := ChainMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	}), tag("inner"), tag("outer"))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestSessionMiddleware(t *testing.T) {
	active := &storage.Session{SessionID: "sess-1", UserID: 7, ExpiresAt: time.Now().Add(time.Hour)}

	tests := []struct {
		name        string
		flow        *stubFlow
		cookie      string
		wantStatus  int
		wantCleared bool
		wantUserID  int64
	}{
		{
			name:       "no cookie",
			flow:       &stubFlow{session: active},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:        "invalid session",
			flow:        &stubFlow{err: login.ErrSessionInvalid},
			cookie:      "sess-1",
			wantStatus:  http.StatusUnauthorized,
			wantCleared: true,
		},
		{
			name:       "store unavailable",
			flow:       &stubFlow{err: fmt.Errorf("%w: get session", login.ErrStoreUnavailable)},
			cookie:     "sess-1",
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "active session",
			flow:       &stubFlow{session: active},
			cookie:     "sess-1",
			wantStatus: http.StatusOK,
			wantUserID: 7,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotUserID int64
			handler := ChainMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				session, ok := SessionFromContext(r.Context())
				require.True(t, ok)
				gotUserID = session.UserID
			}), NewSessionMiddleware(tt.flow))

			req := httptest.NewRequest(http.MethodGet, "/auth/session", nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: cookie.SessionCookie, Value: tt.cookie})
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantUserID, gotUserID)
			cleared := responseCookie(w, cookie.SessionCookie)
			if tt.wantCleared {
				require.NotNil(t, cleared)
				assert.Less(t, cleared.MaxAge, 0)
			} else {
				assert.Nil(t, cleared)
			}
		})
	}
}

func TestSessionFromContext_Missing(t *testing.T) {
	_, ok := SessionFromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context())
	assert.False(t, ok)
}

func TestNoStoreMiddleware(t *testing.T) {
	handler := ChainMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}), NewNoStoreMiddleware())
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/auth/login", nil))

	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Equal(t, "no-cache", w.Header().Get("Pragma"))
	assert.Equal(t, "no-referrer", w.Header().Get("Referrer-Policy"))
}

func TestRecoverMiddleware(t *testing.T) {
	handler := ChainMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}), NewRecoverMiddleware("test"))

	w := httptest.NewRecorder()
	assert.NotPanics(t, func() {
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestMetricsMiddleware(t *testing.T) {
	recorder := metrics.NewRecorder()
	handler := ChainMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}), NewMetricsMiddleware(recorder, "test"), NewLoggerMiddleware("test"))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/anything?code=secret", nil))

	assert.Equal(t, http.StatusTeapot, w.Code)
	count, err := promtestutil.GatherAndCount(recorder.Registry(), "fedlogin_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestResponseWriterDelegator(t *testing.T) {
	w := httptest.NewRecorder()
	wrapped := wrapResponseWriter(w)
	assert.Same(t, wrapped, wrapResponseWriter(wrapped))

	_, err := wrapped.Write([]byte("hello"))
	require.NoError(t, err)
	wrapped.WriteHeader(http.StatusInternalServerError)

	assert.Equal(t, http.StatusOK, wrapped.Status())
	assert.Equal(t, 5, wrapped.BytesWritten())
	assert.Equal(t, http.ResponseWriter(w), wrapped.Unwrap())
}
