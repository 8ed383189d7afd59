// Package cookie owns the two browser cookies the login endpoints use: the
// session cookie and the popup flow's double-submit CSRF cookie.
package cookie

import (
	"errors"
	"net/http"
	"time"

	"github.com/dgellow/fedlogin/internal/envutil"
	"github.com/dgellow/fedlogin/internal/log"
)

// Cookie names set by the login endpoints
const (
	SessionCookie = "fedlogin_session"
	CSRFCookie    = "fedlogin_csrf"
)

// csrfMaxAge matches the lifetime of a popup login attempt
const csrfMaxAge = 10 * time.Minute

// ErrEmptyCookie is returned when a cookie is present but carries no value
var ErrEmptyCookie = errors.New("cookie has no value")

type attrs struct {
	name     string
	path     string
	httpOnly bool
	sameSite http.SameSite
}

var (
	session = attrs{name: SessionCookie, path: "/", httpOnly: true, sameSite: http.SameSiteLaxMode}
	// The page reads the CSRF cookie to echo it in X-CSRF-Token
	csrf = attrs{name: CSRFCookie, path: "/auth/popup", httpOnly: false, sameSite: http.SameSiteStrictMode}
)

// build returns the cookie; the deletion variant keeps every attribute so
// browsers match it against the cookie being removed
func (a attrs) build(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     a.name,
		Value:    value,
		Path:     a.path,
		HttpOnly: a.httpOnly,
		Secure:   !envutil.IsDev(),
		SameSite: a.sameSite,
		MaxAge:   maxAge,
	}
}

func (a attrs) get(r *http.Request) (string, error) {
	c, err := r.Cookie(a.name)
	if err != nil {
		return "", err
	}
	if c.Value == "" {
		return "", ErrEmptyCookie
	}
	return c.Value, nil
}

// SetSession sets the session cookie so that it expires with the session.
// A session already past expiresAt clears the cookie instead.
func SetSession(w http.ResponseWriter, value string, expiresAt time.Time) {
	maxAge := int(time.Until(expiresAt).Seconds())
	if maxAge <= 0 {
		ClearSession(w)
		return
	}
	c := session.build(value, maxAge)
	http.SetCookie(w, c)

	log.LogTraceWithFields("cookie", "Session cookie set", map[string]any{
		"maxAge": maxAge,
		"secure": c.Secure,
	})
}

// SetCSRF sets the double-submit CSRF cookie for the popup flow
func SetCSRF(w http.ResponseWriter, value string) {
	http.SetCookie(w, csrf.build(value, int(csrfMaxAge.Seconds())))
}

// ClearSession removes the session cookie
func ClearSession(w http.ResponseWriter) {
	http.SetCookie(w, session.build("", -1))
	log.LogTraceWithFields("cookie", "Session cookie cleared", nil)
}

// ClearCSRF removes the CSRF cookie
func ClearCSRF(w http.ResponseWriter) {
	http.SetCookie(w, csrf.build("", -1))
}

// GetSession retrieves the session cookie value
func GetSession(r *http.Request) (string, error) {
	return session.get(r)
}

// GetCSRF retrieves the CSRF cookie value
func GetCSRF(r *http.Request) (string, error) {
	return csrf.get(r)
}
