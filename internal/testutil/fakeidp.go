// Package testutil provides an in-process identity provider and mocks for
// exercising the login flows without network access.
package testutil

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

const fakeKeyID = "fake-idp-key"

// Grant describes the user behind an authorization code.
type Grant struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	HostedDomain  string
	Nonce         string

	// OmitIDToken makes the token endpoint answer without an id_token.
	OmitIDToken bool
}

// FakeIdP is a Google-shaped identity provider served by httptest.
// Codes are single use, like the real thing.
type FakeIdP struct {
	Server      *httptest.Server
	Issuer      string
	ClientID    string
	RedirectURI string

	key *rsa.PrivateKey

	mu            sync.Mutex
	codes         map[string]Grant
	redeemed      map[string]bool
	accessTokens  map[string]Grant
	tokenFailures int
	tokenRequests int
	userInfoCode  int
	nextCode      int
}

// NewFakeIdP starts a fake provider. The server is closed with the test.
func NewFakeIdP(t testing.TB, clientID, redirectURI string) *FakeIdP {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate signing key: %v", err)
	}

	f := &FakeIdP{
		ClientID:     clientID,
		RedirectURI:  redirectURI,
		key:          key,
		codes:        make(map[string]Grant),
		redeemed:     make(map[string]bool),
		accessTokens: make(map[string]Grant),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", f.handleToken)
	mux.HandleFunc("/userinfo", f.handleUserInfo)
	mux.HandleFunc("/jwks", f.handleJWKS)
	f.Server = httptest.NewServer(mux)
	f.Issuer = f.Server.URL
	t.Cleanup(f.Server.Close)
	return f
}

func (f *FakeIdP) AuthURL() string     { return f.Server.URL + "/authorize" }
func (f *FakeIdP) TokenURL() string    { return f.Server.URL + "/token" }
func (f *FakeIdP) UserInfoURL() string { return f.Server.URL + "/userinfo" }
func (f *FakeIdP) JWKSURL() string     { return f.Server.URL + "/jwks" }

// KeySet returns a key set holding the signing key's public half.
func (f *FakeIdP) KeySet() oidc.KeySet {
	return &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{f.key.Public()}}
}

// IssueCode registers a fresh authorization code for the grant.
func (f *FakeIdP) IssueCode(g Grant) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextCode++
	code := fmt.Sprintf("code-%d", f.nextCode)
	f.codes[code] = g
	return code
}

// FailTokenRequests makes the next n token requests answer 503.
func (f *FakeIdP) FailTokenRequests(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenFailures = n
}

// SetUserInfoStatus forces the userinfo endpoint to answer with the code.
// Zero restores normal behavior.
func (f *FakeIdP) SetUserInfoStatus(code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userInfoCode = code
}

// TokenRequests returns how many requests hit the token endpoint.
func (f *FakeIdP) TokenRequests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenRequests
}

// IDToken signs an ID token for the grant with standard claims.
func (f *FakeIdP) IDToken(g Grant) string {
	claims := jwt.MapClaims{
		"iss":            f.Issuer,
		"aud":            f.ClientID,
		"sub":            g.Subject,
		"email":          g.Email,
		"email_verified": g.EmailVerified,
		"iat":            time.Now().Unix(),
		"exp":            time.Now().Add(time.Hour).Unix(),
	}
	if g.Name != "" {
		claims["name"] = g.Name
	}
	if g.HostedDomain != "" {
		claims["hd"] = g.HostedDomain
	}
	if g.Nonce != "" {
		claims["nonce"] = g.Nonce
	}
	return f.Sign(claims)
}

// Sign signs arbitrary claims with the provider key.
func (f *FakeIdP) Sign(claims jwt.MapClaims) string {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = fakeKeyID
	signed, err := token.SignedString(f.key)
	if err != nil {
		panic(fmt.Sprintf("failed to sign token: %v", err))
	}
	return signed
}

// handleJWKS publishes the signing key for verifiers that fetch it remotely
func (f *FakeIdP) handleJWKS(w http.ResponseWriter, r *http.Request) {
	keys := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       f.key.Public(),
		KeyID:     fakeKeyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(keys)
}

func (f *FakeIdP) handleToken(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenRequests++

	if f.tokenFailures > 0 {
		f.tokenFailures--
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		return
	}

	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if r.PostForm.Get("client_id") != f.ClientID {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client")
		return
	}
	if r.PostForm.Get("redirect_uri") != f.RedirectURI {
		writeOAuthError(w, http.StatusBadRequest, "redirect_uri_mismatch")
		return
	}

	code := r.PostForm.Get("code")
	g, ok := f.codes[code]
	if !ok || f.redeemed[code] {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant")
		return
	}
	f.redeemed[code] = true

	accessToken := "at-" + code
	f.accessTokens[accessToken] = g

	resp := map[string]any{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   3600,
	}
	if !g.OmitIDToken {
		resp["id_token"] = f.IDToken(g)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *FakeIdP) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.userInfoCode != 0 {
		w.WriteHeader(f.userInfoCode)
		return
	}

	g, ok := f.accessTokens[strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")]
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":             g.Subject,
		"email":          g.Email,
		"verified_email": g.EmailVerified,
		"name":           g.Name,
		"hd":             g.HostedDomain,
	})
}

func writeOAuthError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}
