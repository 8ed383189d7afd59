package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/dgellow/fedlogin/internal/cookie"
	"github.com/dgellow/fedlogin/internal/crypto"
	jsonwriter "github.com/dgellow/fedlogin/internal/json"
	"github.com/dgellow/fedlogin/internal/log"
	"github.com/dgellow/fedlogin/internal/login"
	"github.com/dgellow/fedlogin/internal/storage"
)

const (
	// CallbackTimeout bounds the provider round trips behind one callback
	CallbackTimeout = 30 * time.Second

	// CSRFHeader carries the double-submitted CSRF cookie on popup completion
	CSRFHeader = "X-CSRF-Token"

	maxPopupBody = 64 << 10
)

// LoginFlow is the login state machine as seen by the HTTP boundary
type LoginFlow interface {
	Begin(ctx context.Context, opts login.BeginOptions) (*login.LoginRequest, error)
	CompleteRedirect(ctx context.Context, state, code string) (*login.Result, error)
	CompletePopup(ctx context.Context, state, credential string) (*login.Result, error)
	Authenticate(ctx context.Context, sessionID string) (*storage.Session, error)
	Logout(ctx context.Context, sessionID string) error
}

// LoginHandlers serve the login endpoints. They only move strings between
// the browser and the flow; provider tokens never pass through here.
type LoginHandlers struct {
	flow     LoginFlow
	clientID string
	csrf     crypto.CSRFProtection
}

// NewLoginHandlers creates the login handlers
func NewLoginHandlers(flow LoginFlow, clientID string, csrf crypto.CSRFProtection) *LoginHandlers {
	return &LoginHandlers{
		flow:     flow,
		clientID: clientID,
		csrf:     csrf,
	}
}

// PopupBeginResponse carries what the sign-in widget needs
type PopupBeginResponse struct {
	State     string    `json:"state"`
	Nonce     string    `json:"nonce"`
	ClientID  string    `json:"client_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PopupCompleteRequest is posted by the page once the widget produced a credential
type PopupCompleteRequest struct {
	State      string `json:"state"`
	Credential string `json:"credential"`
}

// PopupCompleteResponse tells the page where to go next
type PopupCompleteResponse struct {
	ReturnURL string    `json:"return_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionResponse describes the caller's session
type SessionResponse struct {
	UserID                 int64      `json:"user_id"`
	PlatformUID            string     `json:"platform_uid,omitempty"`
	PlatformToken          string     `json:"platform_token,omitempty"`
	PlatformTokenExpiresAt *time.Time `json:"platform_token_expires_at,omitempty"`
	IssuedAt               time.Time  `json:"issued_at"`
	ExpiresAt              time.Time  `json:"expires_at"`
}

// LoginHandler starts a redirect login
func (h *LoginHandlers) LoginHandler(w http.ResponseWriter, r *http.Request) {
	req, err := h.flow.Begin(r.Context(), login.BeginOptions{
		Flow:      storage.FlowRedirect,
		ReturnURL: r.URL.Query().Get("return"),
	})
	if err != nil {
		writeLoginError(w, err)
		return
	}
	http.Redirect(w, r, req.RedirectTarget, http.StatusFound)
}

// CallbackHandler completes a redirect login
func (h *LoginHandlers) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if errCode := query.Get("error"); errCode != "" {
		log.LogWarnWithFields("http", "Provider returned an error to the callback", map[string]any{
			"error": errCode,
			"state": log.TokenPrefix(query.Get("state")),
		})
		jsonwriter.WriteLoginFailed(w)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), CallbackTimeout)
	defer cancel()

	result, err := h.flow.CompleteRedirect(ctx, query.Get("state"), query.Get("code"))
	if err != nil {
		writeLoginError(w, err)
		return
	}

	cookie.SetSession(w, result.Session.SessionID, result.Session.ExpiresAt)
	http.Redirect(w, r, result.ReturnURL, http.StatusFound)
}

// PopupBeginHandler starts a popup login
func (h *LoginHandlers) PopupBeginHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Return string `json:"return"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPopupBody)).Decode(&body); err != nil {
			jsonwriter.WriteBadRequest(w, "Invalid request body")
			return
		}
	}

	req, err := h.flow.Begin(r.Context(), login.BeginOptions{
		Flow:      storage.FlowPopup,
		ReturnURL: body.Return,
	})
	if err != nil {
		writeLoginError(w, err)
		return
	}

	token, err := h.csrf.Generate(req.StateToken)
	if err != nil {
		log.LogErrorWithFields("http", "Failed to generate CSRF token", map[string]any{
			"error": err.Error(),
		})
		jsonwriter.WriteInternalServerError(w, "Please retry later")
		return
	}
	cookie.SetCSRF(w, token)

	_ = jsonwriter.Write(w, PopupBeginResponse{
		State:     req.StateToken,
		Nonce:     req.Nonce,
		ClientID:  h.clientID,
		ExpiresAt: req.ExpiresAt,
	})
}

// PopupCompleteHandler completes a popup login with the posted credential
func (h *LoginHandlers) PopupCompleteHandler(w http.ResponseWriter, r *http.Request) {
	var body PopupCompleteRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPopupBody)).Decode(&body); err != nil {
		jsonwriter.WriteBadRequest(w, "Invalid request body")
		return
	}

	if !h.validCSRF(r, body.State) {
		log.LogWarnWithFields("http", "Popup completion without a valid CSRF token", map[string]any{
			"remote_addr": r.RemoteAddr,
		})
		jsonwriter.WriteForbidden(w, "Invalid CSRF token")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), CallbackTimeout)
	defer cancel()

	result, err := h.flow.CompletePopup(ctx, body.State, body.Credential)
	if err != nil {
		writeLoginError(w, err)
		return
	}

	cookie.ClearCSRF(w)
	cookie.SetSession(w, result.Session.SessionID, result.Session.ExpiresAt)
	_ = jsonwriter.Write(w, PopupCompleteResponse{
		ReturnURL: result.ReturnURL,
		ExpiresAt: result.Session.ExpiresAt,
	})
}

// validCSRF requires the header to echo the cookie and the token to be bound
// to the popup state being completed
func (h *LoginHandlers) validCSRF(r *http.Request, state string) bool {
	header := r.Header.Get(CSRFHeader)
	if header == "" {
		return false
	}
	fromCookie, err := cookie.GetCSRF(r)
	if err != nil || fromCookie != header {
		return false
	}
	return h.csrf.Validate(header, state)
}

// LogoutHandler revokes the caller's session
func (h *LoginHandlers) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	if sessionID, err := cookie.GetSession(r); err == nil {
		if err := h.flow.Logout(r.Context(), sessionID); err != nil {
			writeLoginError(w, err)
			return
		}
	}
	cookie.ClearSession(w)
	w.WriteHeader(http.StatusNoContent)
}

// SessionHandler describes the session NewSessionMiddleware found
func (h *LoginHandlers) SessionHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFromContext(r.Context())
	if !ok {
		jsonwriter.WriteUnauthorized(w, "Not logged in")
		return
	}
	resp := SessionResponse{
		UserID:      session.UserID,
		PlatformUID: session.PlatformUID,
		IssuedAt:    session.IssuedAt,
		ExpiresAt:   session.ExpiresAt,
	}
	// Only the cookie holder reaches this handler; stale platform tokens stay behind
	if session.PlatformToken != "" && time.Now().Before(session.PlatformTokenExpiresAt) {
		resp.PlatformToken = session.PlatformToken
		expiresAt := session.PlatformTokenExpiresAt
		resp.PlatformTokenExpiresAt = &expiresAt
	}
	_ = jsonwriter.Write(w, resp)
}

// writeLoginError maps flow errors to responses without echoing details
func writeLoginError(w http.ResponseWriter, err error) {
	switch {
	case login.IsValidationFailure(err):
		jsonwriter.WriteLoginFailed(w)
	case login.IsTransient(err):
		log.LogErrorWithFields("http", "Upstream failure during login", map[string]any{
			"error": err.Error(),
		})
		jsonwriter.WriteBadGateway(w, "Identity provider unavailable, please retry")
	case login.IsFatal(err), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		log.LogErrorWithFields("http", "Login aborted", map[string]any{
			"error": err.Error(),
		})
		jsonwriter.WriteServiceUnavailable(w, "Please retry later")
	default:
		log.LogErrorWithFields("http", "Unexpected login error", map[string]any{
			"error": err.Error(),
		})
		jsonwriter.WriteInternalServerError(w, "Login failed")
	}
}
