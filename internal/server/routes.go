package server

import (
	"net/http"

	"github.com/dgellow/fedlogin/internal/crypto"
	"github.com/dgellow/fedlogin/internal/metrics"
)

// Options configure the HTTP handler
type Options struct {
	Flow         LoginFlow
	ClientID     string
	CSRF         crypto.CSRFProtection
	Metrics      *metrics.Recorder
	HealthChecks map[string]Pinger
}

// NewHandler builds the complete HTTP handler with all routes and middleware
func NewHandler(opts Options) http.Handler {
	mux := http.NewServeMux()
	handlers := NewLoginHandlers(opts.Flow, opts.ClientID, opts.CSRF)

	authLogger := NewLoggerMiddleware("auth")
	authRecover := NewRecoverMiddleware("auth")
	noStore := NewNoStoreMiddleware()

	// route wraps h so that recover runs outermost and the route-specific
	// middleware innermost
	route := func(pattern, name string, h http.HandlerFunc, extra ...MiddlewareFunc) {
		middlewares := append(extra, noStore, NewMetricsMiddleware(opts.Metrics, name), authLogger, authRecover)
		mux.Handle(pattern, ChainMiddleware(h, middlewares...))
	}

	route("GET /auth/login", "login", handlers.LoginHandler)
	route("GET /auth/callback", "callback", handlers.CallbackHandler)
	route("POST /auth/popup/begin", "popup_begin", handlers.PopupBeginHandler)
	route("POST /auth/popup/complete", "popup_complete", handlers.PopupCompleteHandler)
	route("POST /auth/logout", "logout", handlers.LogoutHandler)
	route("GET /auth/session", "session", handlers.SessionHandler, NewSessionMiddleware(opts.Flow))

	mux.Handle("GET /health", NewHealthHandler(opts.HealthChecks))
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics.Handler())
	}

	return mux
}
