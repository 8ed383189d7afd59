// Package metrics exposes login and HTTP counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fedlogin"

// Recorder owns a private registry so tests and multiple instances never
// collide on the global one.
type Recorder struct {
	registry *prometheus.Registry

	loginsBegun     *prometheus.CounterVec
	loginsCompleted *prometheus.CounterVec
	loginDuration   *prometheus.HistogramVec
	usersCreated    prometheus.Counter
	sessionsRevoked prometheus.Counter
	pendingReleased *prometheus.CounterVec
	recordsSwept    *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
}

// NewRecorder creates and registers all collectors
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),

		loginsBegun: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_begun_total",
			Help:      "Authorization requests issued",
		}, []string{"flow"}),

		loginsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_completed_total",
			Help:      "Completed login attempts by outcome",
		}, []string{"flow", "outcome"}),

		loginDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "login_completion_duration_seconds",
			Help:      "Time spent completing a login, from callback to session",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"flow"}),

		usersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "users_created_total",
			Help:      "Local users created on first login",
		}),

		sessionsRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_revoked_total",
			Help:      "Sessions revoked by logout",
		}),

		pendingReleased: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_released_total",
			Help:      "Consumed pending authorizations handed back after a failure before the code was redeemed",
		}, []string{"flow"}),

		recordsSwept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_swept_total",
			Help:      "Expired records removed by the cleanup manager",
		}, []string{"kind"}),

		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
	}

	r.registry.MustRegister(
		r.loginsBegun,
		r.loginsCompleted,
		r.loginDuration,
		r.usersCreated,
		r.sessionsRevoked,
		r.pendingReleased,
		r.recordsSwept,
		r.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Handler serves the registry for scraping
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry exposes the underlying registry
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// LoginBegun counts an issued authorization request
func (r *Recorder) LoginBegun(flow string) {
	if r == nil {
		return
	}
	r.loginsBegun.WithLabelValues(flow).Inc()
}

// LoginCompleted counts a finished attempt and its duration
func (r *Recorder) LoginCompleted(flow, outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.loginsCompleted.WithLabelValues(flow, outcome).Inc()
	r.loginDuration.WithLabelValues(flow).Observe(elapsed.Seconds())
}

// UserCreated counts a first login
func (r *Recorder) UserCreated() {
	if r == nil {
		return
	}
	r.usersCreated.Inc()
}

// SessionRevoked counts a logout
func (r *Recorder) SessionRevoked() {
	if r == nil {
		return
	}
	r.sessionsRevoked.Inc()
}

// PendingReleased counts a pending authorization handed back for retry
func (r *Recorder) PendingReleased(flow string) {
	if r == nil {
		return
	}
	r.pendingReleased.WithLabelValues(flow).Inc()
}

// RecordsSwept counts expired records removed by a cleanup sweep
func (r *Recorder) RecordsSwept(kind string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.recordsSwept.WithLabelValues(kind).Add(float64(n))
}

// HTTPRequest counts one served request
func (r *Recorder) HTTPRequest(method, route string, status int) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(method, route, statusClass(status)).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
