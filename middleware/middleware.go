// Package middleware adapts the decisioner to net/http via a chi-compatible
// middleware function (spec §4.9): it extracts a Source from the request,
// runs a Decision, sets the X-RateLimit-* headers, and in enforcement mode
// short-circuits a hard deny with 429.
package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/quotaforge/ratelimit/config"
	"github.com/quotaforge/ratelimit/decision"
	"github.com/quotaforge/ratelimit/identity"
)

// Middleware wraps a Decisioner for use as HTTP middleware.
type Middleware struct {
	decisioner *decision.Decisioner
	mode       config.Mode
}

// New constructs the middleware.
func New(d *decision.Decisioner, mode config.Mode) *Middleware {
	return &Middleware{decisioner: d, mode: mode}
}

// Handler is a chi/net-http compatible middleware: func(http.Handler) http.Handler.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		src := identity.Source{
			Authorization: r.Header.Get("Authorization"),
			APIKey:        r.Header.Get("X-API-Key"),
			XTenantID:     r.Header.Get("X-Tenant-ID"),
			XUserID:       r.Header.Get("X-User-ID"),
			Path:          r.URL.Path,
			RemoteAddr:    r.RemoteAddr,
		}

		dec, err := m.decisioner.Decide(r.Context(), src, string(m.mode))
		if err != nil {
			// Fail open: a decisioning error never blocks the request
			// (spec §7's fail-open error taxonomy).
			slog.Warn("rate limit decision failed, failing open", "error", err, "path", r.URL.Path)
			next.ServeHTTP(w, r)
			return
		}

		writeHeaders(w, dec)

		if !dec.Allowed {
			switch m.mode {
			case config.ModeShadow:
				// Rate-limit headers are already set above; the request is
				// never blocked: purely for traffic observation.
				next.ServeHTTP(w, r)
				return
			case config.ModeLogging:
				slog.Info("rate limit would deny", "path", r.URL.Path, "scope", dec.Scope, "banned", dec.Banned)
				next.ServeHTTP(w, r)
				return
			default: // ModeEnforcement
				writeDenied(w, dec)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func writeHeaders(w http.ResponseWriter, dec decision.Decision) {
	if dec.Banned {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(0, dec.Remaining)))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(dec.ResetAt.Unix(), 10))
	if !dec.Allowed && dec.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(dec.RetryAfter.Seconds())))
	}
}

type deniedBody struct {
	Error  string `json:"error"`
	Scope  string `json:"scope,omitempty"`
	Banned bool   `json:"banned,omitempty"`
}

func writeDenied(w http.ResponseWriter, dec decision.Decision) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	body := deniedBody{Error: "rate limit exceeded", Scope: string(dec.Scope), Banned: dec.Banned}
	_ = json.NewEncoder(w).Encode(body)
}
