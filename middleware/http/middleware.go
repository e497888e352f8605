// Package http provides net/http middleware that authenticates bearer tokens
// and rate limits each user before the subscription API runs.
package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/mihaimyh/subsync/internal/ratelimit"
	"github.com/mihaimyh/subsync/pkg/api"
	"github.com/mihaimyh/subsync/pkg/auth"
)

// Config holds middleware configuration
type Config struct {
	// Authenticator verifies the bearer token (required)
	Authenticator auth.Authenticator

	// RateLimit is the sustained requests per second allowed per user.
	// Zero disables per-user limiting.
	RateLimit float64

	// RateBurst is the per-user burst. Default: 10
	RateBurst int

	// OnUnauthorized is called when the token is missing or rejected
	// If nil, returns 401 JSON
	OnUnauthorized func(w http.ResponseWriter, r *http.Request, err error)

	// OnRateLimitExceeded is called when the user is over the limit
	// If nil, returns 429 JSON with Retry-After
	OnRateLimitExceeded func(w http.ResponseWriter, r *http.Request, userID string)
}

// Middleware creates an HTTP middleware that authenticates the caller and
// stores the identity in the request context (see auth.FromContext).
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Authenticator == nil {
		panic("subsync/http: Config.Authenticator is required")
	}
	if config.RateBurst <= 0 {
		config.RateBurst = 10
	}

	var limiter *ratelimit.Limiter
	if config.RateLimit > 0 {
		limiter = ratelimit.New(config.RateLimit, config.RateBurst)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := auth.FromRequest(r, config.Authenticator)
			if err != nil {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r, err)
				} else {
					defaultUnauthorized(w, err)
				}
				return
			}

			if limiter != nil && !limiter.Allow(id.UserID) {
				if config.OnRateLimitExceeded != nil {
					config.OnRateLimitExceeded(w, r, id.UserID)
				} else {
					defaultRateLimitExceeded(w, config.RateLimit)
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
		})
	}
}

// HandlerFunc creates an HTTP middleware (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

// Handler wraps the subscription API routes with the middleware.
func Handler(config Config, h *api.Handler) http.Handler {
	if h == nil {
		panic("subsync/http: api handler is required")
	}
	return Middleware(config)(h.Routes())
}

// RetryAfter returns the Retry-After value in whole seconds for a per-second
// rate, never less than one.
func RetryAfter(perSecond float64) int {
	if perSecond <= 0 {
		return 1
	}
	secs := int(time.Duration(float64(time.Second)/perSecond).Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func defaultUnauthorized(w http.ResponseWriter, _ error) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
}

func defaultRateLimitExceeded(w http.ResponseWriter, perSecond float64) {
	w.Header().Set("Retry-After", strconv.Itoa(RetryAfter(perSecond)))
	writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
