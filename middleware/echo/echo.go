// Package echo provides Echo middleware that authenticates the caller and
// mounts the subscription API on an Echo router.
package echo

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/subsync/internal/ratelimit"
	httpmw "github.com/mihaimyh/subsync/middleware/http"
	"github.com/mihaimyh/subsync/pkg/api"
	"github.com/mihaimyh/subsync/pkg/auth"
)

// IdentityKey is the Echo context key holding the auth.Identity.
const IdentityKey = "subsync:identity"

// Config holds middleware configuration
type Config struct {
	// Authenticator verifies the bearer token (required)
	Authenticator auth.Authenticator

	// Handler is the subscription API. Required by Register.
	Handler *api.Handler

	// RateLimit is the sustained requests per second allowed per user.
	// Zero disables per-user limiting.
	RateLimit float64

	// RateBurst is the per-user burst. Default: 10
	RateBurst int

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context, err error) error

	// OnRateLimitExceeded is called when rate limit is exceeded
	// If nil, returns 429 JSON with Retry-After
	OnRateLimitExceeded func(c echo.Context, userID string) error
}

// Middleware creates an Echo middleware that authenticates the caller. The
// identity is stored both under IdentityKey and in the request context.
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Authenticator == nil {
		panic("subsync/echo: Config.Authenticator is required")
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 10
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit > 0 {
		limiter = ratelimit.New(cfg.RateLimit, cfg.RateBurst)
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id, err := auth.FromRequest(c.Request(), cfg.Authenticator)
			if err != nil {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c, err)
				}
				return defaultUnauthorized(c)
			}

			if limiter != nil && !limiter.Allow(id.UserID) {
				if cfg.OnRateLimitExceeded != nil {
					return cfg.OnRateLimitExceeded(c, id.UserID)
				}
				return defaultRateLimitExceeded(c, cfg.RateLimit)
			}

			c.Set(IdentityKey, id)
			c.SetRequest(c.Request().WithContext(auth.WithIdentity(c.Request().Context(), id)))
			return next(c)
		}
	}
}

// Register mounts the subscription API on e behind Middleware.
func Register(e *echo.Echo, cfg Config) {
	if cfg.Handler == nil {
		panic("subsync/echo: Config.Handler is required")
	}
	mw := Middleware(cfg)
	routes := echo.WrapHandler(cfg.Handler.Routes())
	for _, path := range api.Paths {
		e.Any(path, routes, mw)
	}
}

// FromContext returns the identity stored by Middleware
func FromContext(c echo.Context) (auth.Identity, bool) {
	id, ok := c.Get(IdentityKey).(auth.Identity)
	return id, ok
}

// Default error handlers

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
}

func defaultRateLimitExceeded(c echo.Context, perSecond float64) error {
	c.Response().Header().Set("Retry-After", strconv.Itoa(httpmw.RetryAfter(perSecond)))
	return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
}
