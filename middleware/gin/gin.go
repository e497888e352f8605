// Package gin provides Gin middleware that authenticates the caller and
// mounts the subscription API on a Gin router.
package gin

import (
	"net/http"
	"strconv"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/subsync/internal/ratelimit"
	httpmw "github.com/mihaimyh/subsync/middleware/http"
	"github.com/mihaimyh/subsync/pkg/api"
	"github.com/mihaimyh/subsync/pkg/auth"
)

// IdentityKey is the Gin context key holding the auth.Identity.
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
	OnUnauthorized func(c *gongin.Context, err error)

	// OnRateLimitExceeded is called when rate limit is exceeded
	// If nil, returns 429 JSON with Retry-After
	OnRateLimitExceeded func(c *gongin.Context, userID string)
}

// Middleware creates a Gin middleware that authenticates the caller. The
// identity is stored both under IdentityKey and in the request context.
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Authenticator == nil {
		panic("subsync/gin: Config.Authenticator is required")
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 10
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit > 0 {
		limiter = ratelimit.New(cfg.RateLimit, cfg.RateBurst)
	}

	return func(c *gongin.Context) {
		id, err := auth.FromRequest(c.Request, cfg.Authenticator)
		if err != nil {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c, err)
			} else {
				defaultUnauthorized(c)
			}
			c.Abort()
			return
		}

		if limiter != nil && !limiter.Allow(id.UserID) {
			if cfg.OnRateLimitExceeded != nil {
				cfg.OnRateLimitExceeded(c, id.UserID)
			} else {
				defaultRateLimitExceeded(c, cfg.RateLimit)
			}
			c.Abort()
			return
		}

		c.Set(IdentityKey, id)
		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), id))
		c.Next()
	}
}

// Register mounts the subscription API on r behind Middleware.
func Register(r gongin.IRouter, cfg Config) {
	if cfg.Handler == nil {
		panic("subsync/gin: Config.Handler is required")
	}
	mw := Middleware(cfg)
	routes := gongin.WrapH(cfg.Handler.Routes())
	for _, path := range api.Paths {
		r.Any(path, mw, routes)
	}
}

// FromContext returns the identity stored by Middleware
func FromContext(c *gongin.Context) (auth.Identity, bool) {
	if val, exists := c.Get(IdentityKey); exists {
		if id, ok := val.(auth.Identity); ok {
			return id, true
		}
	}
	return auth.Identity{}, false
}

// Default error handlers

func defaultUnauthorized(c *gongin.Context) {
	c.JSON(http.StatusUnauthorized, gongin.H{"error": "unauthorized"})
}

func defaultRateLimitExceeded(c *gongin.Context, perSecond float64) {
	c.Header("Retry-After", strconv.Itoa(httpmw.RetryAfter(perSecond)))
	c.JSON(http.StatusTooManyRequests, gongin.H{"error": "rate limit exceeded"})
}
