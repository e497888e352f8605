// Package fiber provides Fiber middleware that authenticates the caller and
// mounts the subscription API on a Fiber app.
package fiber

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/mihaimyh/subsync/internal/ratelimit"
	httpmw "github.com/mihaimyh/subsync/middleware/http"
	"github.com/mihaimyh/subsync/pkg/api"
	"github.com/mihaimyh/subsync/pkg/auth"
)

// IdentityKey is the Fiber locals key holding the auth.Identity.
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
	// If nil, returns 401 Unauthorized. Not used by Register.
	OnUnauthorized func(c *fiber.Ctx, err error) error

	// OnRateLimitExceeded is called when rate limit is exceeded
	// If nil, returns 429 JSON with Retry-After. Not used by Register.
	OnRateLimitExceeded func(c *fiber.Ctx, userID string) error
}

// Middleware creates a Fiber middleware that authenticates the caller and
// stores the identity in c.Locals(IdentityKey).
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Authenticator == nil {
		panic("subsync/fiber: Config.Authenticator is required")
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 10
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit > 0 {
		limiter = ratelimit.New(cfg.RateLimit, cfg.RateBurst)
	}

	return func(c *fiber.Ctx) error {
		token, err := auth.BearerToken(c.Get(fiber.HeaderAuthorization))
		var id auth.Identity
		if err == nil {
			id, err = cfg.Authenticator.Authenticate(c.UserContext(), token)
		}
		if err == nil && id.UserID == "" {
			err = auth.ErrUnauthenticated
		}
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

		c.Locals(IdentityKey, id)
		c.SetUserContext(auth.WithIdentity(c.UserContext(), id))
		return c.Next()
	}
}

// Register mounts the subscription API on app. Authentication and rate
// limiting run on the net/http side of the adaptor, with the default
// responses of middleware/http.
func Register(app fiber.Router, cfg Config) {
	if cfg.Handler == nil {
		panic("subsync/fiber: Config.Handler is required")
	}
	if cfg.Authenticator == nil {
		panic("subsync/fiber: Config.Authenticator is required")
	}
	h := adaptor.HTTPHandler(httpmw.Handler(httpmw.Config{
		Authenticator: cfg.Authenticator,
		RateLimit:     cfg.RateLimit,
		RateBurst:     cfg.RateBurst,
	}, cfg.Handler))
	for _, path := range api.Paths {
		app.All(path, h)
	}
}

// FromContext returns the identity stored by Middleware
func FromContext(c *fiber.Ctx) (auth.Identity, bool) {
	id, ok := c.Locals(IdentityKey).(auth.Identity)
	return id, ok
}

// Default error handlers

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
}

func defaultRateLimitExceeded(c *fiber.Ctx, perSecond float64) error {
	c.Set(fiber.HeaderRetryAfter, strconv.Itoa(httpmw.RetryAfter(perSecond)))
	return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate limit exceeded"})
}
