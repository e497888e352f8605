package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mihaimyh/subsync/pkg/auth"
	"github.com/mihaimyh/subsync/pkg/subscription"
)

// Service is the lifecycle API the handlers drive. *lifecycle.Service
// implements it.
type Service interface {
	Status(ctx context.Context, userID string) (*subscription.Subscription, *subscription.UserSettings, error)
	History(ctx context.Context, userID string, limit int) ([]*subscription.HistoryEvent, error)
	Upgrade(ctx context.Context, userID string) (*subscription.Subscription, error)
	Pause(ctx context.Context, userID string) (*subscription.Subscription, error)
	Resume(ctx context.Context, userID string) (*subscription.Subscription, error)
	ApplyDiscount(ctx context.Context, userID, reason string) (*subscription.Subscription, error)
	RemoveDiscount(ctx context.Context, userID string) (*subscription.Subscription, error)
	ScheduleDowngrade(ctx context.Context, userID string) (*subscription.Subscription, error)
	CancelScheduledDowngrade(ctx context.Context, userID string) (*subscription.Subscription, error)
}

// Config holds configuration for the subscription API handler
type Config struct {
	// Service runs the lifecycle actions (required)
	Service Service

	// Authenticator verifies the request's bearer token. When nil the
	// identity must already be in the request context (see auth.WithIdentity),
	// which is what the middleware packages do.
	Authenticator auth.Authenticator

	// GetIdentity overrides how the caller is resolved. Takes precedence over
	// Authenticator.
	GetIdentity func(*http.Request) (auth.Identity, error)

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger receives unexpected errors. Defaults to a no-op logger.
	Logger subscription.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Service == nil {
		return fmt.Errorf("service is required")
	}
	return nil
}

// NewHandler creates a new subscription API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &subscription.NoopLogger{}
	}
	if config.GetIdentity == nil {
		if config.Authenticator != nil {
			a := config.Authenticator
			config.GetIdentity = func(r *http.Request) (auth.Identity, error) {
				return auth.FromRequest(r, a)
			}
		} else {
			config.GetIdentity = FromContext()
		}
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common identity extraction patterns

// FromHeader returns a GetIdentity function that trusts a header set by an
// upstream gateway.
func FromHeader(headerName string) func(*http.Request) (auth.Identity, error) {
	return func(r *http.Request) (auth.Identity, error) {
		userID := r.Header.Get(headerName)
		if userID == "" {
			return auth.Identity{}, auth.ErrUnauthenticated
		}
		return auth.Identity{UserID: userID}, nil
	}
}

// FromContext returns a GetIdentity function reading the identity stored by
// the authentication middleware.
func FromContext() func(*http.Request) (auth.Identity, error) {
	return func(r *http.Request) (auth.Identity, error) {
		id, ok := auth.FromContext(r.Context())
		if !ok {
			return auth.Identity{}, auth.ErrUnauthenticated
		}
		return id, nil
	}
}
