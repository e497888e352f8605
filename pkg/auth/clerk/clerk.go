// Package clerk authenticates Clerk session tokens.
package clerk

import (
	"context"
	"errors"
	"fmt"
	"strings"

	clerksdk "github.com/clerk/clerk-sdk-go/v2"
	"github.com/clerk/clerk-sdk-go/v2/jwks"
	"github.com/clerk/clerk-sdk-go/v2/jwt"

	"github.com/mihaimyh/subsync/pkg/auth"
)

// EmailClaim is the custom session claim read as the user's email. Add it to
// the Clerk session token template to have it populated.
const EmailClaim = "email"

type verifyFunc func(ctx context.Context, params *jwt.VerifyParams) (*clerksdk.SessionClaims, error)

// Authenticator verifies Clerk session JWTs against the instance's JWKS.
type Authenticator struct {
	jwks   *jwks.Client
	verify verifyFunc
}

var _ auth.Authenticator = (*Authenticator)(nil)

// New creates an authenticator for the Clerk instance owning secretKey.
func New(secretKey string) (*Authenticator, error) {
	secretKey = strings.TrimSpace(secretKey)
	if secretKey == "" {
		return nil, errors.New("clerk: secret key is required")
	}
	client := jwks.NewClient(&clerksdk.ClientConfig{
		BackendConfig: clerksdk.BackendConfig{Key: clerksdk.String(secretKey)},
	})
	return &Authenticator{jwks: client, verify: jwt.Verify}, nil
}

// Authenticate implements auth.Authenticator.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (auth.Identity, error) {
	claims, err := a.verify(ctx, &jwt.VerifyParams{
		Token:      token,
		JWKSClient: a.jwks,
		CustomClaimsConstructor: func(context.Context) any {
			return &emailClaims{}
		},
	})
	if err != nil {
		return auth.Identity{}, fmt.Errorf("%w: %v", auth.ErrUnauthenticated, err)
	}
	if claims == nil || claims.Subject == "" {
		return auth.Identity{}, auth.ErrUnauthenticated
	}

	id := auth.Identity{UserID: claims.Subject}
	if custom, ok := claims.Custom.(*emailClaims); ok {
		id.Email = custom.Email
	}
	return id, nil
}

type emailClaims struct {
	Email string `json:"email"`
}
