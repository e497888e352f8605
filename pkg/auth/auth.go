// Package auth resolves bearer tokens to users. Identity providers plug in
// through the Authenticator interface.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthenticated is returned for missing, malformed or rejected tokens.
var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Email  string
}

// Authenticator verifies a bearer token. Implementations return an error
// wrapping ErrUnauthenticated when the token is not acceptable.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(ctx context.Context, token string) (Identity, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, token string) (Identity, error) {
	return f(ctx, token)
}

// Static authenticates a fixed set of tokens. Useful for tests and local
// development.
func Static(tokens map[string]Identity) Authenticator {
	return AuthenticatorFunc(func(_ context.Context, token string) (Identity, error) {
		id, ok := tokens[token]
		if !ok {
			return Identity{}, ErrUnauthenticated
		}
		return id, nil
	})
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.Join(ErrUnauthenticated, errors.New("authorization header required"))
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", errors.Join(ErrUnauthenticated, errors.New("use 'Bearer <token>'"))
	}
	return strings.TrimSpace(token), nil
}

// FromRequest authenticates the request's bearer token.
func FromRequest(r *http.Request, a Authenticator) (Identity, error) {
	token, err := BearerToken(r.Header.Get("Authorization"))
	if err != nil {
		return Identity{}, err
	}
	id, err := a.Authenticate(r.Context(), token)
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			return Identity{}, err
		}
		return Identity{}, errors.Join(ErrUnauthenticated, err)
	}
	if id.UserID == "" {
		return Identity{}, ErrUnauthenticated
	}
	return id, nil
}

type contextKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored by WithIdentity.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok && id.UserID != ""
}
