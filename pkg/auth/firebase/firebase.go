// Package firebase authenticates Firebase ID tokens.
package firebase

import (
	"context"
	"errors"
	"fmt"

	firebaseapp "firebase.google.com/go/v4"
	fbauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"github.com/mihaimyh/subsync/pkg/auth"
)

// TokenVerifier is the subset of *auth.Client used here.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*fbauth.Token, error)
}

// Config configures the Firebase authenticator.
type Config struct {
	// ProjectID is the Firebase project. Required.
	ProjectID string
	// CredentialsFile is an optional service account key file. Application
	// default credentials are used when empty.
	CredentialsFile string
}

// Authenticator verifies Firebase ID tokens.
type Authenticator struct {
	verifier TokenVerifier
}

var _ auth.Authenticator = (*Authenticator)(nil)

// New initializes a Firebase app and its auth client.
func New(ctx context.Context, config Config) (*Authenticator, error) {
	if config.ProjectID == "" {
		return nil, errors.New("firebase: project id is required")
	}

	var opts []option.ClientOption
	if config.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(config.CredentialsFile))
	}

	app, err := firebaseapp.NewApp(ctx, &firebaseapp.Config{ProjectID: config.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting auth client: %w", err)
	}
	return NewWithVerifier(client), nil
}

// NewWithVerifier wraps an existing verifier.
func NewWithVerifier(verifier TokenVerifier) *Authenticator {
	return &Authenticator{verifier: verifier}
}

// Authenticate implements auth.Authenticator.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (auth.Identity, error) {
	t, err := a.verifier.VerifyIDToken(ctx, token)
	if err != nil {
		return auth.Identity{}, fmt.Errorf("%w: %v", auth.ErrUnauthenticated, err)
	}
	if t == nil || t.UID == "" {
		return auth.Identity{}, auth.ErrUnauthenticated
	}

	id := auth.Identity{UserID: t.UID}
	if email, ok := t.Claims["email"].(string); ok {
		id.Email = email
	}
	return id, nil
}
