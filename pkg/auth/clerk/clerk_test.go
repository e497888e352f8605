package clerk

import (
	"context"
	"errors"
	"testing"

	clerksdk "github.com/clerk/clerk-sdk-go/v2"
	"github.com/clerk/clerk-sdk-go/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/pkg/auth"
)

func TestNew_RequiresSecretKey(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)

	a, err := New("sk_test_123")
	require.NoError(t, err)
	assert.NotNil(t, a.jwks)
}

func TestAuthenticate(t *testing.T) {
	a, err := New("sk_test_123")
	require.NoError(t, err)

	var gotToken string
	a.verify = func(ctx context.Context, params *jwt.VerifyParams) (*clerksdk.SessionClaims, error) {
		gotToken = params.Token
		assert.NotNil(t, params.JWKSClient)
		claims := &clerksdk.SessionClaims{}
		claims.Subject = "user_2abc"
		claims.Custom = &emailClaims{Email: "u@example.com"}
		return claims, nil
	}

	id, err := a.Authenticate(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "tok", gotToken)
	assert.Equal(t, "user_2abc", id.UserID)
	assert.Equal(t, "u@example.com", id.Email)
}

func TestAuthenticate_Rejected(t *testing.T) {
	a, err := New("sk_test_123")
	require.NoError(t, err)

	a.verify = func(context.Context, *jwt.VerifyParams) (*clerksdk.SessionClaims, error) {
		return nil, errors.New("token expired")
	}
	_, err = a.Authenticate(context.Background(), "tok")
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)

	a.verify = func(context.Context, *jwt.VerifyParams) (*clerksdk.SessionClaims, error) {
		return &clerksdk.SessionClaims{}, nil
	}
	_, err = a.Authenticate(context.Background(), "tok")
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
}
