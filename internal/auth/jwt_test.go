package auth

import (
	"context"
	"testing"
	"time"

	"github.com/cuongbtq/jobstream/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func sign(t *testing.T, method jwt.SigningMethod, key any, claims *Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func validClaims(subject string) *Claims {
	now := time.Now()
	return &Claims{
		Email: "ada@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "jobstream",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
}

func TestNewJWTVerifier(t *testing.T) {
	v, err := NewJWTVerifier("")
	require.Error(t, err)
	assert.Nil(t, v)
	assert.Equal(t, "JWT secret not provided", err.Error())

	v, err = NewJWTVerifier(secret, WithIssuer("jobstream"), WithLeeway(time.Second))
	require.NoError(t, err)
	assert.NotNil(t, v)
}

func TestJWTVerifier_Verify(t *testing.T) {
	verifier, err := NewJWTVerifier(secret, WithIssuer("jobstream"))
	require.NoError(t, err)

	t.Run("valid token", func(t *testing.T) {
		token := sign(t, jwt.SigningMethodHS256, []byte(secret), validClaims("identity-1"))

		identity, err := verifier.Verify(context.Background(), token)
		require.NoError(t, err)
		assert.Equal(t, domain.Identity{ID: "identity-1", Email: "ada@example.com"}, identity)
	})

	expired := validClaims("identity-1")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	noExpiry := validClaims("identity-1")
	noExpiry.ExpiresAt = nil

	otherIssuer := validClaims("identity-1")
	otherIssuer.Issuer = "someone-else"

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty token", token: ""},
		{name: "garbage", token: "not.a.jwt"},
		{name: "wrong secret", token: sign(t, jwt.SigningMethodHS256, []byte("other"), validClaims("identity-1"))},
		{name: "wrong algorithm", token: sign(t, jwt.SigningMethodHS512, []byte(secret), validClaims("identity-1"))},
		{name: "expired", token: sign(t, jwt.SigningMethodHS256, []byte(secret), expired)},
		{name: "no expiry", token: sign(t, jwt.SigningMethodHS256, []byte(secret), noExpiry)},
		{name: "wrong issuer", token: sign(t, jwt.SigningMethodHS256, []byte(secret), otherIssuer)},
		{name: "no subject", token: sign(t, jwt.SigningMethodHS256, []byte(secret), validClaims(""))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(context.Background(), tt.token)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrAuthentication)
		})
	}
}
