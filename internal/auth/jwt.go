package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/jobstream/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

// Claims are the token claims the verifier understands
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 bearer tokens
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// Option customizes a JWTVerifier
type Option func(*options)

type options struct {
	issuer string
	leeway time.Duration
}

// WithIssuer requires the iss claim to match
func WithIssuer(issuer string) Option {
	return func(o *options) { o.issuer = issuer }
}

// WithLeeway tolerates clock skew on exp/nbf/iat
func WithLeeway(d time.Duration) Option {
	return func(o *options) { o.leeway = d }
}

// NewJWTVerifier creates a verifier for tokens signed with secret
func NewJWTVerifier(secret string, opts ...Option) (*JWTVerifier, error) {
	if secret == "" {
		return nil, errors.New("JWT secret not provided")
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(o.leeway),
	}
	if o.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(o.issuer))
	}

	return &JWTVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(parserOpts...),
	}, nil
}

// Verify returns the identity named by the token subject. Every failure
// matches domain.ErrAuthentication.
func (v *JWTVerifier) Verify(_ context.Context, token string) (domain.Identity, error) {
	if token == "" {
		return domain.Identity{}, fmt.Errorf("%w: missing token", domain.ErrAuthentication)
	}

	claims := &Claims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrAuthentication, err)
	}
	if !parsed.Valid {
		return domain.Identity{}, fmt.Errorf("%w: token invalid", domain.ErrAuthentication)
	}
	if claims.Subject == "" {
		return domain.Identity{}, fmt.Errorf("%w: token has no subject", domain.ErrAuthentication)
	}

	return domain.Identity{ID: claims.Subject, Email: claims.Email}, nil
}
