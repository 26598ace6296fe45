package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dkeye/Monitor/internal/domain"
)

type claims struct {
	Admin bool `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator verifies HS256 tokens and maps the subject to a user id.
type JWTAuthenticator struct {
	secret []byte
	parser *jwt.Parser
}

func NewJWTAuthenticator(secret, issuer string) *JWTAuthenticator {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &JWTAuthenticator{secret: []byte(secret), parser: jwt.NewParser(opts...)}
}

func (a *JWTAuthenticator) Authenticate(credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, ErrMissingCredentials
	}
	var c claims
	_, err := a.parser.ParseWithClaims(credential, &c, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}
	uid, err := domain.NewUserID(c.Subject)
	if err != nil || uid == "" {
		return Identity{}, fmt.Errorf("%w: bad subject", ErrInvalidCredentials)
	}
	return Identity{UserID: uid, Admin: c.Admin}, nil
}

// IsAuthError reports whether err should be answered with 401.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrMissingCredentials) || errors.Is(err, ErrInvalidCredentials)
}
