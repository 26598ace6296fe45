// Package auth turns a bearer credential into the identity a connection is
// registered under. Verification happens before any session starts.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/dkeye/Monitor/internal/domain"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type Mode string

const (
	ModeNone Mode = "none"
	ModeJWT  Mode = "jwt"
)

type Identity struct {
	UserID    domain.UserID
	Admin     bool
	Anonymous bool
}

type Authenticator interface {
	Authenticate(credential string) (Identity, error)
}

type Config struct {
	Mode   Mode
	Secret string
	Issuer string
}

func New(cfg Config) (Authenticator, error) {
	switch cfg.Mode {
	case "", ModeNone:
		return Anonymous{}, nil
	case ModeJWT:
		if cfg.Secret == "" {
			return nil, errors.New("jwt auth requires a secret")
		}
		return NewJWTAuthenticator(cfg.Secret, cfg.Issuer), nil
	}
	return nil, fmt.Errorf("unsupported auth mode %q", cfg.Mode)
}

// Anonymous accepts every connection without a user id.
type Anonymous struct{}

func (Anonymous) Authenticate(string) (Identity, error) {
	return Identity{Anonymous: true}, nil
}

// CredentialFromRequest reads an "Authorization: Bearer" header, falling back
// to the token query parameter for websocket clients that cannot set headers.
func CredentialFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
			return "", ErrInvalidCredentials
		}
		return strings.TrimSpace(token), nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", ErrMissingCredentials
}
