// Package auth supplies bearer tokens to the realtime transports and the
// sync REST client.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoToken      = errors.New("auth: no token available")
	ErrTokenExpired = errors.New("auth: token expired")
)

// TokenProvider hands out the current bearer token. Implementations may
// refresh behind the scenes; callers invoke it before every dial.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token, used by tests and single-session clients.
type StaticToken string

func (s StaticToken) Token(ctx context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

// TokenFunc adapts a function to the TokenProvider interface.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// ExpiryGuard wraps a provider and refuses to hand out a token whose exp
// claim has passed. The transports fetch a token before every dial, so this
// fails the dial fast instead of letting the server reject dead credentials.
func ExpiryGuard(p TokenProvider) TokenProvider {
	return TokenFunc(func(ctx context.Context) (string, error) {
		token, err := p.Token(ctx)
		if err != nil {
			return "", err
		}
		if Expired(token, time.Now()) {
			return "", ErrTokenExpired
		}
		return token, nil
	})
}

// Expired reports whether a JWT's exp claim is in the past. The signature is
// not verified; the session backend remains the authority. Tokens that do not
// parse or carry no exp claim are treated as non-expiring opaque tokens.
func Expired(token string, now time.Time) bool {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(now)
}
