// Package utils holds small helpers shared by the commands and tests.
package utils

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessToken is a signed HS256 JWT and its expiry.
type AccessToken struct {
	Token string
	Exp   time.Time
}

// NewAccessToken signs a token carrying sub, role, exp and iat.  The
// identity provider issues user tokens in production; this is used to
// mint SERVICE tokens for the review service and to build test tokens.
// The role is upper-cased the same way the auth middleware reads it.
func NewAccessToken(secret, subject, role string, ttl time.Duration) (AccessToken, error) {
	if secret == "" {
		return AccessToken{}, errors.New("empty signing secret")
	}
	if subject == "" {
		return AccessToken{}, errors.New("empty subject")
	}
	if ttl <= 0 {
		return AccessToken{}, errors.New("ttl must be positive")
	}
	now := time.Now().UTC()
	exp := now.Add(ttl)
	claims := jwt.MapClaims{
		"sub": subject,
		"exp": exp.Unix(),
		"iat": now.Unix(),
	}
	if role != "" {
		claims["role"] = strings.ToUpper(role)
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return AccessToken{}, err
	}
	return AccessToken{Token: signed, Exp: exp}, nil
}
