// Package auth validates the platform-issued access tokens presented on
// voice stream connects.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ashvale/voicemesh/internal/domain"
)

var (
	ErrInvalidToken = errors.New("invalid access token")
	ErrEmptySubject = errors.New("token has no subject")
)

// NewAccessToken issues a signed token for a user. The platform's auth
// service is the real issuer; this is used by the dev binary and tests.
func NewAccessToken(secret string, user domain.UserID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": string(user),
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseAccessToken verifies the signature and expiry and returns the
// subject user id.
func ParseAccessToken(secret, raw string) (domain.UserID, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", ErrEmptySubject
	}
	return domain.UserID(sub), nil
}
