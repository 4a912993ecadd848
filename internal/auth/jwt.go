package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrMalformedCredential means the credential is not a JWT we can read.
	ErrMalformedCredential = errors.New("malformed credential")
	// ErrExpiredCredential means the credential's exp claim is in the past.
	ErrExpiredCredential = errors.New("expired credential")
)

// Claims is the payload the backend puts in every session credential.
//
// The sync daemon is not the token issuer and holds no signing key, so it
// never verifies the signature. It only reads the claims to fail fast on an
// expired credential and to size cache TTLs. The backend verifies on every
// request.
type Claims struct {
	UserID uuid.UUID `json:"user_id"`
	Email  string    `json:"email"`
	jwt.RegisteredClaims
}

// ParseClaims decodes a credential without verifying its signature and
// checks that it has not expired at now.
func ParseClaims(credential string, now time.Time) (*Claims, error) {
	if credential == "" {
		return nil, ErrMalformedCredential
	}

	claims := &Claims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(credential, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}

	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return nil, ErrExpiredCredential
	}
	return claims, nil
}

// TTL returns how long the credential stays valid after now. Credentials
// without an exp claim get fallback.
func (c *Claims) TTL(now time.Time, fallback time.Duration) time.Duration {
	if c.ExpiresAt == nil {
		return fallback
	}
	ttl := c.ExpiresAt.Time.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// GenerateToken creates an HS256 credential for a user. The daemon never
// needs it at runtime; local tooling and tests use it to mint credentials in
// the backend's format.
func GenerateToken(userID uuid.UUID, email, secret string, ttl time.Duration) (string, error) {
	now := time.Now()

	claims := Claims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "chatsync",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
