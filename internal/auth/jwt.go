// Package auth covers the two secrets the sync service handles for the
// dashboard: the dashboard's own session tokens (JWT, validated here so every
// /api route knows which user it acts for) and the provider OAuth tokens,
// which are encrypted before they reach the database (cipher.go).
//
// SESSION TOKENS:
// The dashboard's identity layer signs an HS256 JWT whose "sub" claim is the
// internal user id. The sync service shares the secret and only needs to
// verify the signature, the issuer and the expiry; no session table.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultIssuer is the "iss" claim expected on dashboard session tokens.
const DefaultIssuer = "training-dashboard"

// TokenService verifies dashboard session tokens. Minting them is the
// dashboard's job.
type TokenService struct {
	secret []byte
	issuer string
}

// NewTokenService creates a TokenService with the given secret.
// The secret should be at least 32 bytes of random data in production.
// Example: JWT_SECRET=$(openssl rand -hex 32)
func NewTokenService(secret string) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: JWT secret must be at least 16 characters")
	}
	return &TokenService{secret: []byte(secret), issuer: DefaultIssuer}, nil
}

// claims is the JWT payload. "sub" carries the internal user id.
type claims struct {
	jwt.RegisteredClaims
}

// Validate parses and verifies a JWT string and returns its subject.
//
// ALGORITHM CONFUSION ATTACK:
// Without pinning the algorithm, a token signed with "none" (or with an RSA
// public key used as an HMAC secret) could be accepted. jwt.WithValidMethods
// plus the type assertion below rule that out.
func (s *TokenService) Validate(tokenStr string) (string, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("auth: token expired")
		}
		return "", fmt.Errorf("auth: invalid token: %w", err)
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("auth: invalid token claims")
	}

	if c.Subject == "" {
		return "", fmt.Errorf("auth: token has no subject")
	}

	return c.Subject, nil
}
