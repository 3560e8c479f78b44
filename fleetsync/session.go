// Copyright 2025 Optiflow
// SPDX-License-Identifier: Apache-2.0

package fleetsync

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims are the JWT claims of a signed-in session. The acting user
// id lives in the standard 'sub' claim; 'tid' optionally pins the session to
// a tenant, which lets the scope re-resolution skip the membership query.
type SessionClaims struct {
	TenantID string `json:"tid,omitempty"`
	jwt.RegisteredClaims
}

// JWTSession validates session tokens and implements SessionProvider. The
// token source is a callback so callers can plug in refreshing token stores.
type JWTSession struct {
	secret []byte
	token  func(ctx context.Context) (string, error)
}

// NewJWTSession creates a session validator around an HS256 shared secret.
func NewJWTSession(secret string, token func(ctx context.Context) (string, error)) *JWTSession {
	return &JWTSession{secret: []byte(secret), token: token}
}

// GenerateToken issues a session token. Used by provisioning flows and
// tests; production deployments normally receive tokens from the identity
// provider.
func (s *JWTSession) GenerateToken(userID, tenantID string, expiration time.Duration) (string, error) {
	claims := &SessionClaims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "fleetsync",
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Claims validates the current session token and returns its claims.
func (s *JWTSession) Claims(ctx context.Context) (*SessionClaims, error) {
	if s.token == nil {
		return nil, fmt.Errorf("no session token source configured")
	}
	tokenString, err := s.token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain session token: %w", err)
	}

	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid session token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("missing sub (user ID) in session token")
	}
	return claims, nil
}

// CurrentUserID implements SessionProvider.
func (s *JWTSession) CurrentUserID(ctx context.Context) (string, error) {
	claims, err := s.Claims(ctx)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// TokenTenantResolver resolves the tenant from the session token's 'tid'
// claim when present, deferring to an inner resolver (normally the remote
// membership table) otherwise.
type TokenTenantResolver struct {
	Session *JWTSession
	Inner   MembershipResolver
}

// TenantIDForUser implements MembershipResolver.
func (r *TokenTenantResolver) TenantIDForUser(ctx context.Context, userID string) (string, error) {
	if r.Session != nil {
		if claims, err := r.Session.Claims(ctx); err == nil && claims.TenantID != "" {
			return claims.TenantID, nil
		}
	}
	if r.Inner == nil {
		return "", fmt.Errorf("no tenant in session token and no membership resolver configured")
	}
	return r.Inner.TenantIDForUser(ctx, userID)
}
