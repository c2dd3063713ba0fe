package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lorrc/sync-engine/internal/core/domain"
	apperrors "github.com/lorrc/sync-engine/internal/core/errors"
	"github.com/lorrc/sync-engine/internal/core/ports"
)

// Claims defines the structured data we store in the JWT
type Claims struct {
	UserID   uuid.UUID `json:"user_id"`
	TenantID uuid.UUID `json:"tenant_id"`
	jwt.RegisteredClaims
}

// TokenManager signs and validates HS256 access tokens. Tokens are issued
// by the identity service; GenerateToken exists for tooling and tests.
type TokenManager struct {
	secretKey []byte
	ttl       time.Duration
}

var _ ports.Authenticator = (*TokenManager)(nil)

func NewTokenManager(secret string, ttl time.Duration) *TokenManager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenManager{secretKey: []byte(secret), ttl: ttl}
}

// GenerateToken creates a new JWT access token
func (tm *TokenManager) GenerateToken(userID, tenantID uuid.UUID) (string, error) {
	expirationTime := time.Now().Add(tm.ttl)
	claims := &Claims{
		UserID:   userID,
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expirationTime),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   userID.String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(tm.secretKey)
}

// ValidateToken parses an HS256 token and checks its signature and expiry.
func (tm *TokenManager) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return tm.secretKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// Authenticate validates a bearer credential and returns its principal.
// Every failure wraps apperrors.ErrUnauthorized.
func (tm *TokenManager) Authenticate(_ context.Context, credential string) (domain.Principal, error) {
	if credential == "" {
		return domain.Principal{}, fmt.Errorf("%w: missing token", apperrors.ErrUnauthorized)
	}

	claims, err := tm.ValidateToken(credential)
	if err != nil {
		return domain.Principal{}, fmt.Errorf("%w: %v", apperrors.ErrUnauthorized, err)
	}

	if claims.UserID == uuid.Nil || claims.TenantID == uuid.Nil {
		return domain.Principal{}, fmt.Errorf("%w: token has no tenant or user", apperrors.ErrUnauthorized)
	}

	return domain.Principal{UserID: claims.UserID, TenantID: claims.TenantID}, nil
}
