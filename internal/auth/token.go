// Package auth issues and verifies the HS256 access tokens that carry the
// caller's user id.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/d1gallar/forest/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const userIDKey contextKey = "auth_user_id"

// Claims mirrors the storefront's access token body: the user id under "id".
type Claims struct {
	UserID string `json:"id"`
	jwt.RegisteredClaims
}

type TokenManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenManager(secret string, ttl time.Duration) *TokenManager {
	return &TokenManager{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs an access token for userID.
func (m *TokenManager) Issue(userID string) (string, error) {
	now := m.now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// UserID verifies token and returns the user it was issued to.
func (m *TokenManager) UserID(token string) (string, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", &domain.Error{Kind: domain.KindUnauthorized, Code: "token_expired", Message: "access token expired", Err: err}
		}
		return "", &domain.Error{Kind: domain.KindUnauthorized, Code: "invalid_token", Message: "invalid access token", Err: err}
	}
	if claims.UserID == "" {
		return "", domain.NewUnauthorizedError("access token has no user")
	}
	return claims.UserID, nil
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFrom returns the authenticated user id stored on ctx, if any.
func UserIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}
