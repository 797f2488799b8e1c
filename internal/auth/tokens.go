// Package auth verifies access tokens issued by the session service.
package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrRevokedToken = errors.New("token revoked")
)

// RevokedPrefix namespaces the denylist keys: revoked:<jti>.
const RevokedPrefix = "revoked:"

type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 access tokens and, when Redis is configured, the
// revocation denylist.
type Verifier struct {
	secret []byte
	rdb    *redis.Client
}

// NewVerifier accepts a nil Redis client; revocation is then not checked.
func NewVerifier(secret string, rdb *redis.Client) *Verifier {
	return &Verifier{secret: []byte(secret), rdb: rdb}
}

func (v *Verifier) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// Prevent algorithm confusion attacks
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, ErrInvalidToken
	}

	if v.rdb != nil && claims.ID != "" {
		n, err := v.rdb.Exists(ctx, RevokedPrefix+claims.ID).Result()
		if err != nil {
			return nil, err
		}
		if n > 0 {
			return nil, ErrRevokedToken
		}
	}
	return claims, nil
}

// ExtractTokenFromHeader returns the bearer token of an Authorization header.
func ExtractTokenFromHeader(authHeader string) string {
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}
