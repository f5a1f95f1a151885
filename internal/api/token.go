package api

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/islombek4642/tgsecret/internal/user"
)

// RoleControl lets a token act for any user.
const RoleControl = "control"

// Claims are the bearer token claims. Subject is the decimal user id.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// UserID parses Subject.
func (c *Claims) UserID() (user.ID, error) {
	return user.Parse(c.Subject)
}

// CanActFor reports whether the token may operate on uid.
func (c *Claims) CanActFor(uid user.ID) bool {
	if c.Role == RoleControl {
		return true
	}
	id, err := c.UserID()
	return err == nil && id == uid
}

// IssueToken signs an HS256 token for uid. A zero ttl issues a token that
// never expires.
func IssueToken(secret []byte, uid user.ID, control bool, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("jwt secret is empty")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  uid.String(),
			IssuedAt: jwt.NewNumericDate(now),
			Issuer:   "tgsecret",
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	if control {
		claims.Role = RoleControl
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken verifies tokenString and returns its claims.
func ParseToken(tokenString string, secret []byte) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if _, err := claims.UserID(); err != nil {
		return nil, fmt.Errorf("invalid subject: %w", err)
	}
	return claims, nil
}
