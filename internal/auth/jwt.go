// Package auth verifies the JWTs that guard the HTTP and SSE surface.
// Tokens are minted by the upstream account service; this core only
// validates them and scopes requests to broker accounts.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// AccountClaims scope a token to one or more broker accounts
type AccountClaims struct {
	UserID   string   `json:"user_id"`
	Accounts []string `json:"accounts"`
	jwt.RegisteredClaims
}

// CanAccess reports whether the claims grant access to an account
func (c *AccountClaims) CanAccess(accountID string) bool {
	for _, a := range c.Accounts {
		if a == accountID || a == "*" {
			return true
		}
	}
	return false
}

// JWTManager validates stream tokens
type JWTManager struct {
	secret []byte
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(secret string) *JWTManager {
	return &JWTManager{secret: []byte(secret)}
}

// Validate parses and verifies a token, returning its claims
func (m *JWTManager) Validate(tokenString string) (*AccountClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AccountClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*AccountClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Sign mints a token for the given accounts. Used by tests and local
// tooling; production tokens come from the account service.
func (m *JWTManager) Sign(userID string, accounts []string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, AccountClaims{
		UserID:   userID,
		Accounts: accounts,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "trading-core",
		},
	})
	return token.SignedString(m.secret)
}
