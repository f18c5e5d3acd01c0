// Package jwt reads the identity carried by the gateway access token.
//
// The server verifies tokens; the client only needs to know who it is
// before the gateway sends ready, so claims are parsed without checking the
// signature.
package jwt

import (
	"errors"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/Gopher0727/chatsync/internal/model"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrNoSubject    = errors.New("token carries no user id")
)

// Claims JWT 声明
type Claims struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	jwt.RegisteredClaims
}

// ParseClaims decodes the claims of tokenString without verifying it.
func ParseClaims(tokenString string) (*Claims, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

// SubjectFromToken returns the local user id: the user_id claim, or sub
// when user_id is absent.
func SubjectFromToken(tokenString string) (model.UserID, error) {
	claims, err := ParseClaims(tokenString)
	if err != nil {
		return "", err
	}
	if claims.UserID != "" {
		return model.UserID(claims.UserID), nil
	}
	if claims.Subject != "" {
		return model.UserID(claims.Subject), nil
	}
	return "", ErrNoSubject
}

// Expired reports whether the token's exp claim lies before now. Tokens
// without exp never expire.
func Expired(tokenString string, now time.Time) (bool, error) {
	claims, err := ParseClaims(tokenString)
	if err != nil {
		return false, err
	}
	if claims.ExpiresAt == nil {
		return false, nil
	}
	return now.After(claims.ExpiresAt.Time), nil
}
