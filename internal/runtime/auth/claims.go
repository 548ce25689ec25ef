// Package auth verifies bearer tokens and guards HTTP routes and RPC patterns
// with the same verification path.
package auth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
)

// Claims identify the authenticated user.
type Claims struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// tokenClaims is the JWT body shared with the issuing service.
type tokenClaims struct {
	Email  string `json:"Email"`
	UserID string `json:"Id"`
	jwt.RegisteredClaims
}

// UserKey is where claims are stored in RPC message data and gin contexts.
const UserKey = "user"

type claimsContextKey struct{}

// WithClaims returns ctx carrying claims.
func WithClaims(ctx context.Context, claims Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// ClaimsFromContext returns the claims attached by the guard.
func ClaimsFromContext(ctx context.Context) (Claims, bool) {
	if ctx == nil {
		return Claims{}, false
	}
	claims, ok := ctx.Value(claimsContextKey{}).(Claims)
	return claims, ok
}

// ClaimsFromRPC returns the claims the guard stored in msg.Data.
func ClaimsFromRPC(msg *RPCMessage) (Claims, bool) {
	if msg == nil || msg.Data == nil {
		return Claims{}, false
	}
	claims, ok := msg.Data[UserKey].(Claims)
	return claims, ok
}
