// Package auth resolves the caller behind an API request from an HS256
// bearer token. Accounts live outside this service; a token only needs to
// name the user and, optionally, how they are displayed.
package auth

import (
	"context"
	"net/http"
	"strings"
)

// Identity is the authenticated caller.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
}

type contextKey string

const identityContextKey contextKey = "identity"

// ContextWithIdentity stores the caller on the context.
func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext returns the caller stored by the auth middleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	identity, ok := ctx.Value(identityContextKey).(Identity)
	return identity, ok && identity.UserID != ""
}

// TokenCookieName is read when no Authorization header is present.
const TokenCookieName = "accessToken"

// ExtractToken finds a bearer token on the request. The Authorization header
// wins, then the access token cookie, then the access_token query parameter
// which browsers need for websocket upgrades.
func ExtractToken(r *http.Request) string {
	if r == nil {
		return ""
	}
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if cookie, err := r.Cookie(TokenCookieName); err == nil {
		if value := strings.TrimSpace(cookie.Value); value != "" {
			return value
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}
