package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"gatecast/internal/models"
)

const testSecret = "0123456789abcdef-test"

func newTestManager(t *testing.T, now func() time.Time) *TokenManager {
	t.Helper()
	manager, err := NewTokenManager(TokenConfig{Secret: testSecret, Audience: "gatecast-api", Now: now})
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	return manager
}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	manager := newTestManager(t, nil)

	token, expiresAt, err := manager.Issue(Identity{UserID: "host-1", DisplayName: "Ada"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if time.Until(expiresAt) <= 0 {
		t.Fatalf("expected expiry in the future, got %v", expiresAt)
	}
	identity, err := manager.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if identity.UserID != "host-1" || identity.DisplayName != "Ada" {
		t.Fatalf("unexpected identity %+v", identity)
	}
}

func TestVerifyRejectsInvalidTokens(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	issuer := newTestManager(t, func() time.Time { return base })
	token, _, err := issuer.Issue(Identity{UserID: "viewer-1"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	other, err := NewTokenManager(TokenConfig{Secret: "another-secret-value", Audience: "gatecast-api"})
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	foreign, _, _ := other.Issue(Identity{UserID: "viewer-1"}, time.Hour)

	wrongAudience, err := NewTokenManager(TokenConfig{Secret: testSecret, Audience: "someone-else"})
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	misdirected, _, _ := wrongAudience.Issue(Identity{UserID: "viewer-1"}, time.Hour)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "viewer-1",
		Issuer:    defaultIssuer,
		ExpiresAt: jwt.NewNumericDate(base.Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none token: %v", err)
	}

	later := newTestManager(t, func() time.Time { return base.Add(2 * time.Hour) })
	if _, err := later.Verify(token); !errors.Is(err, models.ErrUnauthenticated) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}

	verifier := newTestManager(t, func() time.Time { return base })
	cases := map[string]string{
		"empty":          "",
		"garbage":        "not-a-token",
		"foreign secret": foreign,
		"wrong audience": misdirected,
		"alg none":       none,
		"truncated":      token[:len(token)-4],
	}
	for name, candidate := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := verifier.Verify(candidate); !errors.Is(err, models.ErrUnauthenticated) {
				t.Fatalf("expected ErrUnauthenticated, got %v", err)
			}
		})
	}
}

func TestNewTokenManagerValidatesSecret(t *testing.T) {
	if _, err := NewTokenManager(TokenConfig{}); err == nil {
		t.Fatal("expected error for missing secret")
	}
	if _, err := NewTokenManager(TokenConfig{Secret: "short"}); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestIssueRequiresUser(t *testing.T) {
	manager := newTestManager(t, nil)
	if _, _, err := manager.Issue(Identity{UserID: "  "}, 0); err == nil {
		t.Fatal("expected error for blank user id")
	}
}

func TestExtractToken(t *testing.T) {
	cases := []struct {
		name  string
		setup func(*http.Request)
		want  string
	}{
		{"bearer header", func(r *http.Request) { r.Header.Set("Authorization", "Bearer abc") }, "abc"},
		{"lowercase scheme", func(r *http.Request) { r.Header.Set("Authorization", "bearer  xyz ") }, "xyz"},
		{"cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: TokenCookieName, Value: "from-cookie"}) }, "from-cookie"},
		{"query", func(r *http.Request) { r.URL.RawQuery = "access_token=from-query" }, "from-query"},
		{"basic ignored", func(r *http.Request) { r.Header.Set("Authorization", "Basic Zm9vOmJhcg==") }, ""},
		{"none", func(*http.Request) {}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/sessions/live", nil)
			tc.setup(req)
			if got := ExtractToken(req); got != tc.want {
				t.Fatalf("ExtractToken = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestIdentityContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, ok := IdentityFromContext(req.Context()); ok {
		t.Fatal("expected no identity on a fresh context")
	}
	ctx := ContextWithIdentity(req.Context(), Identity{UserID: "u1"})
	identity, ok := IdentityFromContext(ctx)
	if !ok || identity.UserID != "u1" {
		t.Fatalf("unexpected identity %+v", identity)
	}
	if strings.TrimSpace(identity.DisplayName) != "" {
		t.Fatalf("expected empty display name, got %q", identity.DisplayName)
	}
}
