package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"gatecast/internal/models"
)

const (
	defaultIssuer   = "gatecast"
	defaultTokenTTL = 24 * time.Hour
	clockLeeway     = 30 * time.Second
)

// TokenConfig configures a TokenManager.
type TokenConfig struct {
	Secret   string
	Issuer   string
	Audience string
	TTL      time.Duration
	Now      func() time.Time
}

// TokenManager issues and verifies HS256 bearer tokens.
type TokenManager struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

type identityClaims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

func NewTokenManager(cfg TokenConfig) (*TokenManager, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("auth token secret is required")
	}
	if len(secret) < 16 {
		return nil, errors.New("auth token secret must be at least 16 characters")
	}
	m := &TokenManager{
		secret:   []byte(secret),
		issuer:   strings.TrimSpace(cfg.Issuer),
		audience: strings.TrimSpace(cfg.Audience),
		ttl:      cfg.TTL,
		now:      cfg.Now,
	}
	if m.issuer == "" {
		m.issuer = defaultIssuer
	}
	if m.ttl <= 0 {
		m.ttl = defaultTokenTTL
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// Issue mints a token for identity. A non-positive ttl uses the configured
// lifetime.
func (m *TokenManager) Issue(identity Identity, ttl time.Duration) (string, time.Time, error) {
	userID := strings.TrimSpace(identity.UserID)
	if userID == "" {
		return "", time.Time{}, errors.New("user id is required")
	}
	if ttl <= 0 {
		ttl = m.ttl
	}
	now := m.now()
	expiresAt := now.Add(ttl)
	claims := identityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
		Name: strings.TrimSpace(identity.DisplayName),
	}
	if m.audience != "" {
		claims.Audience = jwt.ClaimStrings{m.audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks the signature, issuer, audience, and validity window of
// token. Every failure wraps models.ErrUnauthenticated.
func (m *TokenManager) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, fmt.Errorf("%w: token is required", models.ErrUnauthenticated)
	}
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockLeeway),
		jwt.WithTimeFunc(m.now),
	}
	if m.audience != "" {
		options = append(options, jwt.WithAudience(m.audience))
	}
	var claims identityClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, options...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", models.ErrUnauthenticated, err)
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", models.ErrUnauthenticated)
	}
	return Identity{UserID: subject, DisplayName: claims.Name}, nil
}
