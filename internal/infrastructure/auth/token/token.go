// Package token issues and verifies the bearer tokens that identify callers.
// The subject claim is the user ID; family membership is never carried in the
// token and is resolved per request.
package token

import (
	stdliberrors "errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/turtacn/CareCircle/internal/config"
	"github.com/turtacn/CareCircle/pkg/errors"
)

const (
	minSecretLength = 16
	defaultTTL      = 24 * time.Hour
)

var (
	ErrTokenExpired          = errors.New(errors.ErrCodeUnauthorized, "token expired")
	ErrTokenInvalidSignature = errors.New(errors.ErrCodeUnauthorized, "invalid token signature")
	ErrTokenInvalidIssuer    = errors.New(errors.ErrCodeUnauthorized, "invalid token issuer")
	ErrTokenMalformed        = errors.New(errors.ErrCodeUnauthorized, "malformed token")
	ErrTokenMissingSubject   = errors.New(errors.ErrCodeUnauthorized, "token has no subject")
	ErrInvalidConfig         = errors.New(errors.ErrCodeValidation, "invalid token configuration")
)

// Claims is the verified identity of a caller.
type Claims struct {
	TokenID   string    `json:"jti"`
	UserID    string    `json:"sub"`
	Name      string    `json:"name,omitempty"`
	Issuer    string    `json:"iss,omitempty"`
	IssuedAt  time.Time `json:"iat"`
	ExpiresAt time.Time `json:"exp"`
}

type careClaims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Manager signs and verifies HS256 tokens with a shared secret.
type Manager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock replaces the time source used for issuing and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a Manager from the auth configuration.
func NewManager(cfg config.AuthConfig, opts ...Option) (*Manager, error) {
	if len(cfg.JWTSecret) < minSecretLength {
		return nil, ErrInvalidConfig.WithDetail("jwt_secret must be at least 16 bytes")
	}
	m := &Manager{
		secret: []byte(cfg.JWTSecret),
		issuer: cfg.Issuer,
		ttl:    cfg.TokenTTL,
		now:    time.Now,
	}
	if m.ttl <= 0 {
		m.ttl = defaultTTL
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Issue signs a token for userID. ttl overrides the configured lifetime when
// positive.
func (m *Manager) Issue(userID, name string, ttl time.Duration) (string, *Claims, error) {
	if strings.TrimSpace(userID) == "" {
		return "", nil, errors.InvalidParam("user id is required")
	}
	if ttl <= 0 {
		ttl = m.ttl
	}
	now := m.now().UTC().Truncate(time.Second)
	cc := careClaims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, cc).SignedString(m.secret)
	if err != nil {
		return "", nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to sign token")
	}
	return signed, toClaims(cc), nil
}

// Verify checks the signature, issuer and expiry of raw.
func (m *Manager) Verify(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrTokenMalformed
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	var cc careClaims
	parsed, err := jwt.ParseWithClaims(raw, &cc, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		switch {
		case stdliberrors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case stdliberrors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrTokenInvalidSignature
		case stdliberrors.Is(err, jwt.ErrTokenInvalidIssuer):
			return nil, ErrTokenInvalidIssuer
		case stdliberrors.Is(err, jwt.ErrTokenMalformed):
			return nil, ErrTokenMalformed
		}
		return nil, errors.Wrap(err, errors.ErrCodeUnauthorized, "token verification failed")
	}
	if !parsed.Valid {
		return nil, ErrTokenInvalidSignature
	}
	if cc.ExpiresAt == nil {
		return nil, ErrTokenMalformed.WithDetail("exp claim is required")
	}
	if cc.Subject == "" {
		return nil, ErrTokenMissingSubject
	}
	return toClaims(cc), nil
}

func toClaims(cc careClaims) *Claims {
	c := &Claims{
		TokenID: cc.ID,
		UserID:  cc.Subject,
		Name:    cc.Name,
		Issuer:  cc.Issuer,
	}
	if cc.IssuedAt != nil {
		c.IssuedAt = cc.IssuedAt.Time
	}
	if cc.ExpiresAt != nil {
		c.ExpiresAt = cc.ExpiresAt.Time
	}
	return c
}
