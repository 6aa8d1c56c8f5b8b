package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/CareCircle/internal/config"
	"github.com/turtacn/CareCircle/pkg/errors"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestManager(t *testing.T, now *time.Time) *Manager {
	t.Helper()
	m, err := NewManager(config.AuthConfig{JWTSecret: testSecret, Issuer: "carecircle", TokenTTL: time.Hour},
		WithClock(func() time.Time { return *now }))
	require.NoError(t, err)
	return m
}

func TestManager_IssueAndVerify(t *testing.T) {
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	m := newTestManager(t, &now)

	raw, issued, err := m.Issue("u-1", "Ana", 0)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), issued.ExpiresAt)

	claims, err := m.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.UserID)
	assert.Equal(t, "Ana", claims.Name)
	assert.Equal(t, "carecircle", claims.Issuer)
	assert.Equal(t, issued.TokenID, claims.TokenID)
}

func TestManager_Expired(t *testing.T) {
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	m := newTestManager(t, &now)

	raw, _, err := m.Issue("u-1", "", 10*time.Minute)
	require.NoError(t, err)

	now = now.Add(11 * time.Minute)
	_, err = m.Verify(raw)
	assert.ErrorIs(t, err, ErrTokenExpired)
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnauthorized))
}

func TestManager_RejectsForeignTokens(t *testing.T) {
	now := time.Now()
	m := newTestManager(t, &now)

	other, err := NewManager(config.AuthConfig{JWTSecret: "another-secret-of-length", Issuer: "carecircle"})
	require.NoError(t, err)
	raw, _, err := other.Issue("u-1", "", 0)
	require.NoError(t, err)
	_, err = m.Verify(raw)
	assert.ErrorIs(t, err, ErrTokenInvalidSignature)

	wrongIssuer, err := NewManager(config.AuthConfig{JWTSecret: testSecret, Issuer: "elsewhere"})
	require.NoError(t, err)
	raw, _, err = wrongIssuer.Issue("u-1", "", 0)
	require.NoError(t, err)
	_, err = m.Verify(raw)
	assert.ErrorIs(t, err, ErrTokenInvalidIssuer)

	_, err = m.Verify("not-a-token")
	assert.ErrorIs(t, err, ErrTokenMalformed)
	_, err = m.Verify("")
	assert.ErrorIs(t, err, ErrTokenMalformed)
}

func TestManager_RejectsOtherAlgorithms(t *testing.T) {
	now := time.Now()
	m := newTestManager(t, &now)

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "u-1",
		Issuer:    "carecircle",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	})
	raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = m.Verify(raw)
	assert.Error(t, err)
}

func TestManager_RequiresSubjectAndExpiry(t *testing.T) {
	now := time.Now()
	m := newTestManager(t, &now)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    "carecircle",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	_, err = m.Verify(noSubject)
	assert.ErrorIs(t, err, ErrTokenMissingSubject)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: "u-1",
		Issuer:  "carecircle",
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	_, err = m.Verify(noExpiry)
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnauthorized))
}

func TestNewManager_Validation(t *testing.T) {
	_, err := NewManager(config.AuthConfig{JWTSecret: "short"})
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidation))

	m, err := NewManager(config.AuthConfig{JWTSecret: testSecret})
	require.NoError(t, err)
	assert.Equal(t, defaultTTL, m.ttl)

	_, _, err = m.Issue(" ", "", 0)
	assert.True(t, errors.IsCode(err, errors.CodeInvalidParam))
}
