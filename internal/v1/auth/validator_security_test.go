package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidator_IssueAndValidateRoundTrip(t *testing.T) {
	v, err := NewValidator("a-sufficiently-long-test-secret-value", time.Hour)
	require.NoError(t, err)

	token, err := v.IssueToken("subject-123")
	require.NoError(t, err)

	claims, err := v.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "subject-123", claims.Subject)
}

func TestValidator_RejectsWrongSecret(t *testing.T) {
	v1, err := NewValidator("a-sufficiently-long-test-secret-value", time.Hour)
	require.NoError(t, err)
	v2, err := NewValidator("a-completely-different-long-secret12", time.Hour)
	require.NoError(t, err)

	token, err := v1.IssueToken("subject-123")
	require.NoError(t, err)

	_, err = v2.ValidateToken(token)
	assert.Error(t, err)
}

// TestValidator_RejectsNonHMACAlgorithm guards against algorithm confusion:
// a token asserting "none" (or any non-HMAC method) must be rejected before
// any signature check is attempted.
func TestValidator_RejectsNonHMACAlgorithm(t *testing.T) {
	v, err := NewValidator("a-sufficiently-long-test-secret-value", time.Hour)
	require.NoError(t, err)

	token := jwt.NewWithClaims(jwt.SigningMethodNone, CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "attacker", Issuer: "experiment-coordinator"},
	})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.ValidateToken(signed)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected signing method")
}

func TestValidator_RejectsExpiredToken(t *testing.T) {
	v, err := NewValidator("a-sufficiently-long-test-secret-value", time.Millisecond)
	require.NoError(t, err)

	token, err := v.IssueToken("subject-123")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, err = v.ValidateToken(token)
	assert.Error(t, err)
}

func TestNewValidator_RejectsShortSecret(t *testing.T) {
	_, err := NewValidator("too-short", time.Hour)
	assert.Error(t, err)
}
