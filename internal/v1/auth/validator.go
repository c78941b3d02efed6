// Package auth issues and verifies the reconnect tokens participants present
// on the `register` event. Unlike the teacher's Auth0-backed validator, there
// is no external identity provider in this domain (spec.md's Non-goals
// exclude identity providers): the coordinator mints a SubjectID on first
// contact and signs a token for it so a later reconnect can recover the same
// SubjectID. Validation is therefore local HMAC verification, not a JWKS
// fetch.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labcoord/coordinator/internal/v1/logging"
)

// CustomClaims carries the SubjectID a reconnect token was issued for.
type CustomClaims struct {
	jwt.RegisteredClaims
}

// Validator issues and verifies self-signed reconnect tokens.
type Validator struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewValidator builds a Validator from the coordinator's own JWT_SECRET.
// ttl bounds how long a reconnect token remains valid; pass 0 for no
// expiry (the coordinator's own participant-retention sweep is the real
// bound on how long a SubjectID stays recoverable).
func NewValidator(secret string, ttl time.Duration) (*Validator, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("JWT secret must be at least 32 characters, got %d", len(secret))
	}
	return &Validator{secret: []byte(secret), issuer: "experiment-coordinator", ttl: ttl}, nil
}

// IssueToken mints a reconnect token for subjectID.
func (v *Validator) IssueToken(subjectID string) (string, error) {
	now := time.Now()
	claims := CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subjectID,
			Issuer:   v.issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if v.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(v.ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// ValidateToken verifies a previously issued reconnect token and returns its
// claims, primarily the SubjectID in the Subject field.
func (v *Validator) ValidateToken(tokenString string) (*CustomClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithIssuer(v.issuer))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("token is invalid")
	}
	claims, ok := token.Claims.(*CustomClaims)
	if !ok {
		return nil, errors.New("failed to cast claims to CustomClaims")
	}
	return claims, nil
}

// GetAllowedOriginsFromEnv reads a comma-separated origin allow-list from
// the environment, falling back to defaultEnvs (and warning) when unset.
func GetAllowedOriginsFromEnv(envVarName string, defaultEnvs []string) []string {
	originsStr := os.Getenv(envVarName)
	if originsStr == "" {
		logging.Warn(context.Background(), fmt.Sprintf("%s environment variable not set. Using default development origins:\n%s", envVarName, defaultEnvs))
		return defaultEnvs
	}
	return strings.Split(originsStr, ",")
}
