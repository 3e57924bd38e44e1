package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidate(t *testing.T) {
	svc := NewJWTService("secret", 1)
	token, err := svc.Generate("ops@example.edu", RoleOperator)
	require.NoError(t, err)

	claims, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.edu", claims.Subject)
	assert.Equal(t, RoleOperator, claims.Role)
	assert.NotEmpty(t, claims.ID)
}

func TestGenerateRejectsUnknownRole(t *testing.T) {
	_, err := NewJWTService("secret", 1).Generate("ops", "admin")
	assert.ErrorIs(t, err, ErrUnknownRole)
}

func TestValidateRejects(t *testing.T) {
	svc := NewJWTService("secret", 1)
	token, err := svc.Generate("ops", RoleViewer)
	require.NoError(t, err)

	_, err = NewJWTService("other", 1).Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	later := NewJWTService("secret", 1)
	later.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = later.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.Validate("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsTokenWithoutExpiry(t *testing.T) {
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role:             RoleOperator,
		RegisteredClaims: jwt.RegisteredClaims{Subject: "ops"},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = NewJWTService("secret", 1).Validate(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
