package apiclient

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenValidity is used when a TokenProvider has no validity configured.
const DefaultTokenValidity = 30 * time.Second

// TokenProvider signs short-lived HS256 bearer tokens from a static key/secret pair.
type TokenProvider struct {
	Key      string
	Secret   string
	Validity time.Duration
	Now      func() time.Time
}

// NewTokenProvider creates a provider; validity <= 0 uses DefaultTokenValidity.
func NewTokenProvider(key, secret string, validity time.Duration) *TokenProvider {
	if validity <= 0 {
		validity = DefaultTokenValidity
	}
	return &TokenProvider{Key: key, Secret: secret, Validity: validity, Now: time.Now}
}

// Token returns a token with iss = key and exp = now + validity.
func (p *TokenProvider) Token() (string, error) {
	if p.Secret == "" {
		return "", errors.New("api secret is not configured")
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	claims := jwt.RegisteredClaims{
		Issuer:    p.Key,
		ExpiresAt: jwt.NewNumericDate(now().Add(p.Validity)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(p.Secret))
}
