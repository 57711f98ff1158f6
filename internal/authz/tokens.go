package authz

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"
	"github.com/voltgrid/portal-api/internal/apperr"
	"github.com/voltgrid/portal-api/internal/models"
)

// SessionClaims is the payload of a signed session token.
type SessionClaims struct {
	UserID           string `json:"uid"`
	Email            string `json:"email"`
	Role             string `json:"role"`
	ProfileCompleted bool   `json:"profile_completed"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies HS256 session tokens with a process-wide secret.
type TokenIssuer struct {
	secret []byte
	now    func() time.Time
}

// NewTokenIssuer refuses to build an issuer without a secret; there is no
// unsigned or default-keyed fallback.
func NewTokenIssuer(secret string) (*TokenIssuer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, apperr.Configuration("session signing secret is not configured")
	}
	return &TokenIssuer{secret: []byte(secret), now: time.Now}, nil
}

// WithClock overrides the issuer clock; used by tests.
func (t *TokenIssuer) WithClock(now func() time.Time) *TokenIssuer {
	return &TokenIssuer{secret: t.secret, now: now}
}

func (t *TokenIssuer) Issue(user models.User, ttl time.Duration) (string, error) {
	if len(t.secret) == 0 {
		return "", apperr.Configuration("session signing secret is not configured")
	}
	now := t.now()
	claims := SessionClaims{
		UserID:           user.ID,
		Email:            user.Email,
		Role:             string(user.Role),
		ProfileCompleted: user.ProfileCompleted,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", errors.Wrap(err, "sign session token")
	}
	return signed, nil
}

// Parse verifies the signature and expiry and returns the principal.
func (t *TokenIssuer) Parse(raw string) (Principal, error) {
	claims := &SessionClaims{}
	// Expiry is checked against the issuer clock below.
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	token, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	})
	if err != nil || !token.Valid {
		return Principal{}, apperr.Unauthenticated("invalid session token")
	}
	if !claims.VerifyExpiresAt(t.now(), true) {
		return Principal{}, apperr.Unauthenticated("session token expired")
	}

	role := models.UserRole(claims.Role)
	if claims.UserID == "" || !models.IsValidRole(role) {
		return Principal{}, apperr.Unauthenticated("session token is missing claims")
	}
	return Principal{
		UserID:           claims.UserID,
		Email:            claims.Email,
		Role:             role,
		ProfileCompleted: claims.ProfileCompleted,
	}, nil
}
