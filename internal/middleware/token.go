package middleware

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/iliyamo/bus-ticketing/internal/model"
)

// IssueToken signs an HS256 access token for who that JWTAuth accepts.
// Production tokens come from the auth service; this is for dev runs and
// tests sharing the same secret.
func IssueToken(secret string, who model.Identity, ttl time.Duration) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		Email: who.Email,
		Name:  who.Name,
		Role:  who.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   who.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}
