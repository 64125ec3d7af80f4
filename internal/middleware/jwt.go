package middleware

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/bus-ticketing/internal/apperr"
	"github.com/iliyamo/bus-ticketing/internal/model"
)

// Claims are the bearer token claims issued by the auth service.  The
// subject is the buyer id.
type Claims struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// JWTAuth validates an HS256 Bearer token and stores the caller's
// model.Identity, raw token included, for handlers and the remote adapter.
func JWTAuth(secret string) echo.MiddlewareFunc {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth := c.Request().Header.Get("Authorization")
			raw, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || strings.TrimSpace(raw) == "" {
				return reject(c, &apperr.Error{Code: apperr.CodeUnauthorized, Message: "missing bearer token", Status: http.StatusUnauthorized})
			}
			var claims Claims
			tok, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
				return []byte(secret), nil
			})
			if err != nil || !tok.Valid || claims.Subject == "" {
				return reject(c, &apperr.Error{Code: apperr.CodeUnauthorized, Message: "invalid token", Status: http.StatusUnauthorized})
			}
			SetIdentity(c, model.Identity{
				ID:     claims.Subject,
				Email:  claims.Email,
				Name:   claims.Name,
				Role:   claims.Role,
				Bearer: raw,
			})
			return next(c)
		}
	}
}
