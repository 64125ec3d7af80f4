package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/bus-ticketing/internal/apperr"
)

// RequireRole aborts with 403 unless the caller holds one of roles.  It
// must run after JWTAuth.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id, ok := IdentityFrom(c)
			if !ok || !id.HasRole(roles...) {
				return reject(c, apperr.New(apperr.CodeUnauthorized, "forbidden"))
			}
			return next(c)
		}
	}
}
