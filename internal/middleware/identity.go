package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/bus-ticketing/internal/apperr"
	"github.com/iliyamo/bus-ticketing/internal/model"
)

const identityKey = "identity"

// SetIdentity stores the caller identity on the request context.
func SetIdentity(c echo.Context, id model.Identity) { c.Set(identityKey, id) }

// IdentityFrom returns the identity stored by JWTAuth.
func IdentityFrom(c echo.Context) (model.Identity, bool) {
	id, ok := c.Get(identityKey).(model.Identity)
	return id, ok && !id.Empty()
}

// userID returns the caller's subject, or "anon" when unauthenticated.
func userID(c echo.Context) string {
	if id, ok := IdentityFrom(c); ok {
		return id.ID
	}
	return "anon"
}

// reject writes err in the API's error shape.
func reject(c echo.Context, err *apperr.Error) error {
	status, body := apperr.Body(err)
	return c.JSON(status, body)
}
