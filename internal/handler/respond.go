package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/bus-ticketing/internal/apperr"
	"github.com/iliyamo/bus-ticketing/internal/middleware"
	"github.com/iliyamo/bus-ticketing/internal/model"
)

// ok writes {success:true, message?, data}.
func ok(c echo.Context, status int, msg string, data any) error {
	body := echo.Map{"success": true}
	if msg != "" {
		body["message"] = msg
	}
	if data != nil {
		body["data"] = data
	}
	return c.JSON(status, body)
}

// fail renders err in the shared error shape.
func fail(c echo.Context, err error) error {
	status, body := apperr.Body(err)
	return c.JSON(status, body)
}

func invalid(c echo.Context, msg string) error {
	return fail(c, apperr.New(apperr.CodeInvalidInput, msg))
}

// caller returns the authenticated identity; JWTAuth runs first on every
// route that calls it.
func caller(c echo.Context) model.Identity {
	id, _ := middleware.IdentityFrom(c)
	return id
}

// ErrorHandler renders errors that escape handlers (router misses, bind
// failures, panics turned into errors) in the same shape as handler
// failures.
func ErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code := apperr.CodeInternal
			switch he.Code {
			case http.StatusNotFound, http.StatusMethodNotAllowed:
				code = apperr.CodeNotFound
			case http.StatusBadRequest, http.StatusUnsupportedMediaType, http.StatusRequestEntityTooLarge:
				code = apperr.CodeInvalidInput
			case http.StatusUnauthorized, http.StatusForbidden:
				code = apperr.CodeUnauthorized
			}
			err = &apperr.Error{Code: code, Message: http.StatusText(he.Code), Status: he.Code}
		} else if _, known := apperr.As(err); !known {
			logger.Error("unhandled error", "method", c.Request().Method, "path", c.Path(), "err", err)
		}
		if c.Request().Method == http.MethodHead {
			status, _ := apperr.Body(err)
			_ = c.NoContent(status)
			return
		}
		_ = fail(c, err)
	}
}
