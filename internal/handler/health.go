package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Health answers load balancer probes; it only proves the process serves.
func Health(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// Check is one readiness dependency.
type Check func(ctx context.Context) error

// Ready returns GET /readyz.  Every check runs with a short timeout; any
// failure answers 503 with the failing names.
func Ready(checks map[string]Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
		defer cancel()
		status := http.StatusOK
		report := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				report[name] = err.Error()
				continue
			}
			report[name] = "ok"
		}
		return c.JSON(status, echo.Map{"success": status == http.StatusOK, "checks": report})
	}
}
