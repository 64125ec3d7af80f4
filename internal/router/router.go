package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/bus-ticketing/internal/handler"
	"github.com/iliyamo/bus-ticketing/internal/middleware"
)

// Deps carries everything the routes need.  Reserve and SeatMap are
// optional per-route middleware (rate limit and response cache); nil
// entries are skipped.
type Deps struct {
	Bookings  *handler.BookingHandler
	Schedules *handler.ScheduleHandler
	Ready     echo.HandlerFunc
	JWTSecret string
	Admin     []string
	Reserve   []echo.MiddlewareFunc
	SeatMap   []echo.MiddlewareFunc
}

// RegisterRoutes registers probes and the public seat map.
func RegisterRoutes(e *echo.Echo, d Deps) {
	e.GET("/healthz", handler.Health)
	if d.Ready != nil {
		e.GET("/readyz", d.Ready)
	}
	e.GET("/schedules/:id/seats", d.Schedules.SeatMap, compact(d.SeatMap)...)
}

// RegisterBookings registers the reservation saga and booking routes.  All
// of them require a bearer token; listing every booking also requires an
// elevated role.
func RegisterBookings(e *echo.Echo, d Deps) {
	g := e.Group("/bookings", middleware.JWTAuth(d.JWTSecret))
	h := d.Bookings

	g.POST("/reserve", h.Reserve, compact(d.Reserve)...)
	g.POST("/create-order", h.CreateOrder)
	g.POST("/confirm", h.Confirm)
	g.POST("/release", h.Release)

	// my-bookings is registered before :id so the static segment wins.
	g.GET("/my-bookings", h.Mine)
	g.GET("/:id", h.Get)
	g.PUT("/:id/cancel", h.Cancel)

	admin := d.Admin
	if len(admin) == 0 {
		admin = []string{"admin"}
	}
	g.GET("", h.All, middleware.RequireRole(admin...))
}

// Register wires every route group.
func Register(e *echo.Echo, d Deps) {
	RegisterRoutes(e, d)
	RegisterBookings(e, d)
}

func compact(mws []echo.MiddlewareFunc) []echo.MiddlewareFunc {
	out := make([]echo.MiddlewareFunc, 0, len(mws))
	for _, m := range mws {
		if m != nil {
			out = append(out, m)
		}
	}
	return out
}
