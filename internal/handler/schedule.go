package handler

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/bus-ticketing/internal/model"
	"github.com/iliyamo/bus-ticketing/internal/reservation"
)

// ScheduleHandler serves the public seat map.
type ScheduleHandler struct {
	Coord *reservation.Coordinator
}

func NewScheduleHandler(coord *reservation.Coordinator) *ScheduleHandler {
	if coord == nil {
		panic("nil coordinator passed to NewScheduleHandler")
	}
	return &ScheduleHandler{Coord: coord}
}

// SeatMap handles GET /schedules/:id/seats?journeyDate=YYYY-MM-DD.
func (h *ScheduleHandler) SeatMap(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return invalid(c, "invalid schedule id")
	}
	raw := c.QueryParam("journeyDate")
	if raw == "" {
		return invalid(c, "journeyDate is required")
	}
	date, err := model.ParseDate(raw)
	if err != nil {
		return invalid(c, err.Error())
	}
	m, err := h.Coord.SeatMap(c.Request().Context(), caller(c), id, date)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, "", m)
}
