package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/iliyamo/bus-ticketing/internal/model"
	"github.com/iliyamo/bus-ticketing/internal/reservation"
)

// BookingHandler exposes the reservation saga and the booking ledger.
// Every route runs behind JWTAuth.
type BookingHandler struct {
	Coord *reservation.Coordinator
	Log   *slog.Logger
}

// NewBookingHandler panics when coord is nil.
func NewBookingHandler(coord *reservation.Coordinator, logger *slog.Logger) *BookingHandler {
	if coord == nil {
		panic("nil coordinator passed to NewBookingHandler")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BookingHandler{Coord: coord, Log: logger.With("component", "http")}
}

type reserveRequest struct {
	ScheduleID  uint64 `json:"scheduleId"`
	JourneyDate string `json:"journeyDate"`
	SeatNumber  string `json:"seatNumber"`
}

type tokenRequest struct {
	ReservationToken string `json:"reservationToken"`
}

type confirmRequest struct {
	ReservationToken string             `json:"reservationToken"`
	PaymentProof     model.PaymentProof `json:"paymentProof"`
	Passenger        model.Passenger    `json:"passengerDetails"`
}

type holdView struct {
	ReservationToken string    `json:"reservationToken"`
	ExpiresAt        time.Time `json:"expiresAt"`
	TTL              int       `json:"ttl"`
	Seat             struct {
		SeatNumber string          `json:"seatNumber"`
		Fare       decimal.Decimal `json:"fare"`
	} `json:"seat"`
	Schedule struct {
		ID          uint64 `json:"id"`
		JourneyDate string `json:"journeyDate"`
		Route       string `json:"route"`
		Bus         string `json:"bus"`
	} `json:"schedule"`
}

// Reserve handles POST /bookings/reserve.  The seat is held for the remote
// lock's TTL; the response carries the token every later step needs.
func (h *BookingHandler) Reserve(c echo.Context) error {
	var req reserveRequest
	if err := c.Bind(&req); err != nil {
		return invalid(c, "invalid request body")
	}
	if req.JourneyDate == "" {
		return invalid(c, "journeyDate is required")
	}
	date, err := model.ParseDate(req.JourneyDate)
	if err != nil {
		return invalid(c, err.Error())
	}
	hold, err := h.Coord.Hold(c.Request().Context(), caller(c), model.NewSeatKey(req.ScheduleID, date, req.SeatNumber))
	if err != nil {
		return fail(c, err)
	}
	var v holdView
	v.ReservationToken = hold.Token
	v.ExpiresAt = hold.ExpiresAt
	if ttl := int(hold.ExpiresAt.Sub(h.Coord.Now()).Round(time.Second) / time.Second); ttl > 0 {
		v.TTL = ttl
	}
	v.Seat.SeatNumber = hold.Seat.SeatNumber
	v.Seat.Fare = hold.Fare
	v.Schedule.ID = hold.Seat.ScheduleID
	v.Schedule.JourneyDate = hold.Seat.JourneyDate.Format(model.DateLayout)
	v.Schedule.Route = hold.Metadata["route"]
	v.Schedule.Bus = hold.Metadata["bus"]
	return ok(c, http.StatusOK, "seat reserved", v)
}

// CreateOrder handles POST /bookings/create-order.
func (h *BookingHandler) CreateOrder(c echo.Context) error {
	var req tokenRequest
	if err := c.Bind(&req); err != nil {
		return invalid(c, "invalid request body")
	}
	order, err := h.Coord.Order(c.Request().Context(), caller(c), strings.TrimSpace(req.ReservationToken))
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, "", order)
}

// Confirm handles POST /bookings/confirm.  A confirmation the ledger could
// not record yet answers 503 with the remote booking id as reference.
func (h *BookingHandler) Confirm(c echo.Context) error {
	var req confirmRequest
	if err := c.Bind(&req); err != nil {
		return invalid(c, "invalid request body")
	}
	b, err := h.Coord.Confirm(c.Request().Context(), caller(c), strings.TrimSpace(req.ReservationToken), req.PaymentProof, req.Passenger)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusCreated, "booking confirmed", echo.Map{
		"booking":         b,
		"remoteBookingId": b.RemoteBookingID,
	})
}

// Release handles POST /bookings/release.
func (h *BookingHandler) Release(c echo.Context) error {
	var req tokenRequest
	if err := c.Bind(&req); err != nil {
		return invalid(c, "invalid request body")
	}
	if err := h.Coord.Release(c.Request().Context(), caller(c), strings.TrimSpace(req.ReservationToken)); err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, "reservation released", nil)
}

// Cancel handles PUT /bookings/:id/cancel.  The payment is not refunded
// here; the booking is flagged refund_pending.
func (h *BookingHandler) Cancel(c echo.Context) error {
	b, err := h.Coord.Cancel(c.Request().Context(), caller(c), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, "booking cancelled, refund pending", b)
}

// Get handles GET /bookings/:id.
func (h *BookingHandler) Get(c echo.Context) error {
	b, err := h.Coord.Get(c.Request().Context(), caller(c), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, "", b)
}

// Mine handles GET /bookings/my-bookings.
func (h *BookingHandler) Mine(c echo.Context) error {
	bs, err := h.Coord.ListMine(c.Request().Context(), caller(c))
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, "", bs)
}

// All handles GET /bookings?limit=N for elevated roles.
func (h *BookingHandler) All(c echo.Context) error {
	limit := reservation.MaxListAll
	if s := c.QueryParam("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return invalid(c, "limit must be a number")
		}
		limit = n
	}
	bs, err := h.Coord.ListAll(c.Request().Context(), caller(c), limit)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, "", bs)
}
