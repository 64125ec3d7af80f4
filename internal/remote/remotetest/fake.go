// Package remotetest provides an in-process stand-in for the seat-lock and
// payment service.  It keeps locks with clock-driven expiry, issues
// idempotent order ids and verifies gateway signatures the way the real
// service does, so the adapter and the coordinator can be exercised end to
// end without a network dependency.
package remotetest

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/iliyamo/bus-ticketing/internal/clock"
	"github.com/iliyamo/bus-ticketing/internal/model"
	"github.com/iliyamo/bus-ticketing/internal/remote"
)

// Default credentials accepted by a new Fake.
const (
	AppID         = "APP-test"
	APIKey        = "sk_test_key"
	GatewaySecret = "gw_test_secret"
	GatewayKeyID  = "rzp_test_key"
)

type seat struct {
	id       string
	entityID string
	number   string
	price    decimal.Decimal
	lock     string // token of the current lock, if any
	bookedBy string // token that booked the seat
}

type hold struct {
	token     string
	seatID    string
	holder    string
	expiresAt time.Time
	status    model.HoldStatus
	orderID   string
	amount    decimal.Decimal
	paymentID string
	bookingID string
}

// Fake is the stand-in service.  Configure it before serving requests.
type Fake struct {
	TTL time.Duration

	clock clock.Clock

	mu       sync.Mutex
	seats    map[string]*seat
	entities map[string][]string
	holds    map[string]*hold
	calls    map[string]int
	failures map[string][]int
	seq      int
	anon     bool
	echo     *echo.Echo
}

// New returns a Fake with a 120s hold TTL driven by clk.
func New(clk clock.Clock) *Fake {
	f := &Fake{
		TTL:      120 * time.Second,
		clock:    clk,
		seats:    map[string]*seat{},
		entities: map[string][]string{},
		holds:    map[string]*hold{},
		calls:    map[string]int{},
		failures: map[string][]int{},
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{"success": true, "status": "ok"})
	})
	api := e.Group("", f.count, f.authenticate)
	api.GET("/seats", f.listSeats)
	api.GET("/seats/status", f.seatStatus)
	api.POST("/reserve-seat", f.reserve)
	api.POST("/create-order", f.createOrder)
	api.POST("/confirm-booking", f.confirm)
	api.POST("/release-seat", f.release)
	f.echo = e
	return f
}

// Handler exposes the fake as an http.Handler.
func (f *Fake) Handler() http.Handler { return f.echo }

// Start serves the fake on a loopback listener closed at test cleanup.
func (f *Fake) Start(t testing.TB) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(f.echo)
	t.Cleanup(srv.Close)
	return srv
}

// Client returns an adapter pointed at srv with the fake's credentials.
func (f *Fake) Client(srv *httptest.Server) *remote.Client {
	return remote.New(remote.Config{
		BaseURL:    srv.URL,
		AppID:      AppID,
		APIKey:     APIKey,
		HTTPClient: srv.Client(),
		Clock:      f.clock,
	})
}

// AddSeats registers seats on a departure, all at price.
func (f *Fake) AddSeats(scheduleID uint64, date time.Time, price decimal.Decimal, numbers ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entity := model.EntityID(scheduleID, date)
	for _, n := range numbers {
		f.seq++
		id := fmt.Sprintf("seat%04d", f.seq)
		f.seats[id] = &seat{id: id, entityID: entity, number: n, price: price}
		f.entities[entity] = append(f.entities[entity], id)
	}
}

// OmitHolder makes token status queries answer any caller and leave
// lockedBy out, like a remote that does not attribute holds.
func (f *Fake) OmitHolder() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.anon = true
}

// FailNext makes the next request to path answer with status.
func (f *Fake) FailNext(path string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[path] = append(f.failures[path], status)
}

// Calls returns how many requests reached path.
func (f *Fake) Calls(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

// HoldStatus returns the current status of token's hold.
func (f *Fake) HoldStatus(token string) model.HoldStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.holds[token]
	if !ok {
		return ""
	}
	f.refreshLocked(h)
	return h.status
}

// Sign produces a valid gateway signature for a payment.
func (f *Fake) Sign(orderID, paymentID string) string {
	return remote.SignPayment(GatewaySecret, orderID, paymentID)
}

// Proof builds a valid payment proof for orderID.
func (f *Fake) Proof(orderID string) model.PaymentProof {
	pay := "pay_" + randomHex(7)
	return model.PaymentProof{OrderID: orderID, PaymentID: pay, Signature: f.Sign(orderID, pay)}
}

// OrderIDFor is the deterministic order id the fake issues for token.
func OrderIDFor(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "order_" + hex.EncodeToString(sum[:7])
}

func (f *Fake) count(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		path := c.Request().URL.Path
		f.mu.Lock()
		f.calls[path]++
		var status int
		if q := f.failures[path]; len(q) > 0 {
			status, f.failures[path] = q[0], q[1:]
		}
		f.mu.Unlock()
		if status != 0 {
			return c.JSON(status, echo.Map{"success": false, "message": "injected failure"})
		}
		return next(c)
	}
}

func (f *Fake) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		h := c.Request().Header
		if h.Get("x-app-id") != AppID || h.Get("x-api-key") != APIKey {
			return fail(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid application credentials")
		}
		return next(c)
	}
}

func fail(c echo.Context, status int, code, msg string) error {
	body := echo.Map{"success": false, "message": msg}
	if code != "" {
		body["code"] = code
	}
	return c.JSON(status, body)
}

func (f *Fake) refreshLocked(h *hold) {
	if h.status.Live() && !f.clock.Now().Before(h.expiresAt) {
		h.status = model.HoldExpired
		if s := f.seats[h.seatID]; s != nil && s.lock == h.token {
			s.lock = ""
		}
	}
}

type seatJSON struct {
	ID               string          `json:"_id"`
	EntityID         string          `json:"entityId"`
	SeatNumber       string          `json:"seatNumber"`
	Price            decimal.Decimal `json:"price"`
	Status           string          `json:"status"`
	IsLocked         bool            `json:"isLocked"`
	IsBooked         bool            `json:"isBooked"`
	LockExpiresAt    *time.Time      `json:"lockExpiresAt,omitempty"`
	ReservationToken string          `json:"reservationToken,omitempty"`
	HoldStatus       string          `json:"holdStatus,omitempty"`
	LockedBy         string          `json:"lockedBy,omitempty"`
}

func (f *Fake) seatJSONLocked(s *seat) seatJSON {
	out := seatJSON{ID: s.id, EntityID: s.entityID, SeatNumber: s.number, Price: s.price, Status: "AVAILABLE"}
	if s.bookedBy != "" {
		out.Status, out.IsBooked = "BOOKED", true
		return out
	}
	if h := f.holds[s.lock]; h != nil {
		f.refreshLocked(h)
		if h.status.Live() {
			exp := h.expiresAt
			out.Status, out.IsLocked, out.LockExpiresAt = "LOCKED", true, &exp
		}
	}
	return out
}

func (f *Fake) listSeats(c echo.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entity := c.QueryParam("entityId")
	seats := make([]seatJSON, 0, len(f.entities[entity]))
	for _, id := range f.entities[entity] {
		seats = append(seats, f.seatJSONLocked(f.seats[id]))
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "data": echo.Map{"seats": seats}})
}

// seatStatus answers with seats at the top level, not under data.
func (f *Fake) seatStatus(c echo.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entity := c.QueryParam("entityId")
	token := c.QueryParam("reservationToken")
	seats := []seatJSON{}
	if token != "" {
		h, ok := f.holds[token]
		if !ok || (!f.anon && h.holder != c.Request().Header.Get("x-external-user-id")) {
			return c.JSON(http.StatusOK, echo.Map{"success": true, "seats": seats})
		}
		f.refreshLocked(h)
		s := f.seats[h.seatID]
		if entity != "" && s.entityID != entity {
			return c.JSON(http.StatusOK, echo.Map{"success": true, "seats": seats})
		}
		out := f.seatJSONLocked(s)
		exp := h.expiresAt
		out.ReservationToken, out.HoldStatus, out.LockExpiresAt = h.token, string(h.status), &exp
		if !f.anon {
			out.LockedBy = h.holder
		}
		seats = append(seats, out)
		return c.JSON(http.StatusOK, echo.Map{"success": true, "seats": seats})
	}
	ids := append([]string(nil), f.entities[entity]...)
	sort.Strings(ids)
	for _, id := range ids {
		seats = append(seats, f.seatJSONLocked(f.seats[id]))
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "seats": seats})
}

func (f *Fake) reserve(c echo.Context) error {
	var req struct {
		SeatID string `json:"seatId"`
	}
	if err := c.Bind(&req); err != nil || req.SeatID == "" {
		return fail(c, http.StatusBadRequest, "INVALID_INPUT", "seatId is required")
	}
	holder := c.Request().Header.Get("x-external-user-id")
	if holder == "" {
		return fail(c, http.StatusUnauthorized, "UNAUTHORIZED", "external user is required")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.seats[req.SeatID]
	if !ok {
		return fail(c, http.StatusNotFound, "SEAT_UNAVAILABLE", "Seat not found")
	}
	if s.bookedBy != "" {
		return fail(c, http.StatusConflict, "SEAT_UNAVAILABLE", "Seat is already booked")
	}
	if h := f.holds[s.lock]; h != nil {
		f.refreshLocked(h)
		if h.status.Live() {
			return fail(c, http.StatusConflict, "SEAT_LOCKED", "Seat is currently reserved by another user")
		}
	}
	h := &hold{
		token:     "rt_" + randomHex(16),
		seatID:    s.id,
		holder:    holder,
		expiresAt: f.clock.Now().Add(f.TTL),
		status:    model.HoldHeld,
	}
	f.holds[h.token] = h
	s.lock = h.token
	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"message": "Seat reserved",
		"data": echo.Map{
			"reservationToken": h.token,
			"expiresAt":        h.expiresAt,
			"ttl":              int(f.TTL / time.Second),
			"seat":             echo.Map{"_id": s.id, "seatNumber": s.number},
		},
	})
}

// holdFor loads token's hold and checks the caller owns it.  Must be
// called with f.mu held.
func (f *Fake) holdFor(c echo.Context, token string) (*hold, error) {
	h, ok := f.holds[token]
	if !ok {
		return nil, fail(c, http.StatusNotFound, "RESERVATION_NOT_FOUND", "Reservation not found")
	}
	if h.holder != c.Request().Header.Get("x-external-user-id") {
		return nil, fail(c, http.StatusForbidden, "UNAUTHORIZED", "Reservation belongs to another user")
	}
	f.refreshLocked(h)
	return h, nil
}

func (f *Fake) createOrder(c echo.Context) error {
	var req struct {
		ReservationToken string            `json:"reservationToken"`
		Amount           decimal.Decimal   `json:"amount"`
		Currency         string            `json:"currency"`
		Metadata         map[string]string `json:"metadata"`
	}
	if err := c.Bind(&req); err != nil || req.ReservationToken == "" {
		return fail(c, http.StatusBadRequest, "INVALID_INPUT", "reservationToken is required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	h, err := f.holdFor(c, req.ReservationToken)
	if h == nil {
		return err
	}
	switch h.status {
	case model.HoldExpired, model.HoldReleased:
		return fail(c, http.StatusGone, "HOLD_EXPIRED", "Reservation expired")
	case model.HoldHeld:
		h.orderID = OrderIDFor(h.token)
		h.amount = req.Amount
		h.status = model.HoldOrderCreated
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"data": echo.Map{
			"orderId":          h.orderID,
			"amount":           h.amount,
			"currency":         remote.DefaultCurrency,
			"keyId":            GatewayKeyID,
			"reservationToken": h.token,
		},
	})
}

func (f *Fake) confirm(c echo.Context) error {
	var req struct {
		ReservationToken string `json:"reservationToken"`
		OrderID          string `json:"razorpay_order_id"`
		PaymentID        string `json:"razorpay_payment_id"`
		Signature        string `json:"razorpay_signature"`
	}
	if err := c.Bind(&req); err != nil || req.ReservationToken == "" {
		return fail(c, http.StatusBadRequest, "INVALID_INPUT", "reservationToken is required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	h, err := f.holdFor(c, req.ReservationToken)
	if h == nil {
		return err
	}
	switch h.status {
	case model.HoldConfirmed:
		if h.paymentID != req.PaymentID {
			return fail(c, http.StatusConflict, "", "Reservation already confirmed with another payment")
		}
		return f.confirmedJSON(c, h)
	case model.HoldExpired, model.HoldReleased:
		return fail(c, http.StatusGone, "HOLD_EXPIRED", "Reservation expired")
	case model.HoldHeld:
		return fail(c, http.StatusBadRequest, "INVALID_INPUT", "Order has not been created")
	}
	if req.OrderID != h.orderID || !remote.VerifyPayment(GatewaySecret, req.OrderID, req.PaymentID, req.Signature) {
		return fail(c, http.StatusBadRequest, "PAYMENT_INVALID", "Invalid payment signature")
	}
	f.seq++
	h.status = model.HoldConfirmed
	h.paymentID = req.PaymentID
	h.bookingID = fmt.Sprintf("HW%06d", f.seq)
	s := f.seats[h.seatID]
	s.lock, s.bookedBy = "", h.token
	return f.confirmedJSON(c, h)
}

func (f *Fake) confirmedJSON(c echo.Context, h *hold) error {
	s := f.seats[h.seatID]
	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"message": "Booking confirmed",
		"data": echo.Map{
			"bookingId": h.bookingID,
			"booking":   echo.Map{"_id": h.bookingID, "status": "CONFIRMED", "paymentId": h.paymentID},
			"seat":      echo.Map{"_id": s.id, "seatNumber": s.number, "entityId": s.entityID},
		},
	})
}

func (f *Fake) release(c echo.Context) error {
	var req struct {
		ReservationToken string `json:"reservationToken"`
	}
	if err := c.Bind(&req); err != nil || req.ReservationToken == "" {
		return fail(c, http.StatusBadRequest, "INVALID_INPUT", "reservationToken is required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	h, err := f.holdFor(c, req.ReservationToken)
	if h == nil {
		return err
	}
	if h.status == model.HoldConfirmed {
		return fail(c, http.StatusConflict, "", "Seat already booked")
	}
	if h.status.Live() {
		h.status = model.HoldReleased
		if s := f.seats[h.seatID]; s.lock == h.token {
			s.lock = ""
		}
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "message": "Seat released"})
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
