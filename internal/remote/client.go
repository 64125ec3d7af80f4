// Package remote is the adapter for the external seat-lock and payment
// service.  The service owns the authoritative seat locks, creates payment
// orders and verifies gateway signatures; this package translates local
// calls into its HTTP protocol, normalises its response envelopes and maps
// every failure onto apperr codes with Source "remote".
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/iliyamo/bus-ticketing/internal/apperr"
	"github.com/iliyamo/bus-ticketing/internal/clock"
	"github.com/iliyamo/bus-ticketing/internal/model"
)

// maxResponseSize bounds how much of a response body is read.
const maxResponseSize = 4 << 20

// DefaultCurrency is sent with every payment order.
const DefaultCurrency = "INR"

// Config configures a Client.
type Config struct {
	BaseURL string
	AppID   string
	APIKey  string
	Timeout time.Duration
	// DelegateBearer forwards the caller's bearer credential as
	// Authorization in addition to the external identity headers.
	DelegateBearer bool
	HTTPClient     *http.Client
	Clock          clock.Clock
	Logger         *slog.Logger
}

// Client talks to the seat service.  It is safe for concurrent use; the
// caller identity travels with each call rather than living on the client.
type Client struct {
	base     string
	appID    string
	apiKey   string
	delegate bool
	http     *http.Client
	clock    clock.Clock
	log      *slog.Logger
}

// New builds a Client from cfg, filling defaults for unset fields.
func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		base:     strings.TrimRight(cfg.BaseURL, "/"),
		appID:    cfg.AppID,
		apiKey:   cfg.APIKey,
		delegate: cfg.DelegateBearer,
		http:     hc,
		clock:    clk,
		log:      logger.With("component", "remote"),
	}
}

// HoldGrant is the result of a successful acquire-hold.
type HoldGrant struct {
	Token     string
	SeatID    string
	ExpiresAt time.Time
	TTL       time.Duration
}

// Confirmation is the remote outcome of a verified payment.
type Confirmation struct {
	RemoteBookingID string
	SeatNumber      string
	Booking         json.RawMessage
}

// SeatStatus is one seat as reported by the service.  Lock fields are
// populated by QueryStatus; holder fields only when querying by token.
type SeatStatus struct {
	ID               string           `json:"_id"`
	AltID            string           `json:"id"`
	EntityID         string           `json:"entityId"`
	SeatNumber       string           `json:"seatNumber"`
	Price            decimal.Decimal  `json:"price"`
	Status           string           `json:"status"`
	IsLocked         bool             `json:"isLocked"`
	IsBooked         bool             `json:"isBooked"`
	LockExpiresAt    *time.Time       `json:"lockExpiresAt"`
	ReservationToken string           `json:"reservationToken"`
	HoldStatus       model.HoldStatus `json:"holdStatus"`
	LockedBy         string           `json:"lockedBy"`
}

// SeatID returns the service's identifier of the seat.
func (s SeatStatus) SeatID() string {
	if s.ID != "" {
		return s.ID
	}
	return s.AltID
}

// StatusQuery selects seats by departure, by reservation token, or both.
type StatusQuery struct {
	EntityID string
	Token    string
}

// AcquireHold locks seat for who.  The seat's service id is resolved from
// the departure's seat list first; a seat the service does not know is
// SEAT_UNAVAILABLE.
func (c *Client) AcquireHold(ctx context.Context, who model.Identity, seat model.SeatKey) (HoldGrant, error) {
	var seats seatList
	if err := c.do(ctx, who, opReserve, http.MethodGet, "/seats", url.Values{"entityId": {seat.EntityID()}}, nil, &seats); err != nil {
		return HoldGrant{}, err
	}
	var seatID string
	for _, s := range seats {
		if s.SeatNumber == seat.SeatNumber {
			seatID = s.SeatID()
			break
		}
	}
	if seatID == "" {
		return HoldGrant{}, apperr.Remote(apperr.CodeSeatUnavailable, 0, "seat "+seat.SeatNumber+" is not offered on this departure")
	}

	var out struct {
		ReservationToken string     `json:"reservationToken"`
		ExpiresAt        *time.Time `json:"expiresAt"`
		TTL              int        `json:"ttl"`
	}
	if err := c.do(ctx, who, opReserve, http.MethodPost, "/reserve-seat", nil, map[string]string{"seatId": seatID}, &out); err != nil {
		return HoldGrant{}, err
	}
	if out.ReservationToken == "" {
		return HoldGrant{}, apperr.Remote(apperr.CodeUpstreamUnavailable, http.StatusBadGateway, "seat service returned no reservation token")
	}
	grant := HoldGrant{Token: out.ReservationToken, SeatID: seatID, TTL: time.Duration(out.TTL) * time.Second}
	switch {
	case out.ExpiresAt != nil:
		grant.ExpiresAt = *out.ExpiresAt
		if grant.TTL == 0 {
			grant.TTL = grant.ExpiresAt.Sub(c.clock.Now()).Round(time.Second)
		}
	case grant.TTL > 0:
		grant.ExpiresAt = c.clock.Now().Add(grant.TTL)
	default:
		return HoldGrant{}, apperr.Remote(apperr.CodeUpstreamUnavailable, http.StatusBadGateway, "seat service returned no hold expiry")
	}
	return grant, nil
}

// CreateOrder creates (or returns the existing) payment order for token.
func (c *Client) CreateOrder(ctx context.Context, who model.Identity, token string, amount decimal.Decimal, metadata map[string]string) (model.PaymentOrder, error) {
	body := map[string]any{
		"reservationToken": token,
		"amount":           json.Number(amount.String()),
		"currency":         DefaultCurrency,
		"metadata":         metadata,
	}
	var out struct {
		OrderID  string          `json:"orderId"`
		Amount   decimal.Decimal `json:"amount"`
		Currency string          `json:"currency"`
		KeyID    string          `json:"keyId"`
	}
	if err := c.do(ctx, who, opOrder, http.MethodPost, "/create-order", nil, body, &out); err != nil {
		return model.PaymentOrder{}, err
	}
	if out.OrderID == "" || out.KeyID == "" {
		return model.PaymentOrder{}, apperr.Remote(apperr.CodeUpstreamUnavailable, http.StatusBadGateway, "seat service returned an incomplete order")
	}
	if out.Currency == "" {
		out.Currency = DefaultCurrency
	}
	return model.PaymentOrder{
		OrderID:       out.OrderID,
		Token:         token,
		Amount:        out.Amount,
		Currency:      out.Currency,
		GatewayKeyRef: out.KeyID,
	}, nil
}

// ConfirmBooking asks the service to verify proof and finalise the seat.
func (c *Client) ConfirmBooking(ctx context.Context, who model.Identity, token string, proof model.PaymentProof) (Confirmation, error) {
	body := map[string]string{
		"reservationToken":    token,
		"razorpay_order_id":   proof.OrderID,
		"razorpay_payment_id": proof.PaymentID,
		"razorpay_signature":  proof.Signature,
	}
	var out struct {
		BookingID string          `json:"bookingId"`
		Booking   json.RawMessage `json:"booking"`
		Seat      struct {
			SeatNumber string `json:"seatNumber"`
		} `json:"seat"`
	}
	if err := c.do(ctx, who, opConfirm, http.MethodPost, "/confirm-booking", nil, body, &out); err != nil {
		return Confirmation{}, err
	}
	if out.BookingID == "" {
		return Confirmation{}, apperr.Remote(apperr.CodeUpstreamUnavailable, http.StatusBadGateway, "seat service returned no booking id")
	}
	return Confirmation{RemoteBookingID: out.BookingID, SeatNumber: out.Seat.SeatNumber, Booking: out.Booking}, nil
}

// Release frees token's lock.  A seat that is already booked, or a token
// the service no longer knows, is treated as released.
func (c *Client) Release(ctx context.Context, who model.Identity, token string) error {
	err := c.do(ctx, who, opRelease, http.MethodPost, "/release-seat", nil, map[string]string{"reservationToken": token}, nil)
	if err == nil {
		return nil
	}
	if e, ok := apperr.As(err); ok && e.Source == apperr.SourceRemote {
		switch {
		case e.Status == http.StatusConflict,
			e.Code == apperr.CodeHoldExpired,
			e.Code == apperr.CodeReservationNotFound:
			c.log.Debug("release treated as done", "code", e.Code, "status", e.Status)
			return nil
		}
	}
	return err
}

// QueryStatus lists seats with their lock and booked flags.  It feeds the
// seat map and cache rehydration, never conflict decisions.
func (c *Client) QueryStatus(ctx context.Context, who model.Identity, q StatusQuery) ([]SeatStatus, error) {
	if q.EntityID == "" && q.Token == "" {
		return nil, apperr.New(apperr.CodeInvalidInput, "status query needs an entity or a token")
	}
	params := url.Values{}
	if q.EntityID != "" {
		params.Set("entityId", q.EntityID)
	}
	if q.Token != "" {
		params.Set("reservationToken", q.Token)
	}
	var seats seatList
	if err := c.do(ctx, who, opOther, http.MethodGet, "/seats/status", params, nil, &seats); err != nil {
		return nil, err
	}
	return seats, nil
}

// Health pings the service.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, model.Identity{}, opOther, http.MethodGet, "/health", nil, nil, nil)
}

func (c *Client) do(ctx context.Context, who model.Identity, op operation, method, path string, query url.Values, body, out any) error {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return apperr.Wrap(apperr.CodeInternal, "encode request", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "build request", err)
	}
	c.setHeaders(req, who)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("remote call failed", "method", method, "path", path, "err", err, "duration", time.Since(start))
		e := apperr.Wrap(apperr.CodeUpstreamUnavailable, "seat service unreachable", err)
		e.Source = apperr.SourceRemote
		return e
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	c.log.Info("remote call", "method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start), "request_id", req.Header.Get("X-Request-ID"))
	if readErr != nil {
		e := apperr.Wrap(apperr.CodeUpstreamUnavailable, "read seat service response", readErr)
		e.Source = apperr.SourceRemote
		return e
	}

	env, parseErr := parseEnvelope(raw)
	if resp.StatusCode >= 400 || (parseErr == nil && env.failed()) {
		return classify(op, resp.StatusCode, env)
	}
	if out == nil {
		return nil
	}
	if parseErr != nil {
		return malformed(path, parseErr)
	}
	if err := json.Unmarshal(env.payload(), out); err != nil {
		return malformed(path, err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request, who model.Identity) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-app-id", c.appID)
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("X-Request-ID", uuid.NewString())
	if who.ID != "" {
		req.Header.Set("x-external-user-id", who.ID)
		req.Header.Set("x-external-user-email", who.Email)
		req.Header.Set("x-external-user-name", who.Name)
	}
	if who.Bearer != "" && (c.delegate || who.ID == "") {
		req.Header.Set("Authorization", "Bearer "+who.Bearer)
	}
}

func malformed(path string, err error) error {
	e := apperr.Wrap(apperr.CodeUpstreamUnavailable, fmt.Sprintf("malformed response from %s", path), err)
	e.Source = apperr.SourceRemote
	e.Status = http.StatusBadGateway
	return e
}

// IsRemote reports whether err was raised by the seat service.
func IsRemote(err error) bool {
	var e *apperr.Error
	return errors.As(err, &e) && e.Source == apperr.SourceRemote
}
