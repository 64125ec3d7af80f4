package rider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/bus-ticketing/internal/apperr"
	"github.com/iliyamo/bus-ticketing/internal/model"
	"github.com/iliyamo/bus-ticketing/internal/reservation"
)

// API is the booking service as the Machine uses it.  *Client implements it
// over HTTP.
type API interface {
	Reserve(ctx context.Context, seat model.SeatKey) (Ticket, error)
	CreateOrder(ctx context.Context, token string) (model.PaymentOrder, error)
	Confirm(ctx context.Context, token string, proof model.PaymentProof, passenger model.Passenger) (model.Booking, error)
	Release(ctx context.Context, token string) error
	SeatMap(ctx context.Context, scheduleID uint64, journeyDate time.Time) (reservation.SeatMap, error)
}

// Ticket is the server's answer to a reserve call.
type Ticket struct {
	Token     string          `json:"reservationToken"`
	ExpiresAt time.Time       `json:"expiresAt"`
	TTL       int             `json:"ttl"`
	Fare      decimal.Decimal `json:"-"`
}

// Client calls the booking HTTP API with a bearer token.
type Client struct {
	base   string
	bearer string
	http   *http.Client
}

// NewClient returns a Client for the API at base.
func NewClient(base, bearer string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: strings.TrimRight(base, "/"), bearer: bearer, http: hc}
}

type envelope struct {
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	Code      apperr.Code     `json:"code"`
	Source    string          `json:"source"`
	Reference string          `json:"reference"`
	Data      json.RawMessage `json:"data"`
}

func (c *Client) Reserve(ctx context.Context, seat model.SeatKey) (Ticket, error) {
	var out struct {
		Ticket
		Seat struct {
			Fare decimal.Decimal `json:"fare"`
		} `json:"seat"`
	}
	err := c.do(ctx, http.MethodPost, "/bookings/reserve", map[string]any{
		"scheduleId":  seat.ScheduleID,
		"journeyDate": seat.JourneyDate.Format(model.DateLayout),
		"seatNumber":  seat.SeatNumber,
	}, &out)
	if err != nil {
		return Ticket{}, err
	}
	t := out.Ticket
	t.Fare = out.Seat.Fare
	return t, nil
}

func (c *Client) CreateOrder(ctx context.Context, token string) (model.PaymentOrder, error) {
	var out model.PaymentOrder
	err := c.do(ctx, http.MethodPost, "/bookings/create-order", map[string]string{"reservationToken": token}, &out)
	return out, err
}

func (c *Client) Confirm(ctx context.Context, token string, proof model.PaymentProof, passenger model.Passenger) (model.Booking, error) {
	var out struct {
		Booking model.Booking `json:"booking"`
	}
	err := c.do(ctx, http.MethodPost, "/bookings/confirm", map[string]any{
		"reservationToken": token,
		"paymentProof":     proof,
		"passengerDetails": passenger,
	}, &out)
	return out.Booking, err
}

func (c *Client) Release(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodPost, "/bookings/release", map[string]string{"reservationToken": token}, nil)
}

func (c *Client) SeatMap(ctx context.Context, scheduleID uint64, journeyDate time.Time) (reservation.SeatMap, error) {
	var out reservation.SeatMap
	q := url.Values{"journeyDate": {model.Day(journeyDate).Format(model.DateLayout)}}
	err := c.do(ctx, http.MethodGet, "/schedules/"+strconv.FormatUint(scheduleID, 10)+"/seats?"+q.Encode(), nil, &out)
	return out, err
}

// MyBookings lists the caller's bookings.
func (c *Client) MyBookings(ctx context.Context) ([]model.Booking, error) {
	var out []model.Booking
	err := c.do(ctx, http.MethodGet, "/bookings/my-bookings", nil, &out)
	return out, err
}

// do sends body as JSON and decodes the data field into out.  Error
// bodies come back as *apperr.Error with the server's code and reference;
// transport failures as UPSTREAM_UNAVAILABLE.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		bs, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(bs)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.CodeUpstreamUnavailable, "booking service unreachable", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err != nil {
		return &apperr.Error{
			Code:    apperr.CodeUpstreamUnavailable,
			Message: fmt.Sprintf("unexpected response from %s (%d)", path, resp.StatusCode),
			Status:  resp.StatusCode,
			Err:     err,
		}
	}
	if resp.StatusCode >= 300 || !env.Success {
		code := env.Code
		if code == "" {
			code = apperr.CodeInternal
		}
		return &apperr.Error{Code: code, Message: env.Message, Status: resp.StatusCode, Source: env.Source, Ref: env.Reference}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return apperr.Wrap(apperr.CodeUpstreamUnavailable, "malformed response from "+path, err)
	}
	return nil
}
