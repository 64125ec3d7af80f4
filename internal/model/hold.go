package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the calendar-day format used for journey dates on the wire,
// in the ledger and inside remote entity identifiers.
const DateLayout = "2006-01-02"

// SeatKey addresses one lockable seat: a seat number on a schedule's
// departure for a given journey date.  The date is always normalised to
// midnight UTC of its calendar day, so two keys built from different
// instants on the same day compare equal with ==.
type SeatKey struct {
	ScheduleID  uint64
	JourneyDate time.Time
	SeatNumber  string
}

// NewSeatKey builds a SeatKey, truncating the journey date to its calendar
// day and trimming the seat number.
func NewSeatKey(scheduleID uint64, journeyDate time.Time, seatNumber string) SeatKey {
	return SeatKey{
		ScheduleID:  scheduleID,
		JourneyDate: Day(journeyDate),
		SeatNumber:  strings.TrimSpace(seatNumber),
	}
}

// Day returns midnight UTC of t's calendar day as seen in t's own location.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate accepts either a bare calendar date (2006-01-02) or an RFC 3339
// timestamp and returns the calendar day.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid journey date %q", s)
	}
	return Day(t), nil
}

// Equal reports whether both keys address the same seat.
func (k SeatKey) Equal(o SeatKey) bool {
	return k.ScheduleID == o.ScheduleID &&
		Day(k.JourneyDate).Equal(Day(o.JourneyDate)) &&
		k.SeatNumber == o.SeatNumber
}

// Validate checks that every component of the key is present.
func (k SeatKey) Validate() error {
	switch {
	case k.ScheduleID == 0:
		return fmt.Errorf("scheduleId is required")
	case k.JourneyDate.IsZero():
		return fmt.Errorf("journeyDate is required")
	case k.SeatNumber == "":
		return fmt.Errorf("seatNumber is required")
	}
	return nil
}

// EntityID is the remote service's identifier for the (schedule, date)
// departure, e.g. "bus-42-2026-03-01".
func (k SeatKey) EntityID() string {
	return EntityID(k.ScheduleID, k.JourneyDate)
}

// SeatRef is the remote seat reference "<entityId>:<seatNumber>".
func (k SeatKey) SeatRef() string {
	return k.EntityID() + ":" + k.SeatNumber
}

func (k SeatKey) String() string { return k.SeatRef() }

// EntityID formats the remote entity identifier for a departure.
func EntityID(scheduleID uint64, journeyDate time.Time) string {
	return "bus-" + strconv.FormatUint(scheduleID, 10) + "-" + Day(journeyDate).Format(DateLayout)
}

// ParseEntityID is the inverse of EntityID.
func ParseEntityID(entityID string) (uint64, time.Time, error) {
	rest, ok := strings.CutPrefix(entityID, "bus-")
	if !ok {
		return 0, time.Time{}, fmt.Errorf("entity %q: missing bus- prefix", entityID)
	}
	idPart, datePart, ok := strings.Cut(rest, "-")
	if !ok {
		return 0, time.Time{}, fmt.Errorf("entity %q: missing date", entityID)
	}
	id, err := strconv.ParseUint(idPart, 10, 64)
	if err != nil || id == 0 {
		return 0, time.Time{}, fmt.Errorf("entity %q: invalid schedule id", entityID)
	}
	date, err := time.Parse(DateLayout, datePart)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("entity %q: invalid date", entityID)
	}
	return id, date, nil
}

// HoldStatus is the lifecycle state of a hold as reported by the remote lock.
type HoldStatus string

const (
	HoldHeld         HoldStatus = "HELD"
	HoldOrderCreated HoldStatus = "ORDER_CREATED"
	HoldConfirmed    HoldStatus = "CONFIRMED"
	HoldReleased     HoldStatus = "RELEASED"
	HoldExpired      HoldStatus = "EXPIRED"
)

// Live reports whether the status still blocks other buyers from the seat.
func (s HoldStatus) Live() bool { return s == HoldHeld || s == HoldOrderCreated }

// Hold is a time-bounded exclusive claim on a seat.  The remote lock owns
// the authoritative copy; the coordinator caches this shape (plus Fare and
// Metadata) keyed by Token so later saga steps do not re-read the schedule.
//
// Fields:
//
//	Token     – reservation token issued by the remote lock.
//	Seat      – the seat being held.
//	Holder    – buyer identity attributed to the hold.
//	ExpiresAt – remote expiry; the cache entry is garbage after this instant.
//	Status    – last status this process observed.
//	Fare      – schedule fare captured at hold time.
//	OrderID   – payment order created for the hold, once ordered.
//	Metadata  – free-form attributes forwarded with the payment order.
type Hold struct {
	Token     string
	Seat      SeatKey
	Holder    Identity
	ExpiresAt time.Time
	Status    HoldStatus
	Fare      decimal.Decimal
	OrderID   string
	Metadata  map[string]string
}

// Expired reports whether the hold's TTL has lapsed at now.
func (h Hold) Expired(now time.Time) bool { return !now.Before(h.ExpiresAt) }

// PaymentOrder is the gateway order created for a hold.  OrderID is a pure
// function of Token on the remote side.
type PaymentOrder struct {
	OrderID       string          `json:"orderId"`
	Token         string          `json:"reservationToken"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	GatewayKeyRef string          `json:"keyId"`
}

// PaymentProof is what the payment gateway hands back to the buyer after a
// successful checkout.  The remote service verifies Signature.
type PaymentProof struct {
	OrderID   string `json:"orderId"`
	PaymentID string `json:"paymentId"`
	Signature string `json:"signature"`
}

// Validate ensures all three proof components are present.
func (p PaymentProof) Validate() error {
	if strings.TrimSpace(p.OrderID) == "" || strings.TrimSpace(p.PaymentID) == "" || strings.TrimSpace(p.Signature) == "" {
		return fmt.Errorf("paymentProof requires orderId, paymentId and signature")
	}
	return nil
}
