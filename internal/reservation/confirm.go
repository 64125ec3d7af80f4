package reservation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/iliyamo/bus-ticketing/internal/apperr"
	"github.com/iliyamo/bus-ticketing/internal/holdstore"
	"github.com/iliyamo/bus-ticketing/internal/model"
)

// Confirm finalises token with the gateway's payment proof and records the
// booking.  A remote failure writes nothing locally; the caller is expected
// to release.  When the remote side confirmed but the ledger write failed,
// the confirmation is parked for the reconciler and LEDGER_UNAVAILABLE is
// returned with the remote booking id as reference.  Calling Confirm again
// for a parked token completes it from the parked record.
func (c *Coordinator) Confirm(ctx context.Context, who model.Identity, token string, proof model.PaymentProof, passenger model.Passenger) (model.Booking, error) {
	if who.Empty() {
		return model.Booking{}, apperr.New(apperr.CodeUnauthorized, "caller identity is required")
	}
	if token == "" {
		return model.Booking{}, apperr.New(apperr.CodeInvalidInput, "reservationToken is required")
	}
	if err := proof.Validate(); err != nil {
		return model.Booking{}, apperr.Wrap(apperr.CodeInvalidInput, err.Error(), err)
	}
	passenger, err := NormalizePassenger(passenger)
	if err != nil {
		return model.Booking{}, err
	}

	if p, err := c.holds.GetPending(ctx, token); err == nil {
		if p.Hold.Holder.ID != who.ID {
			return model.Booking{}, apperr.New(apperr.CodeUnauthorized, "reservation belongs to another user")
		}
		return c.settle(ctx, p)
	} else if !errors.Is(err, holdstore.ErrNotFound) {
		c.log.Warn("pending confirmation read failed", "token", token, "err", err)
	}

	h, err := c.load(ctx, who, token)
	if err != nil {
		return model.Booking{}, err
	}
	if h.Status == model.HoldHeld {
		return model.Booking{}, apperr.New(apperr.CodeInvalidInput, "payment order has not been created for this reservation")
	}
	if h.Status != model.HoldConfirmed && h.Expired(c.clock.Now()) {
		c.forget(ctx, token)
		return model.Booking{}, apperr.New(apperr.CodeHoldExpired, "reservation expired, select the seat again")
	}

	conf, err := c.remote.ConfirmBooking(ctx, who, token, proof)
	if err != nil {
		switch {
		case terminal(err):
			c.forget(ctx, token)
		case apperr.CodeOf(err) == apperr.CodeUpstreamUnavailable:
			// The payment may have been captured.  Hand the user a reference
			// instead of retrying behind their back.
			c.log.Error("confirmation outcome unknown", "token", token, "order_id", proof.OrderID, "payment_id", proof.PaymentID, "err", err)
			return model.Booking{}, withRef(err, token, "payment could not be confirmed with the seat service, contact support with this reference")
		}
		return model.Booking{}, err
	}
	c.log.Info("remote booking confirmed", "token", token, "remote_booking_id", conf.RemoteBookingID, "seat", h.Seat.String())

	p := model.PendingConfirmation{
		Hold:            h,
		RemoteBookingID: conf.RemoteBookingID,
		Proof:           proof,
		Passenger:       passenger,
		ConfirmedAt:     c.clock.Now().UTC(),
	}
	b, err := c.record(ctx, p)
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeSeatUnavailable {
			c.log.Error("remotely confirmed seat is already booked locally", "token", token, "remote_booking_id", conf.RemoteBookingID, "seat", h.Seat.String())
			c.forget(ctx, token)
			return model.Booking{}, withRef(err, conf.RemoteBookingID, "seat is already booked, contact support with this reference")
		}
		return model.Booking{}, c.park(ctx, p, err)
	}
	c.forget(ctx, token)
	c.notify(b)
	return b, nil
}

// settle retries a parked confirmation synchronously.
func (c *Coordinator) settle(ctx context.Context, p model.PendingConfirmation) (model.Booking, error) {
	b, err := c.record(ctx, p)
	if err != nil {
		return model.Booking{}, c.park(ctx, p, err)
	}
	c.unpark(ctx, p.Hold.Token)
	c.notify(b)
	return b, nil
}

func (c *Coordinator) record(ctx context.Context, p model.PendingConfirmation) (model.Booking, error) {
	b, err := c.ledger.RecordConfirmedBooking(ctx, bookingFor(p))
	if err != nil {
		return model.Booking{}, ledgerErr(err)
	}
	return b, nil
}

// park stores p for the reconciler and returns the user-facing error.
func (c *Coordinator) park(ctx context.Context, p model.PendingConfirmation, cause error) error {
	p.Attempts++
	p.LastError = cause.Error()
	if err := c.holds.PutPending(ctx, p); err != nil {
		// Last resort: the log line carries everything needed to replay.
		c.log.Error("confirmation lost, manual reconciliation required",
			"token", p.Hold.Token, "remote_booking_id", p.RemoteBookingID, "seat", p.Hold.Seat.String(),
			"user", p.Hold.Holder.ID, "order_id", p.Proof.OrderID, "payment_id", p.Proof.PaymentID,
			"ledger_err", cause, "err", err)
	} else {
		c.log.Warn("confirmation parked for reconciliation", "token", p.Hold.Token, "remote_booking_id", p.RemoteBookingID, "attempts", p.Attempts, "err", cause)
	}
	c.forget(ctx, p.Hold.Token)
	return &apperr.Error{
		Code:    apperr.CodeLedgerUnavailable,
		Message: "seat confirmed but the booking could not be saved yet, keep this reference",
		Ref:     p.RemoteBookingID,
		Err:     cause,
	}
}

func (c *Coordinator) unpark(ctx context.Context, token string) {
	if err := c.holds.DeletePending(ctx, token); err != nil && !errors.Is(err, holdstore.ErrNotFound) {
		c.log.Warn("pending confirmation delete failed", "token", token, "err", err)
	}
}

// notify publishes b in the background.  Failures are logged only.
func (c *Coordinator) notify(b model.Booking) {
	if c.notifier == nil {
		return
	}
	c.notifying.Add(1)
	go func() {
		defer c.notifying.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.notifyTTL)
		defer cancel()
		if err := c.notifier.BookingConfirmed(ctx, b); err != nil {
			c.log.Warn("booking notification failed", "booking_id", b.BookingID, "err", err)
		}
	}()
}

// Wait blocks until in-flight notifications have finished.
func (c *Coordinator) Wait() { c.notifying.Wait() }

func bookingFor(p model.PendingConfirmation) model.Booking {
	h := p.Hold
	return model.Booking{
		BookingID:       NewBookingID(p.ConfirmedAt),
		UserID:          h.Holder.ID,
		ScheduleID:      h.Seat.ScheduleID,
		JourneyDate:     h.Seat.JourneyDate,
		Seats:           []model.BookedSeat{{SeatNumber: h.Seat.SeatNumber, Fare: h.Fare}},
		TotalFare:       h.Fare,
		PaymentRef:      p.Proof.PaymentID,
		OrderID:         p.Proof.OrderID,
		RemoteBookingID: p.RemoteBookingID,
		Passenger:       p.Passenger,
		Status:          model.BookingConfirmed,
		PaymentStatus:   model.PaymentCompleted,
		CreatedAt:       p.ConfirmedAt,
	}
}

// NewBookingID returns "BUS" followed by the base-36 millisecond timestamp
// and six random hex digits, upper-cased.
func NewBookingID(at time.Time) string {
	b := make([]byte, 3)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return "BUS" + strings.ToUpper(strconv.FormatInt(at.UnixMilli(), 36)+hex.EncodeToString(b))
}

func withRef(err error, ref, msg string) error {
	out := &apperr.Error{Code: apperr.CodeOf(err), Message: msg, Ref: ref, Err: err}
	if e, ok := apperr.As(err); ok {
		out.Status, out.Source = e.Status, e.Source
	}
	return out
}
