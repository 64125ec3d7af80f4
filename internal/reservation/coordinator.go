// Package reservation is the server side of the seat purchase saga.  The
// Coordinator sequences hold, order and confirm against the remote seat
// lock, caches in-flight holds by token, writes confirmed outcomes to the
// booking ledger and owns the compensating release.
//
// Per token the saga moves NONE -> HELD -> ORDER_CREATED -> CONFIRMED, or
// from HELD or ORDER_CREATED to RELEASED on release, expiry or a failed
// confirmation.  The remote lock, not the local cache, decides who gets a
// seat.
package reservation

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/bus-ticketing/internal/apperr"
	"github.com/iliyamo/bus-ticketing/internal/clock"
	"github.com/iliyamo/bus-ticketing/internal/holdstore"
	"github.com/iliyamo/bus-ticketing/internal/model"
	"github.com/iliyamo/bus-ticketing/internal/remote"
)

// Adapter is the remote seat lock as used by the Coordinator.
// *remote.Client implements it.
type Adapter interface {
	AcquireHold(ctx context.Context, who model.Identity, seat model.SeatKey) (remote.HoldGrant, error)
	CreateOrder(ctx context.Context, who model.Identity, token string, amount decimal.Decimal, metadata map[string]string) (model.PaymentOrder, error)
	ConfirmBooking(ctx context.Context, who model.Identity, token string, proof model.PaymentProof) (remote.Confirmation, error)
	Release(ctx context.Context, who model.Identity, token string) error
	QueryStatus(ctx context.Context, who model.Identity, q remote.StatusQuery) ([]remote.SeatStatus, error)
}

// Ledger is the durable booking store.  *repository.BookingRepo and
// *memory.Ledger implement it.
type Ledger interface {
	RecordConfirmedBooking(ctx context.Context, b model.Booking) (model.Booking, error)
	GetBookedSeats(ctx context.Context, scheduleID uint64, journeyDate time.Time) ([]string, error)
	GetBooking(ctx context.Context, bookingID string) (model.Booking, error)
	ListByUser(ctx context.Context, userID string) ([]model.Booking, error)
	ListAll(ctx context.Context, limit int) ([]model.Booking, error)
	CancelBooking(ctx context.Context, bookingID string, at time.Time) (model.Booking, error)
}

// Schedules looks up fares.  Missing or inactive schedules are NOT_FOUND.
type Schedules interface {
	GetSchedule(ctx context.Context, id uint64) (model.Schedule, error)
}

// Notifier receives confirmed bookings.  Delivery is best effort.
type Notifier interface {
	BookingConfirmed(ctx context.Context, b model.Booking) error
}

// Options configures a Coordinator.  Remote, Ledger, Schedules and Holds
// are required.
type Options struct {
	Remote    Adapter
	Ledger    Ledger
	Schedules Schedules
	Holds     holdstore.Store
	Notifier  Notifier
	Clock     clock.Clock
	Logger    *slog.Logger
	// ElevatedRoles may read and cancel any booking.  Defaults to "admin".
	ElevatedRoles []string
	// HoldTTL is assumed for rehydrated holds whose remote expiry is
	// unknown.  Defaults to 120s.
	HoldTTL time.Duration
	// NotifyTimeout bounds each notification.  Defaults to 10s.
	NotifyTimeout time.Duration
}

// Coordinator runs the reservation saga.  It is safe for concurrent use.
type Coordinator struct {
	remote    Adapter
	ledger    Ledger
	schedules Schedules
	holds     holdstore.Store
	notifier  Notifier
	clock     clock.Clock
	log       *slog.Logger
	elevated  []string
	holdTTL   time.Duration
	notifyTTL time.Duration

	notifying sync.WaitGroup
}

// New builds a Coordinator.  It panics when a required dependency is nil.
func New(o Options) *Coordinator {
	if o.Remote == nil || o.Ledger == nil || o.Schedules == nil || o.Holds == nil {
		panic("reservation: nil dependency passed to New")
	}
	c := &Coordinator{
		remote:    o.Remote,
		ledger:    o.Ledger,
		schedules: o.Schedules,
		holds:     o.Holds,
		notifier:  o.Notifier,
		clock:     o.Clock,
		log:       o.Logger,
		elevated:  o.ElevatedRoles,
		holdTTL:   o.HoldTTL,
		notifyTTL: o.NotifyTimeout,
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.log = c.log.With("component", "reservation")
	if len(c.elevated) == 0 {
		c.elevated = []string{"admin"}
	}
	if c.holdTTL <= 0 {
		c.holdTTL = 120 * time.Second
	}
	if c.notifyTTL <= 0 {
		c.notifyTTL = 10 * time.Second
	}
	return c
}

// Hold claims seat for who and caches the hold under its token.  The
// schedule must exist; contested seats fail with SEAT_LOCKED or
// SEAT_UNAVAILABLE and must not be retried automatically.
func (c *Coordinator) Hold(ctx context.Context, who model.Identity, seat model.SeatKey) (model.Hold, error) {
	if who.Empty() {
		return model.Hold{}, apperr.New(apperr.CodeUnauthorized, "caller identity is required")
	}
	seat = model.NewSeatKey(seat.ScheduleID, seat.JourneyDate, seat.SeatNumber)
	if err := seat.Validate(); err != nil {
		return model.Hold{}, apperr.Wrap(apperr.CodeInvalidInput, err.Error(), err)
	}
	if seat.JourneyDate.Before(model.Day(c.clock.Now().UTC())) {
		return model.Hold{}, apperr.New(apperr.CodeInvalidInput, "journey date is in the past")
	}
	sched, err := c.schedule(ctx, seat.ScheduleID)
	if err != nil {
		return model.Hold{}, err
	}

	booked, err := c.ledger.GetBookedSeats(ctx, seat.ScheduleID, seat.JourneyDate)
	if err != nil {
		return model.Hold{}, ledgerErr(err)
	}
	for _, n := range booked {
		if n == seat.SeatNumber {
			return model.Hold{}, apperr.New(apperr.CodeSeatUnavailable, "seat "+n+" is already booked")
		}
	}

	grant, err := c.remote.AcquireHold(ctx, who, seat)
	if err != nil {
		return model.Hold{}, err
	}
	h := model.Hold{
		Token:     grant.Token,
		Seat:      seat,
		Holder:    holder(who),
		ExpiresAt: grant.ExpiresAt,
		Status:    model.HoldHeld,
		Fare:      sched.Fare,
		Metadata:  metadata(sched, seat),
	}
	c.cache(ctx, h)
	c.log.Info("seat held", "seat", seat.String(), "user", who.ID, "expires_at", h.ExpiresAt)
	return h, nil
}

// Order creates the payment order for token at the cached fare.  Repeated
// calls return the same order id.
func (c *Coordinator) Order(ctx context.Context, who model.Identity, token string) (model.PaymentOrder, error) {
	h, err := c.load(ctx, who, token)
	if err != nil {
		return model.PaymentOrder{}, err
	}
	if h.Status == model.HoldConfirmed {
		return model.PaymentOrder{}, apperr.New(apperr.CodeInvalidInput, "reservation is already confirmed")
	}
	if h.Expired(c.clock.Now()) {
		c.forget(ctx, token)
		return model.PaymentOrder{}, apperr.New(apperr.CodeHoldExpired, "reservation expired, select the seat again")
	}
	order, err := c.remote.CreateOrder(ctx, who, token, h.Fare, h.Metadata)
	if err != nil {
		if terminal(err) {
			c.forget(ctx, token)
		}
		return model.PaymentOrder{}, err
	}
	h.Status = model.HoldOrderCreated
	h.OrderID = order.OrderID
	c.cache(ctx, h)
	return order, nil
}

// Release frees token's seat.  The cache entry is dropped whatever the
// remote outcome; a token already confirmed or expired remotely counts as
// released.
func (c *Coordinator) Release(ctx context.Context, who model.Identity, token string) error {
	if token == "" {
		return apperr.New(apperr.CodeInvalidInput, "reservationToken is required")
	}
	if h, err := c.holds.Get(ctx, token); err == nil && h.Holder.ID != who.ID {
		return apperr.New(apperr.CodeUnauthorized, "reservation belongs to another user")
	}
	err := c.remote.Release(ctx, who, token)
	c.forget(ctx, token)
	if err != nil {
		c.log.Warn("release failed", "token", token, "err", err)
		return err
	}
	return nil
}

// load returns the cached hold for token, rebuilding it from the remote
// lock when this process has no entry.
func (c *Coordinator) load(ctx context.Context, who model.Identity, token string) (model.Hold, error) {
	if who.Empty() {
		return model.Hold{}, apperr.New(apperr.CodeUnauthorized, "caller identity is required")
	}
	if token == "" {
		return model.Hold{}, apperr.New(apperr.CodeInvalidInput, "reservationToken is required")
	}
	h, err := c.holds.Get(ctx, token)
	switch {
	case err == nil:
		if h.Holder.ID != who.ID {
			return model.Hold{}, apperr.New(apperr.CodeUnauthorized, "reservation belongs to another user")
		}
		return h, nil
	case errors.Is(err, holdstore.ErrNotFound):
	default:
		c.log.Warn("hold cache read failed", "token", token, "err", err)
	}
	return c.rehydrate(ctx, who, token)
}

// rehydrate rebuilds a cache entry from the remote lock's view of token.
// Only a live or confirmed hold the remote attributes to who qualifies; a
// status without a holder is not trusted.
func (c *Coordinator) rehydrate(ctx context.Context, who model.Identity, token string) (model.Hold, error) {
	seats, err := c.remote.QueryStatus(ctx, who, remote.StatusQuery{Token: token})
	if err != nil {
		return model.Hold{}, err
	}
	var found *remote.SeatStatus
	for i := range seats {
		s := &seats[i]
		if s.ReservationToken == token && s.LockedBy != "" && s.LockedBy == who.ID {
			found = s
			break
		}
	}
	switch {
	case found == nil:
		return model.Hold{}, apperr.New(apperr.CodeReservationNotFound, "reservation not found")
	case found.HoldStatus == model.HoldExpired:
		return model.Hold{}, apperr.New(apperr.CodeHoldExpired, "reservation expired, select the seat again")
	case !found.HoldStatus.Live() && found.HoldStatus != model.HoldConfirmed:
		return model.Hold{}, apperr.New(apperr.CodeReservationNotFound, "reservation not found")
	}
	scheduleID, date, err := model.ParseEntityID(found.EntityID)
	if err != nil {
		return model.Hold{}, apperr.Wrap(apperr.CodeReservationNotFound, "reservation is not for a bus departure", err)
	}
	seat := model.NewSeatKey(scheduleID, date, found.SeatNumber)
	sched, err := c.schedule(ctx, scheduleID)
	if err != nil {
		return model.Hold{}, err
	}
	h := model.Hold{
		Token:    token,
		Seat:     seat,
		Holder:   holder(who),
		Status:   found.HoldStatus,
		Fare:     sched.Fare,
		Metadata: metadata(sched, seat),
	}
	if found.LockExpiresAt != nil {
		h.ExpiresAt = *found.LockExpiresAt
	} else {
		h.ExpiresAt = c.clock.Now().Add(c.holdTTL)
	}
	if h.Status.Live() {
		c.cache(ctx, h)
	}
	c.log.Info("hold rehydrated from remote", "token", token, "seat", seat.String(), "status", h.Status)
	return h, nil
}

func (c *Coordinator) schedule(ctx context.Context, id uint64) (model.Schedule, error) {
	s, err := c.schedules.GetSchedule(ctx, id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return model.Schedule{}, apperr.New(apperr.CodeNotFound, "schedule not found")
		}
		return model.Schedule{}, ledgerErr(err)
	}
	return s, nil
}

func (c *Coordinator) cache(ctx context.Context, h model.Hold) {
	if err := c.holds.Put(ctx, h); err != nil {
		c.log.Warn("hold cache write failed", "token", h.Token, "err", err)
	}
}

func (c *Coordinator) forget(ctx context.Context, token string) {
	if err := c.holds.Delete(ctx, token); err != nil && !errors.Is(err, holdstore.ErrNotFound) {
		c.log.Warn("hold cache delete failed", "token", token, "err", err)
	}
}

// terminal reports whether a remote failure ends the token's saga.
func terminal(err error) bool {
	switch apperr.CodeOf(err) {
	case apperr.CodeHoldExpired, apperr.CodeReservationNotFound:
		return true
	}
	return false
}

// ledgerErr classifies storage failures that are not already app errors.
func ledgerErr(err error) error {
	if _, ok := apperr.As(err); ok {
		return err
	}
	return apperr.Wrap(apperr.CodeLedgerUnavailable, "booking storage unavailable", err)
}

func holder(who model.Identity) model.Identity {
	who.Bearer = ""
	return who
}

func metadata(s model.Schedule, seat model.SeatKey) map[string]string {
	return map[string]string{
		"scheduleId":  strconv.FormatUint(seat.ScheduleID, 10),
		"journeyDate": seat.JourneyDate.Format(model.DateLayout),
		"seatNumber":  seat.SeatNumber,
		"route":       s.RouteName,
		"bus":         s.BusNumber,
	}
}
