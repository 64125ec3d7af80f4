package reservation

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/bus-ticketing/internal/apperr"
	"github.com/iliyamo/bus-ticketing/internal/model"
	"github.com/iliyamo/bus-ticketing/internal/remote"
)

// MaxListAll caps the operator listing.
const MaxListAll = 500

// Cancel cancels bookingID on behalf of who, who must own it or hold an
// elevated role.  The booking's seats leave the departure's availability
// and its payment is flagged refund_pending; the gateway charge itself is
// not reversed.
func (c *Coordinator) Cancel(ctx context.Context, who model.Identity, bookingID string) (model.Booking, error) {
	if _, err := c.Get(ctx, who, bookingID); err != nil {
		return model.Booking{}, err
	}
	b, err := c.ledger.CancelBooking(ctx, bookingID, c.clock.Now())
	if err != nil {
		return model.Booking{}, ledgerErr(err)
	}
	c.log.Info("booking cancelled, refund pending", "booking_id", b.BookingID, "by", who.ID, "seats", b.SeatNumbers())
	return b, nil
}

// Get returns bookingID if who may see it.
func (c *Coordinator) Get(ctx context.Context, who model.Identity, bookingID string) (model.Booking, error) {
	if who.Empty() {
		return model.Booking{}, apperr.New(apperr.CodeUnauthorized, "caller identity is required")
	}
	if bookingID == "" {
		return model.Booking{}, apperr.New(apperr.CodeInvalidInput, "booking id is required")
	}
	b, err := c.ledger.GetBooking(ctx, bookingID)
	if err != nil {
		return model.Booking{}, ledgerErr(err)
	}
	if b.UserID != who.ID && !c.Elevated(who) {
		return model.Booking{}, apperr.New(apperr.CodeUnauthorized, "not allowed to access this booking")
	}
	return b, nil
}

// ListMine returns who's bookings, newest first.
func (c *Coordinator) ListMine(ctx context.Context, who model.Identity) ([]model.Booking, error) {
	if who.Empty() {
		return nil, apperr.New(apperr.CodeUnauthorized, "caller identity is required")
	}
	bs, err := c.ledger.ListByUser(ctx, who.ID)
	if err != nil {
		return nil, ledgerErr(err)
	}
	return bs, nil
}

// ListAll returns up to limit bookings of every user, newest first.
// Elevated roles only.
func (c *Coordinator) ListAll(ctx context.Context, who model.Identity, limit int) ([]model.Booking, error) {
	if !c.Elevated(who) {
		return nil, apperr.New(apperr.CodeUnauthorized, "elevated role required")
	}
	if limit <= 0 || limit > MaxListAll {
		limit = MaxListAll
	}
	bs, err := c.ledger.ListAll(ctx, limit)
	if err != nil {
		return nil, ledgerErr(err)
	}
	return bs, nil
}

// Now is the coordinator's clock reading.
func (c *Coordinator) Now() time.Time { return c.clock.Now() }

// Elevated reports whether who may act on other users' bookings.
func (c *Coordinator) Elevated(who model.Identity) bool { return who.HasRole(c.elevated...) }

// SeatMap is the rendered seat state of one departure.
type SeatMap struct {
	ScheduleID          uint64          `json:"scheduleId"`
	JourneyDate         string          `json:"journeyDate"`
	RouteName           string          `json:"routeName"`
	BusNumber           string          `json:"busNumber"`
	DepartureTime       string          `json:"departureTime"`
	Fare                decimal.Decimal `json:"fare"`
	TotalSeats          int             `json:"totalSeats"`
	Booked              []string        `json:"booked"`
	Locked              []LockedSeat    `json:"locked"`
	LockStatusAvailable bool            `json:"lockStatusAvailable"`
}

// LockedSeat is a seat currently held by some buyer.
type LockedSeat struct {
	SeatNumber    string     `json:"seatNumber"`
	LockExpiresAt *time.Time `json:"lockExpiresAt,omitempty"`
}

// SeatMap combines the ledger's booked seats with the remote lock's view.
// It is for display only.  When the remote lock cannot be reached the map
// carries booked seats alone and LockStatusAvailable is false.
func (c *Coordinator) SeatMap(ctx context.Context, who model.Identity, scheduleID uint64, journeyDate time.Time) (SeatMap, error) {
	if scheduleID == 0 || journeyDate.IsZero() {
		return SeatMap{}, apperr.New(apperr.CodeInvalidInput, "schedule id and journeyDate are required")
	}
	sched, err := c.schedule(ctx, scheduleID)
	if err != nil {
		return SeatMap{}, err
	}
	day := model.Day(journeyDate)
	booked, err := c.ledger.GetBookedSeats(ctx, scheduleID, day)
	if err != nil {
		return SeatMap{}, ledgerErr(err)
	}
	out := SeatMap{
		ScheduleID:    scheduleID,
		JourneyDate:   day.Format(model.DateLayout),
		RouteName:     sched.RouteName,
		BusNumber:     sched.BusNumber,
		DepartureTime: sched.DepartureTime,
		Fare:          sched.Fare,
		TotalSeats:    sched.TotalSeats,
		Locked:        []LockedSeat{},
	}
	set := make(map[string]struct{}, len(booked))
	for _, n := range booked {
		set[n] = struct{}{}
	}

	seats, err := c.remote.QueryStatus(ctx, who, remote.StatusQuery{EntityID: model.EntityID(scheduleID, day)})
	if err != nil {
		c.log.Warn("seat lock status unavailable", "schedule_id", scheduleID, "journey_date", out.JourneyDate, "err", err)
	} else {
		out.LockStatusAvailable = true
		for _, s := range seats {
			switch {
			case s.IsBooked:
				set[s.SeatNumber] = struct{}{}
			case s.IsLocked:
				out.Locked = append(out.Locked, LockedSeat{SeatNumber: s.SeatNumber, LockExpiresAt: s.LockExpiresAt})
			}
		}
	}
	out.Booked = make([]string, 0, len(set))
	for n := range set {
		out.Booked = append(out.Booked, n)
	}
	sort.Strings(out.Booked)
	sort.Slice(out.Locked, func(i, j int) bool { return out.Locked[i].SeatNumber < out.Locked[j].SeatNumber })
	return out, nil
}
