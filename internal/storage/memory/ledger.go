// Package memory holds in-process implementations of the booking ledger
// and schedule lookup, used by tests and by the server's --dev mode.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/bus-ticketing/internal/apperr"
	"github.com/iliyamo/bus-ticketing/internal/model"
)

type departure struct {
	scheduleID uint64
	date       string
}

// Ledger is an in-memory booking ledger.  A single mutex serialises every
// operation, which makes each one atomic.
type Ledger struct {
	mu       sync.Mutex
	bookings map[string]model.Booking
	byRemote map[string]string
	booked   map[departure]map[string]string // seat number -> booking id
	writeErr error
}

// NewLedger returns an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{
		bookings: map[string]model.Booking{},
		byRemote: map[string]string{},
		booked:   map[departure]map[string]string{},
	}
}

// FailWrites makes every subsequent write fail with err until called with
// nil.  Reads keep working.
func (l *Ledger) FailWrites(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writeErr = err
}

func key(scheduleID uint64, date time.Time) departure {
	return departure{scheduleID: scheduleID, date: date.Format(model.DateLayout)}
}

func (l *Ledger) RecordConfirmedBooking(_ context.Context, b model.Booking) (model.Booking, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id, ok := l.byRemote[b.RemoteBookingID]; ok {
		return clone(l.bookings[id]), nil
	}
	if l.writeErr != nil {
		return model.Booking{}, l.writeErr
	}
	dep := key(b.ScheduleID, b.JourneyDate)
	for _, s := range b.Seats {
		if _, taken := l.booked[dep][s.SeatNumber]; taken {
			return model.Booking{}, apperr.New(apperr.CodeSeatUnavailable, "seat is already booked on this departure")
		}
	}
	b = clone(b)
	l.bookings[b.BookingID] = b
	l.byRemote[b.RemoteBookingID] = b.BookingID
	l.appendLocked(dep, assignments(b))
	return clone(b), nil
}

func (l *Ledger) AppendBookedSeats(_ context.Context, scheduleID uint64, journeyDate time.Time, seats []model.SeatAssignment) (model.SeatAvailability, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writeErr != nil {
		return model.SeatAvailability{}, l.writeErr
	}
	dep := key(scheduleID, journeyDate)
	for _, s := range seats {
		if _, taken := l.booked[dep][s.SeatNumber]; taken {
			return model.SeatAvailability{}, apperr.New(apperr.CodeSeatUnavailable, "seat is already booked on this departure")
		}
	}
	l.appendLocked(dep, seats)
	return l.availabilityLocked(scheduleID, journeyDate), nil
}

func (l *Ledger) appendLocked(dep departure, seats []model.SeatAssignment) {
	set, ok := l.booked[dep]
	if !ok {
		set = map[string]string{}
		l.booked[dep] = set
	}
	for _, s := range seats {
		set[s.SeatNumber] = s.BookingID
	}
}

func (l *Ledger) RemoveBookedSeats(_ context.Context, scheduleID uint64, journeyDate time.Time, seatNumbers []string) (model.SeatAvailability, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writeErr != nil {
		return model.SeatAvailability{}, l.writeErr
	}
	l.removeLocked(key(scheduleID, journeyDate), seatNumbers)
	return l.availabilityLocked(scheduleID, journeyDate), nil
}

func (l *Ledger) removeLocked(dep departure, seatNumbers []string) {
	for _, n := range seatNumbers {
		delete(l.booked[dep], n)
	}
}

// Availability returns the departure's booked-seat document.
func (l *Ledger) Availability(scheduleID uint64, journeyDate time.Time) model.SeatAvailability {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.availabilityLocked(scheduleID, journeyDate)
}

func (l *Ledger) availabilityLocked(scheduleID uint64, journeyDate time.Time) model.SeatAvailability {
	out := model.SeatAvailability{ScheduleID: scheduleID, JourneyDate: model.Day(journeyDate), BookedSeats: []model.SeatAssignment{}}
	for n, id := range l.booked[key(scheduleID, journeyDate)] {
		out.BookedSeats = append(out.BookedSeats, model.SeatAssignment{SeatNumber: n, BookingID: id})
	}
	sort.Slice(out.BookedSeats, func(i, j int) bool { return out.BookedSeats[i].SeatNumber < out.BookedSeats[j].SeatNumber })
	return out
}

func (l *Ledger) GetBookedSeats(_ context.Context, scheduleID uint64, journeyDate time.Time) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.availabilityLocked(scheduleID, journeyDate).SeatNumbers(), nil
}

func (l *Ledger) GetBooking(_ context.Context, bookingID string) (model.Booking, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.bookings[bookingID]
	if !ok {
		return model.Booking{}, apperr.New(apperr.CodeNotFound, "booking not found")
	}
	return clone(b), nil
}

func (l *Ledger) GetByRemoteID(ctx context.Context, remoteBookingID string) (model.Booking, error) {
	l.mu.Lock()
	id, ok := l.byRemote[remoteBookingID]
	l.mu.Unlock()
	if !ok {
		return model.Booking{}, apperr.New(apperr.CodeNotFound, "booking not found")
	}
	return l.GetBooking(ctx, id)
}

func (l *Ledger) ListByUser(_ context.Context, userID string) ([]model.Booking, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []model.Booking{}
	for _, b := range l.bookings {
		if b.UserID == userID {
			out = append(out, clone(b))
		}
	}
	newestFirst(out)
	return out, nil
}

func (l *Ledger) ListAll(_ context.Context, limit int) ([]model.Booking, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.Booking, 0, len(l.bookings))
	for _, b := range l.bookings {
		out = append(out, clone(b))
	}
	newestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *Ledger) CancelBooking(_ context.Context, bookingID string, at time.Time) (model.Booking, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.bookings[bookingID]
	if !ok {
		return model.Booking{}, apperr.New(apperr.CodeNotFound, "booking not found")
	}
	if b.Status == model.BookingCancelled {
		return model.Booking{}, apperr.New(apperr.CodeAlreadyCancelled, "booking is already cancelled")
	}
	if l.writeErr != nil {
		return model.Booking{}, l.writeErr
	}
	at = at.UTC()
	b.Status = model.BookingCancelled
	b.PaymentStatus = model.PaymentRefundPending
	b.CancelledAt = &at
	l.bookings[bookingID] = b

	dep := key(b.ScheduleID, b.JourneyDate)
	for _, s := range b.Seats {
		// Only drop seats still attributed to this booking.
		if l.booked[dep][s.SeatNumber] == bookingID {
			delete(l.booked[dep], s.SeatNumber)
		}
	}
	return clone(b), nil
}

func assignments(b model.Booking) []model.SeatAssignment {
	out := make([]model.SeatAssignment, 0, len(b.Seats))
	for _, s := range b.Seats {
		out = append(out, model.SeatAssignment{SeatNumber: s.SeatNumber, BookingID: b.BookingID})
	}
	return out
}

func newestFirst(bs []model.Booking) {
	sort.SliceStable(bs, func(i, j int) bool { return bs[i].CreatedAt.After(bs[j].CreatedAt) })
}

func clone(b model.Booking) model.Booking {
	b.Seats = append([]model.BookedSeat(nil), b.Seats...)
	if b.CancelledAt != nil {
		t := *b.CancelledAt
		b.CancelledAt = &t
	}
	return b
}
