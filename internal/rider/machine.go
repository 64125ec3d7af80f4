// Package rider is the buyer side of the seat purchase saga.  A Machine
// keeps one device in step with the server-side hold: it selects a seat,
// runs a local countdown mirroring the hold TTL, drives order, checkout
// and confirm, and releases the hold on every exit that is not a
// confirmation.
package rider

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/iliyamo/bus-ticketing/internal/apperr"
	"github.com/iliyamo/bus-ticketing/internal/clock"
	"github.com/iliyamo/bus-ticketing/internal/model"
	"github.com/iliyamo/bus-ticketing/internal/reservation"
)

var (
	// ErrSeatAlreadySelected rejects a second selection; one seat at a time.
	ErrSeatAlreadySelected = errors.New("a seat is already selected, deselect it first")
	// ErrNothingSelected is returned by Pay without a held seat.
	ErrNothingSelected = errors.New("no seat selected")
	// ErrBusy is returned while a reserve or payment is in flight.
	ErrBusy = errors.New("another action is in progress")
	// ErrSelectionCancelled is returned by a Select whose reserve was
	// overtaken by Deselect or Close; the late hold is released.
	ErrSelectionCancelled = errors.New("selection cancelled")
)

// State is the local view of the buyer's hold.
type State int

const (
	Unselected State = iota
	Selecting
	Selected
	Paying
)

func (s State) String() string {
	switch s {
	case Unselected:
		return "UNSELECTED"
	case Selecting:
		return "SELECTING"
	case Selected:
		return "SELECTED"
	case Paying:
		return "PAYING"
	}
	return "UNKNOWN"
}

// EventKind names what happened.
type EventKind int

const (
	EventHeld EventKind = iota + 1
	EventExpired
	EventReleased
	EventConfirmed
	EventSeatMap
	EventError
)

// Event is delivered to Options.OnEvent.  Only the fields relevant to Kind
// are set.
type Event struct {
	Kind    EventKind
	Seat    model.SeatKey
	Token   string
	Booking model.Booking
	SeatMap reservation.SeatMap
	Err     error
}

// Options configures a Machine.  API and Checkout are required.
type Options struct {
	API      API
	Checkout Checkout
	Clock    clock.Clock
	Logger   *slog.Logger
	// OnEvent is called outside the Machine's lock, possibly from a timer
	// goroutine.
	OnEvent func(Event)
	// HoldTTL is the countdown used when the server reports neither a ttl
	// nor an expiry.  Defaults to 120s.
	HoldTTL time.Duration
	// ReleaseTimeout bounds background releases.  Defaults to 10s.
	ReleaseTimeout time.Duration
}

// Machine is the client reservation state machine for one departure's
// seat map.  It is safe for concurrent use.
type Machine struct {
	api        API
	checkout   Checkout
	clock      clock.Clock
	log        *slog.Logger
	emit       func(Event)
	holdTTL    time.Duration
	releaseTTL time.Duration

	mu       sync.Mutex
	state    State
	seat     model.SeatKey
	token    string
	deadline time.Time
	timer    *clock.Timer
	// gen changes on every exit from Selected or Paying; timer callbacks
	// and in-flight steps holding an older gen are stale.
	gen uint64
}

// New builds a Machine.  It panics when API or Checkout is nil.
func New(o Options) *Machine {
	if o.API == nil || o.Checkout == nil {
		panic("rider: nil API or Checkout passed to New")
	}
	m := &Machine{
		api:        o.API,
		checkout:   o.Checkout,
		clock:      o.Clock,
		log:        o.Logger,
		emit:       o.OnEvent,
		holdTTL:    o.HoldTTL,
		releaseTTL: o.ReleaseTimeout,
	}
	if m.clock == nil {
		m.clock = clock.Real()
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	m.log = m.log.With("component", "rider")
	if m.emit == nil {
		m.emit = func(Event) {}
	}
	if m.holdTTL <= 0 {
		m.holdTTL = 120 * time.Second
	}
	if m.releaseTTL <= 0 {
		m.releaseTTL = 10 * time.Second
	}
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Selection returns the held seat and its token, if any.
func (m *Machine) Selection() (model.SeatKey, string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Selected && m.state != Paying {
		return model.SeatKey{}, "", false
	}
	return m.seat, m.token, true
}

// Remaining is the local countdown for the held seat; zero when nothing is
// held.
func (m *Machine) Remaining() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Selected && m.state != Paying {
		return 0
	}
	if d := m.deadline.Sub(m.clock.Now()); d > 0 {
		return d
	}
	return 0
}

// Toggle is a tap on seat: it deselects the held seat, or selects seat
// when nothing is held.
func (m *Machine) Toggle(ctx context.Context, seat model.SeatKey) error {
	m.mu.Lock()
	held := m.state == Selected && m.seat.Equal(seat)
	m.mu.Unlock()
	if held {
		return m.Deselect(ctx)
	}
	return m.Select(ctx, seat)
}

// Select holds seat and starts the countdown.  A contested seat fails with
// the server's SEAT_LOCKED or SEAT_UNAVAILABLE and is not retried; the
// seat map is refreshed so the buyer sees who won.
func (m *Machine) Select(ctx context.Context, seat model.SeatKey) error {
	m.mu.Lock()
	switch m.state {
	case Selected, Paying:
		m.mu.Unlock()
		return ErrSeatAlreadySelected
	case Selecting:
		m.mu.Unlock()
		return ErrBusy
	}
	m.gen++
	gen := m.gen
	m.state = Selecting
	m.seat = seat
	m.mu.Unlock()

	t, err := m.api.Reserve(ctx, seat)
	if err != nil {
		m.mu.Lock()
		if m.gen == gen {
			m.state = Unselected
			m.seat = model.SeatKey{}
		}
		m.mu.Unlock()
		m.emit(Event{Kind: EventError, Seat: seat, Err: err})
		switch apperr.CodeOf(err) {
		case apperr.CodeSeatLocked, apperr.CodeSeatUnavailable:
			m.Refresh(ctx, seat.ScheduleID, seat.JourneyDate)
		}
		return err
	}

	ttl := m.countdown(t)
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		m.log.Info("selection cancelled while reserving, releasing", "seat", seat.String())
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.releaseTTL)
		defer cancel()
		m.releaseQuietly(rctx, t.Token)
		m.emit(Event{Kind: EventReleased, Seat: seat, Token: t.Token})
		return ErrSelectionCancelled
	}
	m.state = Selected
	m.token = t.Token
	m.deadline = m.clock.Now().Add(ttl)
	m.timer = m.clock.AfterFunc(ttl, func() { m.expire(gen) })
	m.mu.Unlock()

	m.log.Info("seat held", "seat", seat.String(), "ttl", ttl)
	m.emit(Event{Kind: EventHeld, Seat: seat, Token: t.Token})
	return nil
}

// countdown prefers the server's ttl over its expiry so client clock skew
// does not shorten or stretch the hold.
func (m *Machine) countdown(t Ticket) time.Duration {
	if t.TTL > 0 {
		return time.Duration(t.TTL) * time.Second
	}
	if !t.ExpiresAt.IsZero() {
		if d := t.ExpiresAt.Sub(m.clock.Now()); d > 0 {
			return d
		}
	}
	return m.holdTTL
}

// expire runs when the countdown of generation gen ends.
func (m *Machine) expire(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || (m.state != Selected && m.state != Paying) {
		m.mu.Unlock()
		return
	}
	seat, token := m.leaveLocked()
	m.mu.Unlock()

	m.log.Info("hold expired locally", "seat", seat.String())
	m.emit(Event{Kind: EventExpired, Seat: seat, Token: token, Err: apperr.New(apperr.CodeHoldExpired, "reservation expired, select the seat again")})
	ctx, cancel := context.WithTimeout(context.Background(), m.releaseTTL)
	defer cancel()
	m.releaseQuietly(ctx, token)
	m.Refresh(ctx, seat.ScheduleID, seat.JourneyDate)
}

// leaveLocked ends the current hold locally: timer stopped, generation
// bumped, state Unselected.  Callers hold m.mu.
func (m *Machine) leaveLocked() (model.SeatKey, string) {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.gen++
	seat, token := m.seat, m.token
	m.state = Unselected
	m.seat = model.SeatKey{}
	m.token = ""
	m.deadline = time.Time{}
	return seat, token
}

// Deselect releases the held seat.  A release the server answers with a
// conflict or "already gone" counts as success.  A reserve still in flight
// is abandoned and its hold released when it lands.  Nothing held is a
// no-op.
func (m *Machine) Deselect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case Paying:
		m.mu.Unlock()
		return ErrBusy
	case Selecting:
		m.leaveLocked()
		m.mu.Unlock()
		return nil
	case Selected:
	default:
		m.mu.Unlock()
		return nil
	}
	seat, token := m.leaveLocked()
	m.mu.Unlock()

	err := m.release(ctx, token)
	m.emit(Event{Kind: EventReleased, Seat: seat, Token: token})
	if err != nil {
		m.emit(Event{Kind: EventError, Seat: seat, Token: token, Err: err})
	}
	return err
}

// Pay runs order, checkout and confirm for the held seat.  Abandoned or
// failed payments release the hold before the error is returned.  A
// confirm that may have charged the buyer (service unreachable, booking
// not yet recorded) is not released; its error carries the support
// reference.
func (m *Machine) Pay(ctx context.Context, passenger model.Passenger) (model.Booking, error) {
	m.mu.Lock()
	switch m.state {
	case Selected:
	case Paying, Selecting:
		m.mu.Unlock()
		return model.Booking{}, ErrBusy
	default:
		m.mu.Unlock()
		return model.Booking{}, ErrNothingSelected
	}
	m.state = Paying
	gen, seat, token := m.gen, m.seat, m.token
	m.mu.Unlock()

	order, err := m.api.CreateOrder(ctx, token)
	if err != nil {
		return model.Booking{}, m.abandon(ctx, gen, err)
	}
	proof, err := m.checkout.Pay(ctx, order)
	if err != nil {
		return model.Booking{}, m.abandon(ctx, gen, err)
	}
	if !m.current(gen) {
		return model.Booking{}, apperr.New(apperr.CodeHoldExpired, "reservation expired during payment, select the seat again")
	}

	b, err := m.api.Confirm(ctx, token, proof, passenger)
	if err != nil {
		if apperr.IsRetryable(err) {
			m.mu.Lock()
			if m.gen == gen {
				m.leaveLocked()
			}
			m.mu.Unlock()
			m.log.Error("confirmation outcome unknown", "seat", seat.String(), "token", token, "err", err)
			m.emit(Event{Kind: EventError, Seat: seat, Token: token, Err: err})
			return model.Booking{}, err
		}
		return model.Booking{}, m.abandon(ctx, gen, err)
	}

	m.mu.Lock()
	if m.gen == gen {
		m.leaveLocked()
	}
	m.mu.Unlock()
	m.log.Info("booking confirmed", "seat", seat.String(), "booking_id", b.BookingID)
	m.emit(Event{Kind: EventConfirmed, Seat: seat, Token: token, Booking: b})
	m.Refresh(ctx, seat.ScheduleID, seat.JourneyDate)
	return b, nil
}

func (m *Machine) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen && m.state == Paying
}

// abandon is the compensating exit of a payment attempt: the hold of
// generation gen is released and cause returned.  If the countdown already
// ended the hold, only cause is reported.
func (m *Machine) abandon(ctx context.Context, gen uint64, cause error) error {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return cause
	}
	seat, token := m.leaveLocked()
	m.mu.Unlock()

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.releaseTTL)
	defer cancel()
	m.releaseQuietly(rctx, token)
	m.emit(Event{Kind: EventReleased, Seat: seat, Token: token})
	m.emit(Event{Kind: EventError, Seat: seat, Token: token, Err: cause})
	return cause
}

// release calls the server, treating "nothing to release" answers as
// success.
func (m *Machine) release(ctx context.Context, token string) error {
	err := m.api.Release(ctx, token)
	switch apperr.CodeOf(err) {
	case "", apperr.CodeSeatLocked, apperr.CodeSeatUnavailable, apperr.CodeHoldExpired, apperr.CodeReservationNotFound:
		return nil
	}
	return err
}

func (m *Machine) releaseQuietly(ctx context.Context, token string) {
	if err := m.release(ctx, token); err != nil {
		m.log.Warn("release failed", "token", token, "err", err)
	}
}

// Close ends any hold best effort, e.g. when the seat map is dismissed.
// A reserve still in flight releases its hold when it lands.
func (m *Machine) Close(ctx context.Context) {
	m.mu.Lock()
	switch m.state {
	case Selecting:
		m.leaveLocked()
		m.mu.Unlock()
		return
	case Unselected:
		m.mu.Unlock()
		return
	}
	seat, token := m.leaveLocked()
	m.mu.Unlock()
	m.releaseQuietly(ctx, token)
	m.emit(Event{Kind: EventReleased, Seat: seat, Token: token})
}
