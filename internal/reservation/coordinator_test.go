package reservation_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/bus-ticketing/internal/apperr"
	"github.com/iliyamo/bus-ticketing/internal/clock"
	"github.com/iliyamo/bus-ticketing/internal/holdstore"
	"github.com/iliyamo/bus-ticketing/internal/model"
	"github.com/iliyamo/bus-ticketing/internal/remote/remotetest"
	"github.com/iliyamo/bus-ticketing/internal/reservation"
	"github.com/iliyamo/bus-ticketing/internal/storage/memory"
)

var (
	day   = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	fare  = decimal.RequireFromString("450.00")
	alice = model.Identity{ID: "u-alice", Email: "alice@example.com", Name: "Alice"}
	bob   = model.Identity{ID: "u-bob", Email: "bob@example.com", Name: "Bob"}
	admin = model.Identity{ID: "u-ops", Email: "ops@example.com", Name: "Ops", Role: "admin"}
	rider = model.Passenger{Name: "Alice Rider", Email: "alice@example.com", Phone: "+91 98765 43210"}
)

type recorder struct {
	mu       sync.Mutex
	bookings []model.Booking
	err      error
}

func (r *recorder) BookingConfirmed(_ context.Context, b model.Booking) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bookings = append(r.bookings, b)
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bookings)
}

type env struct {
	coord  *reservation.Coordinator
	fake   *remotetest.Fake
	clock  *clock.FakeClock
	holds  *holdstore.Memory
	ledger *memory.Ledger
	notes  *recorder
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 2, 20, 9, 0, 0, 0, time.UTC))
	fake := remotetest.New(clk)
	fake.AddSeats(7, day, fare, "11", "12", "13")
	srv := fake.Start(t)
	e := &env{
		fake:   fake,
		clock:  clk,
		holds:  holdstore.NewMemory(clk),
		ledger: memory.NewLedger(),
		notes:  &recorder{},
	}
	e.coord = reservation.New(reservation.Options{
		Remote: fake.Client(srv),
		Ledger: e.ledger,
		Schedules: memory.NewSchedules(model.Schedule{
			ID: 7, RouteName: "Pune - Mumbai", BusNumber: "MH12AB1234", DepartureTime: "06:30", Fare: fare, TotalSeats: 40,
		}),
		Holds:    e.holds,
		Notifier: e.notes,
		Clock:    clk,
	})
	return e
}

func seat(n string) model.SeatKey { return model.NewSeatKey(7, day, n) }

// book runs the happy path for who on seat n.
func (e *env) book(t *testing.T, who model.Identity, n string) model.Booking {
	t.Helper()
	ctx := context.Background()
	h, err := e.coord.Hold(ctx, who, seat(n))
	if err != nil {
		t.Fatalf("Hold(%s): %v", n, err)
	}
	order, err := e.coord.Order(ctx, who, h.Token)
	if err != nil {
		t.Fatalf("Order: %v", err)
	}
	b, err := e.coord.Confirm(ctx, who, h.Token, e.fake.Proof(order.OrderID), rider)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	return b
}

func booked(t *testing.T, e *env) []string {
	t.Helper()
	seats, err := e.ledger.GetBookedSeats(context.Background(), 7, day)
	if err != nil {
		t.Fatal(err)
	}
	return seats
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func TestSecondBuyerIsLockedOut(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	h, err := e.coord.Hold(ctx, alice, seat("12"))
	if err != nil {
		t.Fatalf("Hold: %v", err)
	}
	if h.Token == "" || !h.Fare.Equal(fare) || h.Status != model.HoldHeld {
		t.Fatalf("unexpected hold %+v", h)
	}
	if got, want := h.ExpiresAt.Sub(e.clock.Now()), 120*time.Second; got != want {
		t.Fatalf("ttl = %v, want %v", got, want)
	}
	_, err = e.coord.Hold(ctx, bob, seat("12"))
	if !errors.Is(err, apperr.ErrSeatLocked) {
		t.Fatalf("got %v, want SEAT_LOCKED", err)
	}
	if e.fake.Calls("/reserve-seat") != 2 {
		t.Fatalf("a contested hold must not be retried, reserve calls = %d", e.fake.Calls("/reserve-seat"))
	}
}

func TestConcurrentHoldsHaveOneWinner(t *testing.T) {
	e := newEnv(t)
	const buyers = 8
	var wg sync.WaitGroup
	errs := make(chan error, buyers)
	for i := 0; i < buyers; i++ {
		who := model.Identity{ID: "u-" + string(rune('a'+i)), Email: "x@example.com", Name: "X"}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.coord.Hold(context.Background(), who, seat("13"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	wins := 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, apperr.ErrSeatLocked), errors.Is(err, apperr.ErrSeatUnavailable):
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("winners = %d, want 1", wins)
	}
}

func TestConcurrentConfirmsOnOneDeparture(t *testing.T) {
	e := newEnv(t)
	buyers := map[string]model.Identity{
		"11": alice,
		"12": bob,
		"13": {ID: "u-carol", Email: "carol@example.com", Name: "Carol"},
	}
	var wg sync.WaitGroup
	errs := make(chan error, len(buyers))
	for n, who := range buyers {
		n, who := n, who
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := context.Background()
			h, err := e.coord.Hold(ctx, who, seat(n))
			if err != nil {
				errs <- err
				return
			}
			order, err := e.coord.Order(ctx, who, h.Token)
			if err != nil {
				errs <- err
				return
			}
			_, err = e.coord.Confirm(ctx, who, h.Token, e.fake.Proof(order.OrderID), rider)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("confirm: %v", err)
		}
	}

	got := booked(t, e)
	if len(got) != len(buyers) {
		t.Fatalf("booked = %v, want %d seats", got, len(buyers))
	}
	for n := range buyers {
		if !contains(got, n) {
			t.Fatalf("seat %s lost from %v", n, got)
		}
	}
	if n := len(e.ledger.Availability(7, day).BookedSeats); n != len(buyers) {
		t.Fatalf("availability holds %d seats, want %d", n, len(buyers))
	}
}

func TestOrderIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	h, err := e.coord.Hold(ctx, alice, seat("12"))
	if err != nil {
		t.Fatal(err)
	}
	o1, err := e.coord.Order(ctx, alice, h.Token)
	if err != nil {
		t.Fatalf("Order: %v", err)
	}
	o2, err := e.coord.Order(ctx, alice, h.Token)
	if err != nil {
		t.Fatalf("second Order: %v", err)
	}
	if o1.OrderID != o2.OrderID || o1.OrderID != remotetest.OrderIDFor(h.Token) {
		t.Fatalf("order ids differ: %q vs %q", o1.OrderID, o2.OrderID)
	}
	if !o1.Amount.Equal(fare) || o1.Currency != "INR" || o1.GatewayKeyRef == "" {
		t.Fatalf("unexpected order %+v", o1)
	}
	if _, err := e.coord.Order(ctx, bob, h.Token); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("foreign order: got %v, want UNAUTHORIZED", err)
	}
}

func TestExpiryFreesSeat(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	h, err := e.coord.Hold(ctx, alice, seat("12"))
	if err != nil {
		t.Fatal(err)
	}
	e.clock.Advance(121 * time.Second)
	if e.holds.Len() != 0 {
		t.Fatal("cache entry outlived the hold")
	}
	if _, err := e.coord.Order(ctx, alice, h.Token); !errors.Is(err, apperr.ErrHoldExpired) {
		t.Fatalf("order after expiry: got %v, want HOLD_EXPIRED", err)
	}
	h2, err := e.coord.Hold(ctx, bob, seat("12"))
	if err != nil {
		t.Fatalf("hold after expiry: %v", err)
	}
	if h2.Token == h.Token {
		t.Fatal("expected a new token")
	}
}

func TestConfirmRecordsBooking(t *testing.T) {
	e := newEnv(t)
	b := e.book(t, alice, "12")
	if b.BookingID == "" || b.UserID != alice.ID || b.RemoteBookingID == "" {
		t.Fatalf("unexpected booking %+v", b)
	}
	if b.Status != model.BookingConfirmed || b.PaymentStatus != model.PaymentCompleted || !b.TotalFare.Equal(fare) {
		t.Fatalf("unexpected statuses %+v", b)
	}
	if b.Passenger.Phone != "+91 98765 43210" {
		t.Fatalf("passenger not stored: %+v", b.Passenger)
	}
	if !contains(booked(t, e), "12") {
		t.Fatal("seat 12 missing from availability")
	}
	if e.holds.Len() != 0 {
		t.Fatal("cache entry kept after confirm")
	}
	e.coord.Wait()
	if e.notes.count() != 1 {
		t.Fatalf("notifications = %d, want 1", e.notes.count())
	}
	all, _ := e.ledger.ListAll(context.Background(), 10)
	if len(all) != 1 {
		t.Fatalf("bookings = %d, want exactly 1", len(all))
	}
}

func TestConfirmRequiresOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	h, err := e.coord.Hold(ctx, alice, seat("12"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.coord.Confirm(ctx, alice, h.Token, e.fake.Proof("order_x"), rider)
	if !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("got %v, want INVALID_INPUT", err)
	}
	if e.fake.Calls("/confirm-booking") != 0 {
		t.Fatal("confirm reached the remote before an order existed")
	}
}

func TestConfirmWithBadSignatureWritesNothing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	h, _ := e.coord.Hold(ctx, alice, seat("12"))
	order, err := e.coord.Order(ctx, alice, h.Token)
	if err != nil {
		t.Fatal(err)
	}
	proof := e.fake.Proof(order.OrderID)
	proof.Signature = "deadbeef"
	_, err = e.coord.Confirm(ctx, alice, h.Token, proof, rider)
	if !errors.Is(err, apperr.ErrPaymentInvalid) {
		t.Fatalf("got %v, want PAYMENT_INVALID", err)
	}
	if len(booked(t, e)) != 0 {
		t.Fatal("ledger written on failed confirm")
	}
	if err := e.coord.Release(ctx, alice, h.Token); err != nil {
		t.Fatalf("release after failed confirm: %v", err)
	}
	if _, err := e.coord.Hold(ctx, bob, seat("12")); err != nil {
		t.Fatalf("seat not freed: %v", err)
	}
}

func TestConfirmValidatesInput(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	h, _ := e.coord.Hold(ctx, alice, seat("12"))
	tests := []struct {
		name      string
		proof     model.PaymentProof
		passenger model.Passenger
	}{
		{"missing signature", model.PaymentProof{OrderID: "o", PaymentID: "p"}, rider},
		{"missing name", e.fake.Proof("o"), model.Passenger{Email: "a@example.com", Phone: "9876543210"}},
		{"bad email", e.fake.Proof("o"), model.Passenger{Name: "A", Email: "not-an-email", Phone: "9876543210"}},
		{"bad phone", e.fake.Proof("o"), model.Passenger{Name: "A", Email: "a@example.com", Phone: "12ab"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.coord.Confirm(ctx, alice, h.Token, tt.proof, tt.passenger)
			if !errors.Is(err, apperr.ErrInvalidInput) {
				t.Fatalf("got %v, want INVALID_INPUT", err)
			}
		})
	}
}

func TestReleaseAfterConfirmIsNoop(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	h, _ := e.coord.Hold(ctx, alice, seat("12"))
	order, _ := e.coord.Order(ctx, alice, h.Token)
	b, err := e.coord.Confirm(ctx, alice, h.Token, e.fake.Proof(order.OrderID), rider)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.coord.Release(ctx, alice, h.Token); err != nil {
		t.Fatalf("release after confirm: %v", err)
	}
	got, err := e.coord.Get(ctx, alice, b.BookingID)
	if err != nil || got.Status != model.BookingConfirmed {
		t.Fatalf("booking disturbed: %+v %v", got, err)
	}
	if !contains(booked(t, e), "12") {
		t.Fatal("seat left availability")
	}
}

func TestDeselectFreesSeatImmediately(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	h, err := e.coord.Hold(ctx, alice, seat("12"))
	if err != nil {
		t.Fatal(err)
	}
	if err := e.coord.Release(ctx, bob, h.Token); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("foreign release: got %v, want UNAUTHORIZED", err)
	}
	if err := e.coord.Release(ctx, alice, h.Token); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if e.holds.Len() != 0 {
		t.Fatal("cache entry kept after release")
	}
	if _, err := e.coord.Hold(ctx, bob, seat("12")); err != nil {
		t.Fatalf("hold after release: %v", err)
	}
	if err := e.coord.Release(ctx, alice, h.Token); err != nil {
		t.Fatalf("second release: %v", err)
	}
}

func TestReleaseClearsCacheWhenRemoteFails(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	h, _ := e.coord.Hold(ctx, alice, seat("12"))
	e.fake.FailNext("/release-seat", http.StatusServiceUnavailable)
	err := e.coord.Release(ctx, alice, h.Token)
	if !errors.Is(err, apperr.ErrUpstreamUnavailable) {
		t.Fatalf("got %v, want UPSTREAM_UNAVAILABLE", err)
	}
	if e.holds.Len() != 0 {
		t.Fatal("cache entry kept after failed release")
	}
}

func TestCancelRemovesOnlyItsSeats(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	b1 := e.book(t, alice, "12")
	b2 := e.book(t, bob, "13")

	if _, err := e.coord.Cancel(ctx, bob, b1.BookingID); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("foreign cancel: got %v, want UNAUTHORIZED", err)
	}
	got, err := e.coord.Cancel(ctx, alice, b1.BookingID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != model.BookingCancelled || got.PaymentStatus != model.PaymentRefundPending || got.CancelledAt == nil {
		t.Fatalf("unexpected cancelled booking %+v", got)
	}
	seats := booked(t, e)
	if contains(seats, "12") || !contains(seats, "13") {
		t.Fatalf("availability after cancel = %v", seats)
	}
	if _, err := e.coord.Cancel(ctx, alice, b1.BookingID); !errors.Is(err, apperr.ErrAlreadyCancelled) {
		t.Fatalf("second cancel: got %v, want ALREADY_CANCELLED", err)
	}
	if _, err := e.coord.Cancel(ctx, admin, b2.BookingID); err != nil {
		t.Fatalf("admin cancel: %v", err)
	}
	if _, err := e.coord.Cancel(ctx, alice, "BUSNOPE"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("unknown booking: got %v, want NOT_FOUND", err)
	}
}

func TestListings(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.book(t, alice, "11")
	e.clock.Advance(time.Second)
	newest := e.book(t, alice, "12")
	e.book(t, bob, "13")

	mine, err := e.coord.ListMine(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 2 || mine[0].BookingID != newest.BookingID {
		t.Fatalf("unexpected listing %+v", mine)
	}
	if _, err := e.coord.ListAll(ctx, alice, 10); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("ListAll by buyer: got %v, want UNAUTHORIZED", err)
	}
	all, err := e.coord.ListAll(ctx, admin, 0)
	if err != nil || len(all) != 3 {
		t.Fatalf("ListAll = %d, %v", len(all), err)
	}
	if _, err := e.coord.Get(ctx, bob, newest.BookingID); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("foreign get: got %v, want UNAUTHORIZED", err)
	}
}

func TestHoldValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tests := []struct {
		name string
		who  model.Identity
		key  model.SeatKey
		want error
	}{
		{"anonymous", model.Identity{}, seat("12"), apperr.ErrUnauthorized},
		{"missing seat", alice, seat(""), apperr.ErrInvalidInput},
		{"past date", alice, model.NewSeatKey(7, day.AddDate(0, -1, 0), "12"), apperr.ErrInvalidInput},
		{"unknown schedule", alice, model.NewSeatKey(99, day, "12"), apperr.ErrNotFound},
		{"unknown seat", alice, seat("77"), apperr.ErrSeatUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.coord.Hold(ctx, tt.who, tt.key); !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSeatMap(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.book(t, alice, "11")
	if _, err := e.coord.Hold(ctx, bob, seat("13")); err != nil {
		t.Fatal(err)
	}
	m, err := e.coord.SeatMap(ctx, bob, 7, day)
	if err != nil {
		t.Fatalf("SeatMap: %v", err)
	}
	if !m.LockStatusAvailable || len(m.Booked) != 1 || m.Booked[0] != "11" {
		t.Fatalf("unexpected map %+v", m)
	}
	if len(m.Locked) != 1 || m.Locked[0].SeatNumber != "13" || m.Locked[0].LockExpiresAt == nil {
		t.Fatalf("unexpected locks %+v", m.Locked)
	}

	e.fake.FailNext("/seats/status", http.StatusBadGateway)
	m, err = e.coord.SeatMap(ctx, bob, 7, day)
	if err != nil {
		t.Fatalf("degraded SeatMap: %v", err)
	}
	if m.LockStatusAvailable || len(m.Locked) != 0 || len(m.Booked) != 1 {
		t.Fatalf("unexpected degraded map %+v", m)
	}
}
