package rider_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/iliyamo/bus-ticketing/internal/apperr"
	"github.com/iliyamo/bus-ticketing/internal/clock"
	"github.com/iliyamo/bus-ticketing/internal/handler"
	"github.com/iliyamo/bus-ticketing/internal/holdstore"
	"github.com/iliyamo/bus-ticketing/internal/middleware"
	"github.com/iliyamo/bus-ticketing/internal/model"
	"github.com/iliyamo/bus-ticketing/internal/remote/remotetest"
	"github.com/iliyamo/bus-ticketing/internal/reservation"
	"github.com/iliyamo/bus-ticketing/internal/rider"
	"github.com/iliyamo/bus-ticketing/internal/router"
	"github.com/iliyamo/bus-ticketing/internal/storage/memory"
)

const secret = "rider-secret"

var day = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

// server runs the booking API over a fake seat service and returns a
// client factory for buyers.
func server(t *testing.T) (func(model.Identity) *rider.Client, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 2, 20, 9, 0, 0, 0, time.UTC))
	fake := remotetest.New(clk)
	fake.AddSeats(7, day, decimal.RequireFromString("450.00"), "11", "12")
	seats := fake.Start(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coord := reservation.New(reservation.Options{
		Remote: fake.Client(seats),
		Ledger: memory.NewLedger(),
		Schedules: memory.NewSchedules(model.Schedule{
			ID: 7, RouteName: "Pune - Mumbai", BusNumber: "MH12AB1234", Fare: decimal.RequireFromString("450.00"), TotalSeats: 40,
		}),
		Holds:  holdstore.NewMemory(clk),
		Clock:  clk,
		Logger: logger,
	})
	e := echo.New()
	e.HTTPErrorHandler = handler.ErrorHandler(logger)
	router.Register(e, router.Deps{
		Bookings:  handler.NewBookingHandler(coord, logger),
		Schedules: handler.NewScheduleHandler(coord),
		JWTSecret: secret,
	})
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	t.Cleanup(coord.Wait)

	return func(who model.Identity) *rider.Client {
		tok, _, err := middleware.IssueToken(secret, who, time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		return rider.NewClient(srv.URL, tok, srv.Client())
	}, clk
}

func TestMachineAgainstServer(t *testing.T) {
	clientFor, _ := server(t)
	ctx := context.Background()
	alice := clientFor(model.Identity{ID: "u-alice", Email: "alice@example.com", Name: "Alice"})
	bob := clientFor(model.Identity{ID: "u-bob", Email: "bob@example.com", Name: "Bob"})

	var maps []reservation.SeatMap
	m := rider.New(rider.Options{
		API:      alice,
		Checkout: rider.Sandbox{Secret: remotetest.GatewaySecret},
		Clock:    clock.Fake(time.Date(2026, 2, 20, 9, 0, 0, 0, time.UTC)),
		OnEvent: func(ev rider.Event) {
			if ev.Kind == rider.EventSeatMap {
				maps = append(maps, ev.SeatMap)
			}
		},
	})
	seat := model.NewSeatKey(7, day, "11")
	if err := m.Select(ctx, seat); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if m.Remaining() <= 0 {
		t.Fatalf("Remaining = %v", m.Remaining())
	}

	// bob's device loses the race and is told so
	other := rider.New(rider.Options{API: bob, Checkout: rider.Sandbox{Secret: remotetest.GatewaySecret}})
	err := other.Select(ctx, seat)
	if code := apperr.CodeOf(err); code != apperr.CodeSeatLocked && code != apperr.CodeSeatUnavailable {
		t.Fatalf("bob Select err = %v", err)
	}

	b, err := m.Pay(ctx, model.Passenger{Name: "Alice Rider", Email: "alice@example.com", Phone: "+91 98765 43210"})
	if err != nil {
		t.Fatalf("Pay: %v", err)
	}
	if b.BookingID == "" || b.Status != model.BookingConfirmed || len(b.Seats) != 1 || b.Seats[0].SeatNumber != "11" {
		t.Fatalf("booking = %+v", b)
	}
	if len(maps) == 0 || len(maps[len(maps)-1].Booked) != 1 {
		t.Fatalf("seat map after confirm = %+v", maps)
	}

	mine, err := alice.MyBookings(ctx)
	if err != nil || len(mine) != 1 {
		t.Fatalf("MyBookings = %v, %v", mine, err)
	}
}

func TestClientErrors(t *testing.T) {
	clientFor, _ := server(t)
	ctx := context.Background()
	c := clientFor(model.Identity{ID: "u-alice", Email: "alice@example.com", Name: "Alice"})

	_, err := c.CreateOrder(ctx, "rt_missing")
	if e, ok := apperr.As(err); !ok || e.Code != apperr.CodeReservationNotFound || e.Status != 404 {
		t.Fatalf("CreateOrder err = %v", err)
	}

	anon := rider.NewClient("http://127.0.0.1:1", "", nil)
	if _, err := anon.SeatMap(ctx, 7, day); !errors.Is(err, apperr.ErrUpstreamUnavailable) {
		t.Fatalf("unreachable err = %v", err)
	}
}
