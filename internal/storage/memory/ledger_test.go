package memory

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/bus-ticketing/internal/apperr"
	"github.com/iliyamo/bus-ticketing/internal/model"
)

var journey = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func booking(id, remoteID, user string, created time.Time, seats ...string) model.Booking {
	b := model.Booking{
		BookingID:       id,
		UserID:          user,
		ScheduleID:      7,
		JourneyDate:     journey,
		RemoteBookingID: remoteID,
		Status:          model.BookingConfirmed,
		PaymentStatus:   model.PaymentCompleted,
		CreatedAt:       created,
	}
	for _, s := range seats {
		b.Seats = append(b.Seats, model.BookedSeat{SeatNumber: s, Fare: decimal.NewFromInt(450)})
	}
	return b
}

func TestRecordConfirmedBookingIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	first, err := l.RecordConfirmedBooking(ctx, booking("B1", "HW1", "u1", journey, "12"))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	again, err := l.RecordConfirmedBooking(ctx, booking("B2", "HW1", "u1", journey, "12"))
	if err != nil {
		t.Fatalf("re-record: %v", err)
	}
	if again.BookingID != first.BookingID {
		t.Fatalf("expected existing booking %s, got %s", first.BookingID, again.BookingID)
	}
	seats, _ := l.GetBookedSeats(ctx, 7, journey)
	if len(seats) != 1 || seats[0] != "12" {
		t.Fatalf("unexpected seats %v", seats)
	}
}

func TestRecordConfirmedBookingRejectsBookedSeat(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	if _, err := l.RecordConfirmedBooking(ctx, booking("B1", "HW1", "u1", journey, "12")); err != nil {
		t.Fatal(err)
	}
	_, err := l.RecordConfirmedBooking(ctx, booking("B2", "HW2", "u2", journey, "12"))
	if !errors.Is(err, apperr.ErrSeatUnavailable) {
		t.Fatalf("expected SEAT_UNAVAILABLE, got %v", err)
	}
	if _, err := l.GetBooking(ctx, "B2"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("rejected booking must not be stored, got %v", err)
	}
}

func TestAppendAndRemoveSeats(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	other := journey.AddDate(0, 0, 1)
	if _, err := l.AppendBookedSeats(ctx, 7, journey, []model.SeatAssignment{{SeatNumber: "1", BookingID: "B1"}, {SeatNumber: "2", BookingID: "B1"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.AppendBookedSeats(ctx, 7, other, []model.SeatAssignment{{SeatNumber: "1", BookingID: "B9"}}); err != nil {
		t.Fatal(err)
	}
	avail, err := l.RemoveBookedSeats(ctx, 7, journey.Add(15*time.Hour), []string{"1", "404"})
	if err != nil {
		t.Fatal(err)
	}
	if got := avail.SeatNumbers(); len(got) != 1 || got[0] != "2" {
		t.Fatalf("unexpected seats after remove: %v", got)
	}
	if got, _ := l.GetBookedSeats(ctx, 7, other); len(got) != 1 {
		t.Fatalf("other departure must be untouched, got %v", got)
	}
}

func TestParallelAppendsKeepEverySeat(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	const seats = 20
	var wg sync.WaitGroup
	for i := 1; i <= seats; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := strconv.Itoa(i)
			if _, err := l.RecordConfirmedBooking(ctx, booking("B"+n, "HW"+n, "u"+n, journey, n)); err != nil {
				t.Errorf("record %s: %v", n, err)
			}
		}()
	}
	wg.Wait()
	got, err := l.GetBookedSeats(ctx, 7, journey)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != seats {
		t.Fatalf("booked %d seats, want %d: %v", len(got), seats, got)
	}
}

func TestCancelBooking(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	if _, err := l.RecordConfirmedBooking(ctx, booking("B1", "HW1", "u1", journey, "12", "13")); err != nil {
		t.Fatal(err)
	}
	if _, err := l.RecordConfirmedBooking(ctx, booking("B2", "HW2", "u1", journey, "14")); err != nil {
		t.Fatal(err)
	}
	at := journey.Add(-48 * time.Hour)
	b, err := l.CancelBooking(ctx, "B1", at)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if b.Status != model.BookingCancelled || b.PaymentStatus != model.PaymentRefundPending {
		t.Fatalf("unexpected statuses %s/%s", b.Status, b.PaymentStatus)
	}
	if b.CancelledAt == nil || !b.CancelledAt.Equal(at) {
		t.Fatalf("cancelledAt not set: %v", b.CancelledAt)
	}
	seats, _ := l.GetBookedSeats(ctx, 7, journey)
	if len(seats) != 1 || seats[0] != "14" {
		t.Fatalf("expected only seat 14 to remain, got %v", seats)
	}
	if _, err := l.CancelBooking(ctx, "B1", at); !errors.Is(err, apperr.ErrAlreadyCancelled) {
		t.Fatalf("expected ALREADY_CANCELLED, got %v", err)
	}
	if _, err := l.CancelBooking(ctx, "nope", at); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestListsAreNewestFirst(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	for i, id := range []string{"B1", "B2", "B3"} {
		user := "u1"
		if id == "B2" {
			user = "u2"
		}
		if _, err := l.RecordConfirmedBooking(ctx, booking(id, "HW"+id, user, journey.Add(time.Duration(i)*time.Minute), id)); err != nil {
			t.Fatal(err)
		}
	}
	mine, _ := l.ListByUser(ctx, "u1")
	if len(mine) != 2 || mine[0].BookingID != "B3" || mine[1].BookingID != "B1" {
		t.Fatalf("unexpected user listing %+v", mine)
	}
	all, _ := l.ListAll(ctx, 2)
	if len(all) != 2 || all[0].BookingID != "B3" {
		t.Fatalf("unexpected full listing %+v", all)
	}
}

func TestFailWrites(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	boom := errors.New("disk on fire")
	l.FailWrites(boom)
	if _, err := l.RecordConfirmedBooking(ctx, booking("B1", "HW1", "u1", journey, "12")); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	l.FailWrites(nil)
	if _, err := l.RecordConfirmedBooking(ctx, booking("B1", "HW1", "u1", journey, "12")); err != nil {
		t.Fatalf("record after recovery: %v", err)
	}
}

func TestSchedules(t *testing.T) {
	s := NewSchedules(model.Schedule{ID: 7, Fare: decimal.NewFromInt(450)}, model.Schedule{ID: 8, Status: "CANCELLED"})
	if sc, err := s.GetSchedule(context.Background(), 7); err != nil || !sc.Fare.Equal(decimal.NewFromInt(450)) {
		t.Fatalf("get 7: %+v %v", sc, err)
	}
	for _, id := range []uint64{8, 9} {
		if _, err := s.GetSchedule(context.Background(), id); !errors.Is(err, apperr.ErrNotFound) {
			t.Fatalf("schedule %d: expected NOT_FOUND, got %v", id, err)
		}
	}
}
