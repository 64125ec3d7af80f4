// Package queue carries booking.confirmed notifications over RabbitMQ: the
// event payload, the publisher the reservation flow uses and the consumer
// that hands events to a Mailer.
package queue

import (
	"time"

	"github.com/iliyamo/bus-ticketing/internal/model"
)

// BookingQueue is the durable queue booking events are routed to.
const BookingQueue = "booking.confirmed"

// BookingConfirmedEvent is published after a booking is recorded.  It holds
// enough for the notifier to mail the passenger without reading the ledger.
type BookingConfirmedEvent struct {
	BookingID       string          `json:"booking_id"`
	RemoteBookingID string          `json:"remote_booking_id"`
	UserID          string          `json:"user_id"`
	ScheduleID      uint64          `json:"schedule_id"`
	JourneyDate     string          `json:"journey_date"`
	Seats           []string        `json:"seats"`
	TotalFare       string          `json:"total_fare"`
	PaymentRef      string          `json:"payment_ref"`
	Passenger       model.Passenger `json:"passenger"`
	ConfirmedAt     string          `json:"confirmed_at"`
}

// EventFromBooking builds the event for b.
func EventFromBooking(b model.Booking) BookingConfirmedEvent {
	return BookingConfirmedEvent{
		BookingID:       b.BookingID,
		RemoteBookingID: b.RemoteBookingID,
		UserID:          b.UserID,
		ScheduleID:      b.ScheduleID,
		JourneyDate:     b.JourneyDate.Format(model.DateLayout),
		Seats:           b.SeatNumbers(),
		TotalFare:       b.TotalFare.StringFixed(2),
		PaymentRef:      b.PaymentRef,
		Passenger:       b.Passenger,
		ConfirmedAt:     b.CreatedAt.UTC().Format(time.RFC3339),
	}
}
