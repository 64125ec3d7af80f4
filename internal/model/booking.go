package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Booking statuses.
const (
	BookingConfirmed = "confirmed"
	BookingCancelled = "cancelled"
)

// Payment statuses.  Cancellation does not reverse the gateway charge; it
// flags the booking as refund_pending for an operator to settle.
const (
	PaymentCompleted     = "completed"
	PaymentRefundPending = "refund_pending"
)

// Booking is the durable record of a confirmed saga.  It is created once
// per confirmed hold and afterwards only mutated by cancellation.
//
// Fields:
//
//	BookingID       – locally generated identifier (BUS + base36 time + random).
//	UserID          – buyer that owns the booking.
//	ScheduleID      – schedule the seat belongs to.
//	JourneyDate     – calendar day of the departure.
//	Seats           – seats sold under this booking.
//	TotalFare       – sum of seat fares.
//	PaymentRef      – gateway payment id.
//	OrderID         – gateway order id.
//	RemoteBookingID – id of the remote service's booking; unique.
//	Passenger       – contact details supplied at confirmation.
//	Status          – confirmed or cancelled.
//	PaymentStatus   – completed or refund_pending.
//	CreatedAt       – when the ledger row was written.
//	CancelledAt     – when the booking was cancelled (nil while confirmed).
type Booking struct {
	BookingID       string          `json:"bookingId"`
	UserID          string          `json:"userId"`
	ScheduleID      uint64          `json:"scheduleId"`
	JourneyDate     time.Time       `json:"journeyDate"`
	Seats           []BookedSeat    `json:"seats"`
	TotalFare       decimal.Decimal `json:"totalFare"`
	PaymentRef      string          `json:"paymentRef"`
	OrderID         string          `json:"orderId"`
	RemoteBookingID string          `json:"remoteBookingId"`
	Passenger       Passenger       `json:"passengerDetails"`
	Status          string          `json:"status"`
	PaymentStatus   string          `json:"paymentStatus"`
	CreatedAt       time.Time       `json:"createdAt"`
	CancelledAt     *time.Time      `json:"cancelledAt,omitempty"`
}

// BookedSeat is one seat line of a booking.
type BookedSeat struct {
	SeatNumber string          `json:"seatNumber"`
	Fare       decimal.Decimal `json:"fare"`
}

// SeatNumbers lists the seat numbers of the booking in order.
func (b Booking) SeatNumbers() []string {
	out := make([]string, 0, len(b.Seats))
	for _, s := range b.Seats {
		out = append(out, s.SeatNumber)
	}
	return out
}

// Passenger holds the contact details of the travelling buyer.
type Passenger struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// SeatAvailability is the denormalised set of booked seats for one
// (schedule, date) departure.  Its seats equal the union of seats from all
// confirmed bookings of that departure.
type SeatAvailability struct {
	ScheduleID  uint64           `json:"scheduleId"`
	JourneyDate time.Time        `json:"journeyDate"`
	BookedSeats []SeatAssignment `json:"bookedSeats"`
}

// SeatAssignment ties a booked seat number to the booking that owns it.
type SeatAssignment struct {
	SeatNumber string `json:"seatNumber"`
	BookingID  string `json:"bookingId"`
}

// SeatNumbers lists the booked seat numbers.
func (a SeatAvailability) SeatNumbers() []string {
	out := make([]string, 0, len(a.BookedSeats))
	for _, s := range a.BookedSeats {
		out = append(out, s.SeatNumber)
	}
	return out
}
