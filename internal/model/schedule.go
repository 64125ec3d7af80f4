package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Schedule is the read-only view of a bus departure pattern that the
// reservation flow needs.  Schedules are managed elsewhere; this service
// only reads the fare and descriptive fields.
//
// Fields:
//
//	ID            – primary key identifier.
//	RouteName     – human label of the route (e.g. "Pune - Mumbai").
//	BusNumber     – registration or fleet number of the bus.
//	DepartureTime – local departure time of day (HH:MM).
//	Fare          – price of one seat.
//	TotalSeats    – capacity of the bus.
//	Status        – ACTIVE or CANCELLED.
type Schedule struct {
	ID            uint64          // schedules.id
	RouteName     string          // schedules.route_name
	BusNumber     string          // schedules.bus_number
	DepartureTime string          // schedules.departure_time
	Fare          decimal.Decimal // schedules.fare
	TotalSeats    int             // schedules.total_seats
	Status        string          // schedules.status
	CreatedAt     time.Time       // schedules.created_at
}

// ScheduleActive is the status of a bookable schedule.
const ScheduleActive = "ACTIVE"
