package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iliyamo/bus-ticketing/internal/apperr"
	"github.com/iliyamo/bus-ticketing/internal/model"
)

// ScheduleRepo reads schedules.  Schedules are maintained by the admin
// side of the system; the reservation flow only needs the fare and a few
// descriptive fields.
type ScheduleRepo struct {
	db *sql.DB
}

// NewScheduleRepo returns a ScheduleRepo bound to db.
func NewScheduleRepo(db *sql.DB) *ScheduleRepo { return &ScheduleRepo{db: db} }

// GetSchedule returns the schedule with the given id.  Missing and
// cancelled schedules are NOT_FOUND.
func (r *ScheduleRepo) GetSchedule(ctx context.Context, id uint64) (model.Schedule, error) {
	const q = `SELECT id, route_name, bus_number, departure_time, fare, total_seats, status, created_at
               FROM schedules WHERE id = ?`
	var s model.Schedule
	err := r.db.QueryRowContext(ctx, q, id).Scan(
		&s.ID, &s.RouteName, &s.BusNumber, &s.DepartureTime, &s.Fare, &s.TotalSeats, &s.Status, &s.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Schedule{}, apperr.New(apperr.CodeNotFound, "schedule not found")
	}
	if err != nil {
		return model.Schedule{}, err
	}
	if s.Status != model.ScheduleActive {
		return model.Schedule{}, apperr.New(apperr.CodeNotFound, "schedule is not bookable")
	}
	return s, nil
}
