package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"

	"github.com/iliyamo/bus-ticketing/internal/apperr"
	"github.com/iliyamo/bus-ticketing/internal/model"
)

// BookingRepo is the MySQL booking ledger.  Confirmed bookings live in
// bookings and booking_seats; the booked-seat set of each departure lives
// in seat_availability (one row per schedule and date) and booked_seats
// (one row per sold seat).  Seats are appended and removed row by row, so
// concurrent confirmations for different seats of the same departure
// never overwrite each other.
type BookingRepo struct {
	db *sql.DB
}

// NewBookingRepo returns a BookingRepo bound to db.
func NewBookingRepo(db *sql.DB) *BookingRepo { return &BookingRepo{db: db} }

// DB exposes the underlying handle for readiness checks.
func (r *BookingRepo) DB() *sql.DB { return r.db }

const bookingColumns = `booking_id, user_id, schedule_id, journey_date, total_fare, payment_ref, order_id,
        remote_booking_id, passenger_name, passenger_email, passenger_phone, status, payment_status,
        created_at, cancelled_at`

// RecordConfirmedBooking writes b and appends its seats to the departure's
// availability in one transaction.  A booking whose RemoteBookingID is
// already recorded is returned as stored instead of being written again.
// A seat that is already booked on the departure fails with
// SEAT_UNAVAILABLE and nothing is written.
func (r *BookingRepo) RecordConfirmedBooking(ctx context.Context, b model.Booking) (model.Booking, error) {
	if existing, err := r.getBy(ctx, r.db, "remote_booking_id", b.RemoteBookingID); err == nil {
		return existing, nil
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return model.Booking{}, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Booking{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	const ins = `INSERT INTO bookings (` + bookingColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, ins,
		b.BookingID, b.UserID, b.ScheduleID, b.JourneyDate.Format(model.DateLayout), b.TotalFare,
		b.PaymentRef, b.OrderID, b.RemoteBookingID, b.Passenger.Name, b.Passenger.Email, b.Passenger.Phone,
		b.Status, b.PaymentStatus, b.CreatedAt.UTC(), nil,
	)
	if isDuplicate(err) {
		_ = tx.Rollback()
		committed = true
		return r.getBy(ctx, r.db, "remote_booking_id", b.RemoteBookingID)
	}
	if err != nil {
		return model.Booking{}, err
	}

	if len(b.Seats) > 0 {
		q := `INSERT INTO booking_seats (booking_id, seat_number, fare) VALUES ` + placeholders(len(b.Seats), 3)
		args := make([]any, 0, len(b.Seats)*3)
		for _, s := range b.Seats {
			args = append(args, b.BookingID, s.SeatNumber, s.Fare)
		}
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return model.Booking{}, err
		}
	}

	assign := make([]model.SeatAssignment, 0, len(b.Seats))
	for _, s := range b.Seats {
		assign = append(assign, model.SeatAssignment{SeatNumber: s.SeatNumber, BookingID: b.BookingID})
	}
	if _, err := r.appendTx(ctx, tx, b.ScheduleID, b.JourneyDate, assign); err != nil {
		return model.Booking{}, err
	}

	if err := tx.Commit(); err != nil {
		return model.Booking{}, err
	}
	committed = true
	return b, nil
}

// AppendBookedSeats adds seats to the departure's booked set, creating the
// availability row on first use.
func (r *BookingRepo) AppendBookedSeats(ctx context.Context, scheduleID uint64, journeyDate time.Time, seats []model.SeatAssignment) (model.SeatAvailability, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.SeatAvailability{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	avail, err := r.appendTx(ctx, tx, scheduleID, journeyDate, seats)
	if err != nil {
		return model.SeatAvailability{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.SeatAvailability{}, err
	}
	committed = true
	return avail, nil
}

func (r *BookingRepo) appendTx(ctx context.Context, tx *sql.Tx, scheduleID uint64, journeyDate time.Time, seats []model.SeatAssignment) (model.SeatAvailability, error) {
	// LAST_INSERT_ID(id) makes the existing row's id visible on duplicate.
	const upsert = `INSERT INTO seat_availability (schedule_id, journey_date) VALUES (?, ?)
                    ON DUPLICATE KEY UPDATE id = LAST_INSERT_ID(id)`
	res, err := tx.ExecContext(ctx, upsert, scheduleID, journeyDate.Format(model.DateLayout))
	if err != nil {
		return model.SeatAvailability{}, err
	}
	availID, err := res.LastInsertId()
	if err != nil {
		return model.SeatAvailability{}, err
	}
	if len(seats) > 0 {
		q := `INSERT INTO booked_seats (availability_id, seat_number, booking_id) VALUES ` + placeholders(len(seats), 3)
		args := make([]any, 0, len(seats)*3)
		for _, s := range seats {
			args = append(args, availID, s.SeatNumber, s.BookingID)
		}
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			if isDuplicate(err) {
				return model.SeatAvailability{}, apperr.New(apperr.CodeSeatUnavailable, "seat is already booked on this departure")
			}
			return model.SeatAvailability{}, err
		}
	}
	return r.availabilityByID(ctx, tx, availID, scheduleID, journeyDate)
}

// RemoveBookedSeats drops seatNumbers from the departure's booked set.
// Seats that are not booked are ignored.
func (r *BookingRepo) RemoveBookedSeats(ctx context.Context, scheduleID uint64, journeyDate time.Time, seatNumbers []string) (model.SeatAvailability, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.SeatAvailability{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	avail, err := r.removeTx(ctx, tx, scheduleID, journeyDate, seatNumbers, "")
	if err != nil {
		return model.SeatAvailability{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.SeatAvailability{}, err
	}
	committed = true
	return avail, nil
}

// removeTx deletes seatNumbers from the departure's booked set; a non-empty
// bookingID limits it to seats still attributed to that booking.
func (r *BookingRepo) removeTx(ctx context.Context, tx *sql.Tx, scheduleID uint64, journeyDate time.Time, seatNumbers []string, bookingID string) (model.SeatAvailability, error) {
	empty := model.SeatAvailability{ScheduleID: scheduleID, JourneyDate: model.Day(journeyDate), BookedSeats: []model.SeatAssignment{}}
	var availID int64
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM seat_availability WHERE schedule_id = ? AND journey_date = ?`,
		scheduleID, journeyDate.Format(model.DateLayout),
	).Scan(&availID)
	if errors.Is(err, sql.ErrNoRows) {
		return empty, nil
	}
	if err != nil {
		return model.SeatAvailability{}, err
	}
	if len(seatNumbers) > 0 {
		q := `DELETE FROM booked_seats WHERE availability_id = ? AND seat_number IN (` + strings.TrimSuffix(strings.Repeat("?, ", len(seatNumbers)), ", ") + `)`
		args := make([]any, 0, len(seatNumbers)+2)
		args = append(args, availID)
		for _, n := range seatNumbers {
			args = append(args, n)
		}
		if bookingID != "" {
			q += ` AND booking_id = ?`
			args = append(args, bookingID)
		}
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return model.SeatAvailability{}, err
		}
	}
	return r.availabilityByID(ctx, tx, availID, scheduleID, journeyDate)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *BookingRepo) availabilityByID(ctx context.Context, q queryer, availID int64, scheduleID uint64, journeyDate time.Time) (model.SeatAvailability, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT seat_number, booking_id FROM booked_seats WHERE availability_id = ? ORDER BY seat_number`, availID)
	if err != nil {
		return model.SeatAvailability{}, err
	}
	defer rows.Close()
	avail := model.SeatAvailability{ScheduleID: scheduleID, JourneyDate: model.Day(journeyDate), BookedSeats: []model.SeatAssignment{}}
	for rows.Next() {
		var s model.SeatAssignment
		if err := rows.Scan(&s.SeatNumber, &s.BookingID); err != nil {
			return model.SeatAvailability{}, err
		}
		avail.BookedSeats = append(avail.BookedSeats, s)
	}
	return avail, rows.Err()
}

// GetBookedSeats returns the booked seat numbers of a departure.
func (r *BookingRepo) GetBookedSeats(ctx context.Context, scheduleID uint64, journeyDate time.Time) ([]string, error) {
	const q = `SELECT b.seat_number FROM booked_seats b
               JOIN seat_availability a ON a.id = b.availability_id
               WHERE a.schedule_id = ? AND a.journey_date = ?
               ORDER BY b.seat_number`
	rows, err := r.db.QueryContext(ctx, q, scheduleID, journeyDate.Format(model.DateLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	seats := []string{}
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		seats = append(seats, n)
	}
	return seats, rows.Err()
}

// GetBooking loads one booking with its seats.
func (r *BookingRepo) GetBooking(ctx context.Context, bookingID string) (model.Booking, error) {
	return r.getBy(ctx, r.db, "booking_id", bookingID)
}

// GetByRemoteID loads the booking linked to a remote booking id.
func (r *BookingRepo) GetByRemoteID(ctx context.Context, remoteBookingID string) (model.Booking, error) {
	return r.getBy(ctx, r.db, "remote_booking_id", remoteBookingID)
}

func (r *BookingRepo) getBy(ctx context.Context, q queryer, column, value string) (model.Booking, error) {
	list, err := r.list(ctx, q, `WHERE `+column+` = ?`, value)
	if err != nil {
		return model.Booking{}, err
	}
	if len(list) == 0 {
		return model.Booking{}, apperr.New(apperr.CodeNotFound, "booking not found")
	}
	return list[0], nil
}

// ListByUser returns userID's bookings, newest first.
func (r *BookingRepo) ListByUser(ctx context.Context, userID string) ([]model.Booking, error) {
	return r.list(ctx, r.db, `WHERE user_id = ? ORDER BY created_at DESC`, userID)
}

// ListAll returns up to limit bookings, newest first.
func (r *BookingRepo) ListAll(ctx context.Context, limit int) ([]model.Booking, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	return r.list(ctx, r.db, `ORDER BY created_at DESC LIMIT ?`, limit)
}

func (r *BookingRepo) list(ctx context.Context, q queryer, tail string, args ...any) ([]model.Booking, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+bookingColumns+` FROM bookings `+tail, args...)
	if err != nil {
		return nil, err
	}
	out := []model.Booking{}
	index := map[string]int{}
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		index[b.BookingID] = len(out)
		out = append(out, b)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	ids := make([]any, 0, len(out))
	for _, b := range out {
		ids = append(ids, b.BookingID)
	}
	seatRows, err := q.QueryContext(ctx,
		`SELECT booking_id, seat_number, fare FROM booking_seats WHERE booking_id IN (`+
			strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")+`) ORDER BY booking_id, seat_number`, ids...)
	if err != nil {
		return nil, err
	}
	defer seatRows.Close()
	for seatRows.Next() {
		var id string
		var s model.BookedSeat
		if err := seatRows.Scan(&id, &s.SeatNumber, &s.Fare); err != nil {
			return nil, err
		}
		if i, ok := index[id]; ok {
			out[i].Seats = append(out[i].Seats, s)
		}
	}
	return out, seatRows.Err()
}

func scanBooking(rows *sql.Rows) (model.Booking, error) {
	var b model.Booking
	var total decimal.Decimal
	var cancelled sql.NullTime
	err := rows.Scan(
		&b.BookingID, &b.UserID, &b.ScheduleID, &b.JourneyDate, &total, &b.PaymentRef, &b.OrderID,
		&b.RemoteBookingID, &b.Passenger.Name, &b.Passenger.Email, &b.Passenger.Phone, &b.Status, &b.PaymentStatus,
		&b.CreatedAt, &cancelled,
	)
	if err != nil {
		return model.Booking{}, err
	}
	b.TotalFare = total
	b.JourneyDate = model.Day(b.JourneyDate)
	if cancelled.Valid {
		t := cancelled.Time.UTC()
		b.CancelledAt = &t
	}
	b.Seats = []model.BookedSeat{}
	return b, nil
}

// CancelBooking marks a confirmed booking cancelled, flags its payment as
// refund_pending and removes its seats from the departure's booked set,
// all in one transaction.  A booking already cancelled fails with
// ALREADY_CANCELLED.
func (r *BookingRepo) CancelBooking(ctx context.Context, bookingID string, at time.Time) (model.Booking, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Booking{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var status string
	var scheduleID uint64
	var journeyDate time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT status, schedule_id, journey_date FROM bookings WHERE booking_id = ? FOR UPDATE`, bookingID,
	).Scan(&status, &scheduleID, &journeyDate)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Booking{}, apperr.New(apperr.CodeNotFound, "booking not found")
	}
	if err != nil {
		return model.Booking{}, err
	}
	if status == model.BookingCancelled {
		return model.Booking{}, apperr.New(apperr.CodeAlreadyCancelled, "booking is already cancelled")
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE bookings SET status = ?, payment_status = ?, cancelled_at = ? WHERE booking_id = ?`,
		model.BookingCancelled, model.PaymentRefundPending, at.UTC(), bookingID)
	if err != nil {
		return model.Booking{}, err
	}

	seats, err := r.seatNumbersTx(ctx, tx, bookingID)
	if err != nil {
		return model.Booking{}, err
	}
	if _, err := r.removeTx(ctx, tx, scheduleID, journeyDate, seats, bookingID); err != nil {
		return model.Booking{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Booking{}, err
	}
	committed = true
	return r.GetBooking(ctx, bookingID)
}

func (r *BookingRepo) seatNumbersTx(ctx context.Context, tx *sql.Tx, bookingID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT seat_number FROM booking_seats WHERE booking_id = ? ORDER BY seat_number`, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func placeholders(rows, cols int) string {
	one := "(" + strings.TrimSuffix(strings.Repeat("?, ", cols), ", ") + ")"
	return strings.TrimSuffix(strings.Repeat(one+", ", rows), ", ")
}

// isDuplicate reports a MySQL unique-key violation (error 1062).
func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}
