package queue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Mailer delivers the passenger's booking confirmation.
type Mailer interface {
	SendBookingConfirmation(ctx context.Context, ev BookingConfirmedEvent) error
}

// FileMailer appends one line per confirmation to notifications.log under
// Dir.  It stands in for an SMTP sink in development.
type FileMailer struct {
	Dir string

	mu sync.Mutex
}

// NewFileMailer returns a FileMailer writing under dir ("logs" when empty).
func NewFileMailer(dir string) *FileMailer {
	if dir == "" {
		dir = "logs"
	}
	return &FileMailer{Dir: dir}
}

func (m *FileMailer) SendBookingConfirmation(_ context.Context, ev BookingConfirmedEvent) error {
	if ev.Passenger.Email == "" {
		return fmt.Errorf("booking %s: passenger email missing", ev.BookingID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", m.Dir, err)
	}
	f, err := os.OpenFile(filepath.Join(m.Dir, "notifications.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open notification log: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("[%s] Booking confirmed | to=%s | booking_id=%s | remote_booking_id=%s | schedule_id=%d | date=%s | seats=[%s] | total=%s | payment=%s\n",
		ev.ConfirmedAt, ev.Passenger.Email, ev.BookingID, ev.RemoteBookingID, ev.ScheduleID, ev.JourneyDate,
		strings.Join(ev.Seats, ","), ev.TotalFare, ev.PaymentRef)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("write notification log: %w", err)
	}
	return nil
}
