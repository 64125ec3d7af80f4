package rider

import (
	"context"
	"time"
)

// DefaultPollInterval is how often an open seat map is refreshed.
const DefaultPollInterval = 10 * time.Second

// Refresh fetches the seat map and emits it.  A failed fetch is retried
// once without telling anyone; only a second failure emits an error.
func (m *Machine) Refresh(ctx context.Context, scheduleID uint64, journeyDate time.Time) {
	sm, err := m.api.SeatMap(ctx, scheduleID, journeyDate)
	if err != nil {
		m.log.Debug("seat map fetch failed, retrying", "err", err)
		sm, err = m.api.SeatMap(ctx, scheduleID, journeyDate)
	}
	if err != nil {
		m.emit(Event{Kind: EventError, Err: err})
		return
	}
	m.emit(Event{Kind: EventSeatMap, SeatMap: sm})
}

// Poll refreshes the seat map immediately and then every interval until
// ctx ends.  It only keeps the display fresh; the server decides who gets
// a seat.
func (m *Machine) Poll(ctx context.Context, scheduleID uint64, journeyDate time.Time, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	m.Refresh(ctx, scheduleID, journeyDate)
	t := m.clock.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Refresh(ctx, scheduleID, journeyDate)
		}
	}
}
