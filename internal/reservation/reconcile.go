package reservation

import (
	"context"
	"time"

	"github.com/iliyamo/bus-ticketing/internal/apperr"
)

// Reconcile retries every parked confirmation once.  It returns how many
// were recorded.  Entries that fail again stay parked with their attempt
// count bumped.
func (c *Coordinator) Reconcile(ctx context.Context) (int, error) {
	pending, err := c.holds.ListPending(ctx)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, p := range pending {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		b, err := c.record(ctx, p)
		if err != nil {
			p.Attempts++
			p.LastError = err.Error()
			if apperr.CodeOf(err) == apperr.CodeSeatUnavailable {
				c.log.Error("parked confirmation conflicts with a recorded booking", "token", p.Hold.Token, "remote_booking_id", p.RemoteBookingID, "attempts", p.Attempts)
			}
			if perr := c.holds.PutPending(ctx, p); perr != nil {
				c.log.Warn("pending confirmation update failed", "token", p.Hold.Token, "err", perr)
			}
			continue
		}
		c.unpark(ctx, p.Hold.Token)
		c.notify(b)
		c.log.Info("parked confirmation recorded", "booking_id", b.BookingID, "remote_booking_id", p.RemoteBookingID, "attempts", p.Attempts+1)
		done++
	}
	return done, nil
}

// RunReconciler calls Reconcile every interval until ctx is done.
func (c *Coordinator) RunReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := c.clock.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := c.Reconcile(ctx)
			if err != nil {
				c.log.Warn("reconcile failed", "err", err)
			} else if n > 0 {
				c.log.Info("reconcile pass", "recorded", n)
			}
		}
	}
}
