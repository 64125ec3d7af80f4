package model

import "time"

// PendingConfirmation records a hold the remote service confirmed but the
// ledger could not yet record.  It is kept until the reconciler (or a
// retried confirm) writes the booking.
type PendingConfirmation struct {
	Hold            Hold
	RemoteBookingID string
	Proof           PaymentProof
	Passenger       Passenger
	ConfirmedAt     time.Time
	Attempts        int
	LastError       string
}
