package holdstore

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/shopspring/decimal"

	"github.com/iliyamo/bus-ticketing/internal/model"
)

// Entries are CBOR with core deterministic encoding.  Decimals and dates
// are written as text and instants as unix milliseconds so the stored form
// does not depend on how those types marshal themselves.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("holdstore: cbor encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("holdstore: cbor decoder: " + err.Error())
	}
}

type holdRecord struct {
	Token       string            `cbor:"1,keyasint"`
	ScheduleID  uint64            `cbor:"2,keyasint"`
	JourneyDate string            `cbor:"3,keyasint"`
	SeatNumber  string            `cbor:"4,keyasint"`
	HolderID    string            `cbor:"5,keyasint"`
	HolderEmail string            `cbor:"6,keyasint,omitempty"`
	HolderName  string            `cbor:"7,keyasint,omitempty"`
	ExpiresAt   int64             `cbor:"8,keyasint"`
	Status      string            `cbor:"9,keyasint"`
	Fare        string            `cbor:"10,keyasint"`
	OrderID     string            `cbor:"11,keyasint,omitempty"`
	Metadata    map[string]string `cbor:"12,keyasint,omitempty"`
}

type pendingRecord struct {
	Hold            holdRecord `cbor:"1,keyasint"`
	RemoteBookingID string     `cbor:"2,keyasint"`
	OrderID         string     `cbor:"3,keyasint"`
	PaymentID       string     `cbor:"4,keyasint"`
	Signature       string     `cbor:"5,keyasint"`
	PassengerName   string     `cbor:"6,keyasint"`
	PassengerEmail  string     `cbor:"7,keyasint"`
	PassengerPhone  string     `cbor:"8,keyasint"`
	ConfirmedAt     int64      `cbor:"9,keyasint"`
	Attempts        int        `cbor:"10,keyasint"`
	LastError       string     `cbor:"11,keyasint,omitempty"`
}

func toRecord(h model.Hold) holdRecord {
	return holdRecord{
		Token:       h.Token,
		ScheduleID:  h.Seat.ScheduleID,
		JourneyDate: h.Seat.JourneyDate.Format(model.DateLayout),
		SeatNumber:  h.Seat.SeatNumber,
		HolderID:    h.Holder.ID,
		HolderEmail: h.Holder.Email,
		HolderName:  h.Holder.Name,
		ExpiresAt:   h.ExpiresAt.UnixMilli(),
		Status:      string(h.Status),
		Fare:        h.Fare.String(),
		OrderID:     h.OrderID,
		Metadata:    h.Metadata,
	}
}

func (r holdRecord) hold() (model.Hold, error) {
	date, err := time.Parse(model.DateLayout, r.JourneyDate)
	if err != nil {
		return model.Hold{}, fmt.Errorf("holdstore: journey date: %w", err)
	}
	fare, err := decimal.NewFromString(r.Fare)
	if err != nil {
		return model.Hold{}, fmt.Errorf("holdstore: fare: %w", err)
	}
	return model.Hold{
		Token:     r.Token,
		Seat:      model.NewSeatKey(r.ScheduleID, date, r.SeatNumber),
		Holder:    model.Identity{ID: r.HolderID, Email: r.HolderEmail, Name: r.HolderName},
		ExpiresAt: time.UnixMilli(r.ExpiresAt).UTC(),
		Status:    model.HoldStatus(r.Status),
		Fare:      fare,
		OrderID:   r.OrderID,
		Metadata:  r.Metadata,
	}, nil
}

func encodeHold(h model.Hold) ([]byte, error) { return encMode.Marshal(toRecord(h)) }

func decodeHold(b []byte) (model.Hold, error) {
	var r holdRecord
	if err := decMode.Unmarshal(b, &r); err != nil {
		return model.Hold{}, fmt.Errorf("holdstore: decode hold: %w", err)
	}
	return r.hold()
}

func encodePending(p model.PendingConfirmation) ([]byte, error) {
	return encMode.Marshal(pendingRecord{
		Hold:            toRecord(p.Hold),
		RemoteBookingID: p.RemoteBookingID,
		OrderID:         p.Proof.OrderID,
		PaymentID:       p.Proof.PaymentID,
		Signature:       p.Proof.Signature,
		PassengerName:   p.Passenger.Name,
		PassengerEmail:  p.Passenger.Email,
		PassengerPhone:  p.Passenger.Phone,
		ConfirmedAt:     p.ConfirmedAt.UnixMilli(),
		Attempts:        p.Attempts,
		LastError:       p.LastError,
	})
}

func decodePending(b []byte) (model.PendingConfirmation, error) {
	var r pendingRecord
	if err := decMode.Unmarshal(b, &r); err != nil {
		return model.PendingConfirmation{}, fmt.Errorf("holdstore: decode pending: %w", err)
	}
	h, err := r.Hold.hold()
	if err != nil {
		return model.PendingConfirmation{}, err
	}
	return model.PendingConfirmation{
		Hold:            h,
		RemoteBookingID: r.RemoteBookingID,
		Proof:           model.PaymentProof{OrderID: r.OrderID, PaymentID: r.PaymentID, Signature: r.Signature},
		Passenger:       model.Passenger{Name: r.PassengerName, Email: r.PassengerEmail, Phone: r.PassengerPhone},
		ConfirmedAt:     time.UnixMilli(r.ConfirmedAt).UTC(),
		Attempts:        r.Attempts,
		LastError:       r.LastError,
	}, nil
}
