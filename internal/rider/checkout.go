package rider

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"

	"github.com/iliyamo/bus-ticketing/internal/model"
	"github.com/iliyamo/bus-ticketing/internal/remote"
)

// ErrCheckoutCancelled is returned when the buyer dismisses the payment
// dialog.
var ErrCheckoutCancelled = errors.New("payment cancelled")

// Checkout is the external payment dialog.  Pay blocks until the buyer
// completes or abandons payment for order.
type Checkout interface {
	Pay(ctx context.Context, order model.PaymentOrder) (model.PaymentProof, error)
}

// CheckoutFunc adapts a function to Checkout.
type CheckoutFunc func(ctx context.Context, order model.PaymentOrder) (model.PaymentProof, error)

func (f CheckoutFunc) Pay(ctx context.Context, order model.PaymentOrder) (model.PaymentProof, error) {
	return f(ctx, order)
}

// Sandbox approves every payment and signs it with the gateway test
// secret, the way the gateway's test mode does.  Approve, when set, is
// asked first; returning false cancels the payment.
type Sandbox struct {
	Secret  string
	Approve func(order model.PaymentOrder) bool
}

func (s Sandbox) Pay(ctx context.Context, order model.PaymentOrder) (model.PaymentProof, error) {
	if err := ctx.Err(); err != nil {
		return model.PaymentProof{}, err
	}
	if s.Approve != nil && !s.Approve(order) {
		return model.PaymentProof{}, ErrCheckoutCancelled
	}
	var b [7]byte
	if _, err := rand.Read(b[:]); err != nil {
		return model.PaymentProof{}, err
	}
	pay := "pay_" + hex.EncodeToString(b[:])
	return model.PaymentProof{
		OrderID:   order.OrderID,
		PaymentID: pay,
		Signature: remote.SignPayment(s.Secret, order.OrderID, pay),
	}, nil
}
