package reservation

import (
	"net/mail"
	"strings"

	"github.com/iliyamo/bus-ticketing/internal/apperr"
	"github.com/iliyamo/bus-ticketing/internal/model"
)

// NormalizePassenger trims p and checks that name, email and phone are
// usable.  Phone numbers may carry a leading + and separators; 7 to 15
// digits are required.
func NormalizePassenger(p model.Passenger) (model.Passenger, error) {
	p.Name = strings.TrimSpace(p.Name)
	p.Email = strings.TrimSpace(p.Email)
	p.Phone = strings.TrimSpace(p.Phone)
	if p.Name == "" || p.Email == "" || p.Phone == "" {
		return p, apperr.New(apperr.CodeInvalidInput, "passengerDetails requires name, email and phone")
	}
	addr, err := mail.ParseAddress(p.Email)
	if err != nil || addr.Address != p.Email {
		return p, apperr.New(apperr.CodeInvalidInput, "passenger email is invalid")
	}
	digits := 0
	for i, r := range p.Phone {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' && i == 0, r == ' ', r == '-':
		default:
			return p, apperr.New(apperr.CodeInvalidInput, "passenger phone is invalid")
		}
	}
	if digits < 7 || digits > 15 {
		return p, apperr.New(apperr.CodeInvalidInput, "passenger phone is invalid")
	}
	return p, nil
}
