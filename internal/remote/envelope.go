package remote

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/iliyamo/bus-ticketing/internal/apperr"
)

// envelope is the loose response wrapper of the seat service.  Payloads
// arrive either nested under "data" or at the top level next to
// "success"; payload() hides the difference from the rest of the adapter.
type envelope struct {
	Success *bool           `json:"success"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
	Data    json.RawMessage `json:"data"`

	raw json.RawMessage
}

func parseEnvelope(body []byte) (envelope, error) {
	var env envelope
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return env, nil
	}
	env.raw = trimmed
	if trimmed[0] != '{' {
		return env, nil
	}
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return envelope{raw: trimmed}, err
	}
	env.raw = trimmed
	return env, nil
}

func (e envelope) payload() json.RawMessage {
	if len(e.Data) > 0 && !bytes.Equal(e.Data, []byte("null")) {
		return e.Data
	}
	return e.raw
}

func (e envelope) failed() bool { return e.Success != nil && !*e.Success }

func (e envelope) text(def string) string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Error != "":
		return e.Error
	}
	return def
}

// seatList accepts a bare array or an object carrying "seats".
type seatList []SeatStatus

func (l *seatList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var seats []SeatStatus
		if err := json.Unmarshal(b, &seats); err != nil {
			return err
		}
		*l = seats
		return nil
	}
	var wrapped struct {
		Seats []SeatStatus `json:"seats"`
	}
	if err := json.Unmarshal(b, &wrapped); err != nil {
		return err
	}
	*l = wrapped.Seats
	return nil
}

type operation int

const (
	opOther operation = iota
	opReserve
	opOrder
	opConfirm
	opRelease
)

var remoteCodes = map[apperr.Code]bool{
	apperr.CodeNotFound:            true,
	apperr.CodeSeatUnavailable:     true,
	apperr.CodeSeatLocked:          true,
	apperr.CodeReservationNotFound: true,
	apperr.CodeHoldExpired:         true,
	apperr.CodePaymentInvalid:      true,
	apperr.CodeUnauthorized:        true,
	apperr.CodeInvalidInput:        true,
}

// classify maps a failed response onto the error taxonomy.  An explicit
// code from the service wins; otherwise status and message decide.
func classify(op operation, status int, env envelope) *apperr.Error {
	msg := env.text(http.StatusText(status))
	if status >= http.StatusInternalServerError {
		return apperr.Remote(apperr.CodeUpstreamUnavailable, http.StatusBadGateway, msg)
	}
	if c := apperr.Code(strings.ToUpper(strings.TrimSpace(env.Code))); remoteCodes[c] {
		return apperr.Remote(c, status, msg)
	}
	lower := strings.ToLower(msg)
	var code apperr.Code
	switch {
	case status == http.StatusGone || strings.Contains(lower, "expired"):
		code = apperr.CodeHoldExpired
	case strings.Contains(lower, "signature"):
		code = apperr.CodePaymentInvalid
	case status == http.StatusConflict || status == http.StatusLocked:
		code = apperr.CodeSeatLocked
	case status == http.StatusNotFound && op == opReserve:
		code = apperr.CodeSeatUnavailable
	case status == http.StatusNotFound:
		code = apperr.CodeReservationNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = apperr.CodeUnauthorized
	case status == http.StatusBadRequest && op == opConfirm:
		code = apperr.CodePaymentInvalid
	default:
		code = apperr.CodeInvalidInput
	}
	if status < 400 {
		status = 0
	}
	return apperr.Remote(code, status, msg)
}
