// Package apperr defines the error taxonomy shared by the reservation
// saga.  Every failure that crosses the HTTP boundary is an *Error carrying
// a stable Code, the HTTP status it maps to and, for failures raised by the
// remote lock, Source "remote".  Handlers render it as
// {success:false, message, code, source?, reference?}.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a class of failure.
type Code string

const (
	CodeNotFound            Code = "NOT_FOUND"
	CodeSeatUnavailable     Code = "SEAT_UNAVAILABLE"
	CodeSeatLocked          Code = "SEAT_LOCKED"
	CodeReservationNotFound Code = "RESERVATION_NOT_FOUND"
	CodeHoldExpired         Code = "HOLD_EXPIRED"
	CodePaymentInvalid      Code = "PAYMENT_INVALID"
	CodeAlreadyCancelled    Code = "ALREADY_CANCELLED"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeUpstreamUnavailable Code = "UPSTREAM_UNAVAILABLE"
	CodeInvalidInput        Code = "INVALID_INPUT"
	CodeLedgerUnavailable   Code = "LEDGER_UNAVAILABLE"
	CodeInternal            Code = "INTERNAL"
)

// SourceRemote marks errors that originated in the remote lock service.
const SourceRemote = "remote"

var statusByCode = map[Code]int{
	CodeNotFound:            http.StatusNotFound,
	CodeSeatUnavailable:     http.StatusConflict,
	CodeSeatLocked:          http.StatusConflict,
	CodeReservationNotFound: http.StatusNotFound,
	CodeHoldExpired:         http.StatusGone,
	CodePaymentInvalid:      http.StatusBadRequest,
	CodeAlreadyCancelled:    http.StatusBadRequest,
	CodeUnauthorized:        http.StatusForbidden,
	CodeUpstreamUnavailable: http.StatusBadGateway,
	CodeInvalidInput:        http.StatusBadRequest,
	CodeLedgerUnavailable:   http.StatusServiceUnavailable,
	CodeInternal:            http.StatusInternalServerError,
}

// Status returns the HTTP status for a code, 500 when unknown.
func (c Code) Status() int {
	if s, ok := statusByCode[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is a classified failure.
type Error struct {
	Code    Code
	Message string
	// Status overrides Code.Status() when non-zero, e.g. to keep the
	// remote service's own status.
	Status int
	Source string
	// Ref is a support reference shown to the user (e.g. the remote
	// booking id of a payment that could not be recorded locally).
	Ref string
	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Code, so the sentinels below work
// with errors.Is regardless of message or source.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// HTTPStatus is the status the error is rendered with.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	return e.Code.Status()
}

// Sentinels for errors.Is.
var (
	ErrNotFound            = &Error{Code: CodeNotFound}
	ErrSeatUnavailable     = &Error{Code: CodeSeatUnavailable}
	ErrSeatLocked          = &Error{Code: CodeSeatLocked}
	ErrReservationNotFound = &Error{Code: CodeReservationNotFound}
	ErrHoldExpired         = &Error{Code: CodeHoldExpired}
	ErrPaymentInvalid      = &Error{Code: CodePaymentInvalid}
	ErrAlreadyCancelled    = &Error{Code: CodeAlreadyCancelled}
	ErrUnauthorized        = &Error{Code: CodeUnauthorized}
	ErrUpstreamUnavailable = &Error{Code: CodeUpstreamUnavailable}
	ErrInvalidInput        = &Error{Code: CodeInvalidInput}
	ErrLedgerUnavailable   = &Error{Code: CodeLedgerUnavailable}
)

// New builds an *Error with a message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf builds an *Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under code, keeping it as the cause.
func Wrap(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// Remote builds an error attributed to the remote lock service.
func Remote(code Code, status int, msg string) *Error {
	return &Error{Code: code, Message: msg, Status: status, Source: SourceRemote}
}

// As extracts the *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns err's code, CodeInternal for unclassified errors and ""
// for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

// IsRetryable reports whether the same call might succeed later without
// user action (network and storage outages).
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeUpstreamUnavailable, CodeLedgerUnavailable:
		return true
	}
	return false
}

// Body renders err as the JSON error payload and returns it with its HTTP
// status.  Unclassified errors become a generic INTERNAL body so internal
// details never reach the client.
func Body(err error) (int, map[string]any) {
	e, ok := As(err)
	if !ok {
		e = &Error{Code: CodeInternal, Message: "internal error"}
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	body := map[string]any{
		"success": false,
		"message": msg,
		"code":    e.Code,
	}
	if e.Source != "" {
		body["source"] = e.Source
	}
	if e.Ref != "" {
		body["reference"] = e.Ref
	}
	return e.HTTPStatus(), body
}
