// Package errs defines the stable error taxonomy shared by the trading core
// and its API adapter. Codes and reasons are wire-stable strings.
package errs

import (
	"errors"
	"fmt"
)

// Code identifies the class of a trading-core error.
type Code string

const (
	CodeValidation             Code = "VALIDATION_ERROR"
	CodeRiskRejected           Code = "RISK_REJECTED"
	CodeVenueUnavailable       Code = "VENUE_UNAVAILABLE"
	CodeVenueTimeout           Code = "VENUE_TIMEOUT"
	CodeNotFound               Code = "NOT_FOUND"
	CodeInvalidStateTransition Code = "INVALID_STATE_TRANSITION"
	CodeDuplicateCallback      Code = "DUPLICATE_CALLBACK"

	// CodeIntegrity marks an internal index/state mismatch. It is never part
	// of the ordinary rejection taxonomy and must not be swallowed.
	CodeIntegrity Code = "INTEGRITY_ERROR"
)

// Risk rejection reason subcodes, checked in this fixed order.
const (
	ReasonNoPriceAvailable        = "NO_PRICE_AVAILABLE"
	ReasonPositionLimitExceeded   = "POSITION_LIMIT_EXCEEDED"
	ReasonNotionalLimitExceeded   = "NOTIONAL_LIMIT_EXCEEDED"
	ReasonAccountExposureExceeded = "ACCOUNT_EXPOSURE_EXCEEDED"
)

// Error is the concrete error type carried across the core's boundaries.
type Error struct {
	Code    Code
	Reason  string // subcode for RISK_REJECTED, empty otherwise
	Message string
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s/%s: %s", e.Code, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is reports code equality so callers can match with errors.Is against a
// bare-code sentinel.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// New builds an error with the given code.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Validation builds a VALIDATION_ERROR.
func Validation(format string, args ...any) *Error {
	return New(CodeValidation, format, args...)
}

// RiskRejected builds a RISK_REJECTED with the given reason subcode.
func RiskRejected(reason, format string, args ...any) *Error {
	return &Error{Code: CodeRiskRejected, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a NOT_FOUND.
func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, format, args...)
}

// InvalidTransition builds an INVALID_STATE_TRANSITION.
func InvalidTransition(format string, args ...any) *Error {
	return New(CodeInvalidStateTransition, format, args...)
}

// Integrity builds an INTEGRITY_ERROR.
func Integrity(format string, args ...any) *Error {
	return New(CodeIntegrity, format, args...)
}

// CodeOf extracts the taxonomy code from err, or empty if err is not a
// core error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ReasonOf extracts the rejection reason subcode, falling back to the code
// itself so callers always get a stable string.
func ReasonOf(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	if e.Reason != "" {
		return e.Reason
	}
	return string(e.Code)
}
