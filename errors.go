package pay402

import (
	"context"
	"errors"
	"fmt"
)

// PaymentError is a payment-specific error. Transient errors may be retried
// by the settlement coordinator; everything else fails immediately.
type PaymentError struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Transient bool                   `json:"-"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Common error codes.
const (
	ErrCodeValidation        = "validation_failed"
	ErrCodeExpired           = "requirement_expired"
	ErrCodeUnsupportedScheme = "unsupported_scheme"
	ErrCodeSpendingLimit     = "spending_limit_exceeded"
	ErrCodeNetwork           = "network_error"
	ErrCodeFacilitator       = "facilitator_unavailable"
	ErrCodeSettlement        = "settlement_failed"
	ErrCodeDiscovery         = "discovery_unavailable"
)

// NewPaymentError creates a permanent payment error.
func NewPaymentError(code, message string) *PaymentError {
	return &PaymentError{Code: code, Message: message}
}

// NewTransientError creates an error eligible for settlement retry.
func NewTransientError(code, message string) *PaymentError {
	return &PaymentError{Code: code, Message: message, Transient: true}
}

// Sentinel errors for payload building. Wrapped with context; match with errors.Is.
var (
	ErrExpiredRequirement    = NewPaymentError(ErrCodeExpired, "requirement is past its expiry")
	ErrUnsupportedScheme     = NewPaymentError(ErrCodeUnsupportedScheme, "payment scheme is not implemented")
	ErrSpendingLimitExceeded = NewPaymentError(ErrCodeSpendingLimit, "spending limit exceeded")
)

// IsTransient reports whether an error is a transient/server-class failure.
// Context deadline expiry counts as transient: a timed-out call may succeed
// on a later attempt.
func IsTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return false
}

// ErrorReason extracts a coarse reason string safe to surface to callers.
// Internal detail never leaks past the error code.
func ErrorReason(err error, fallback string) string {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return fallback
}
