// Package errors provides typed domain errors with stable codes.
//
// Every error that crosses the public operation surface carries a Code that
// callers are expected to render or switch on; the message is for humans and
// must never be parsed.
package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error classification.
type Code string

const (
	CodeValidation            Code = "VALIDATION"
	CodeInsufficientBalance   Code = "INSUFFICIENT_BALANCE"
	CodeLeverageExceeded      Code = "LEVERAGE_EXCEEDED"
	CodeMarketDataUnavailable Code = "MARKET_DATA_UNAVAILABLE"
	CodeNotFound              Code = "NOT_FOUND"
	CodeUnauthorized          Code = "UNAUTHORIZED"
	CodeInvalidState          Code = "INVALID_STATE"
	CodeInternal              Code = "INTERNAL"
)

// Error is the domain error type returned across the public surface.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a domain error with the given code.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapCode wraps err with a code and message.
func WrapCode(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// Validation creates a VALIDATION error.
func Validation(format string, args ...interface{}) *Error {
	return New(CodeValidation, format, args...)
}

// InsufficientBalance creates an INSUFFICIENT_BALANCE error.
func InsufficientBalance(required, available float64) *Error {
	return New(CodeInsufficientBalance, "required margin %.2f exceeds available balance %.2f", required, available)
}

// LeverageExceeded creates a LEVERAGE_EXCEEDED error.
func LeverageExceeded(requested, max float64) *Error {
	return New(CodeLeverageExceeded, "leverage %.1f exceeds maximum %.1f", requested, max)
}

// MarketDataUnavailable creates a MARKET_DATA_UNAVAILABLE error.
func MarketDataUnavailable(symbol string) *Error {
	return New(CodeMarketDataUnavailable, "no usable price for symbol %s", symbol)
}

// NotFound creates a NOT_FOUND error.
func NotFound(entity, id string) *Error {
	return New(CodeNotFound, "%s %s not found", entity, id)
}

// Unauthorized creates an UNAUTHORIZED error.
func Unauthorized(format string, args ...interface{}) *Error {
	return New(CodeUnauthorized, format, args...)
}

// InvalidState creates an INVALID_STATE error.
func InvalidState(format string, args ...interface{}) *Error {
	return New(CodeInvalidState, format, args...)
}

// Internal wraps an unexpected failure.
func Internal(err error, format string, args ...interface{}) *Error {
	return WrapCode(CodeInternal, err, format, args...)
}

// CodeOf extracts the domain code from an error chain.
// Unclassified errors report CodeInternal; nil reports an empty code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// HasCode reports whether the error chain carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
