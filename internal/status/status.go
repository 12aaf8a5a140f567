// Package status defines the error taxonomy shared by the operation log,
// the peer channel, and the coordination engine.
package status

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeInvalidParameter   Code = "INVALID_PARAMETER"
	CodeResourceExhausted  Code = "RESOURCE_EXHAUSTED"
	CodePersistence        Code = "PERSISTENCE"
	CodeNetwork            Code = "NETWORK"
	CodeDiscovery          Code = "DISCOVERY"
	CodeOperationExecution Code = "OPERATION_EXECUTION"
	CodeInvalidState       Code = "INVALID_STATE"
	CodeUnknown            Code = "UNKNOWN"
)

// Error carries a machine-readable code alongside the message and, optionally,
// a wrapped cause.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds an Error with a formatted message. A trailing error argument
// formatted with %w is preserved as the wrapped cause.
func Errorf(code Code, format string, args ...any) error {
	wrapped := fmt.Errorf(format, args...)
	return &Error{Code: code, Msg: wrapped.Error(), Err: errors.Unwrap(wrapped)}
}

func InvalidParameter(msg string) error {
	return &Error{Code: CodeInvalidParameter, Msg: msg}
}

func InvalidState(msg string) error {
	return &Error{Code: CodeInvalidState, Msg: msg}
}

func OperationExecution(msg string) error {
	return &Error{Code: CodeOperationExecution, Msg: msg}
}

// CodeOf extracts the code from err. Nil maps to empty, a non-taxonomy error
// maps to CodeUnknown.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeUnknown
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
