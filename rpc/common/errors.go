package common

import (
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Error Codes
// --------------------------------------------------------------------------

// ErrorCode classifies every error the protocol layers hand to their callers
type ErrorCode uint8

const (
	ErrCUnknown            ErrorCode = iota
	ErrCMalformedMessage             // decode failure (truncated or invalid header/payload)
	ErrCUnknownMessageType           // type id not present in the registry
	ErrCCommunication                // connect/send/receive failure or exhausted retries
	ErrCProtocolViolation            // unexpected response type or control code
	ErrCApplication                  // operation specific failure (e.g. not found)
	ErrCBackpressure                 // TRYAGAIN/INDIRECTCOMMERR/NEWSEQNOBASE beyond the handled bound
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCMalformedMessage:
		return "MalformedMessage"
	case ErrCUnknownMessageType:
		return "UnknownMessageType"
	case ErrCCommunication:
		return "CommunicationError"
	case ErrCProtocolViolation:
		return "ProtocolViolation"
	case ErrCApplication:
		return "ApplicationError"
	case ErrCBackpressure:
		return "Backpressure"
	default:
		return "Unknown"
	}
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error wraps an ErrorCode, a message and an optional cause.
// Two errors match with errors.Is if the target is one of the sentinel
// values below (no message, no cause) and the codes are equal.
type Error struct {
	Code ErrorCode // The error class
	Msg  string    // Human readable message
	Err  error     // Optional cause
}

// Sentinel values to be used with errors.Is
var (
	ErrMalformedMessage   = &Error{Code: ErrCMalformedMessage}
	ErrUnknownMessageType = &Error{Code: ErrCUnknownMessageType}
	ErrCommunication      = &Error{Code: ErrCCommunication}
	ErrProtocolViolation  = &Error{Code: ErrCProtocolViolation}
	ErrApplication        = &Error{Code: ErrCApplication}
	ErrBackpressure       = &Error{Code: ErrCBackpressure}
)

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Msg == "" && e.Err == nil:
		return e.Code.String()
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	case e.Msg == "":
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a sentinel of the same class
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Msg != "" || t.Err != nil {
		return e == t
	}
	return e.Code == t.Code
}

// NewError creates a new Error with the given code and formatted message.
func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{
		Code: code,
		Msg:  fmt.Sprintf(format, args...),
	}
}

// WrapError creates a new Error with the given code that wraps err.
func WrapError(code ErrorCode, err error, format string, args ...interface{}) *Error {
	return &Error{
		Code: code,
		Msg:  fmt.Sprintf(format, args...),
		Err:  err,
	}
}

// CodeOf returns the code of the first Error in err's chain or ErrCUnknown.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCUnknown
}
