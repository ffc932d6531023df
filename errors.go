package isobus

import (
	"errors"
	"fmt"
)

// Kind is a closed taxonomy of failure modes surfaced by the stack. Every fallible
// operation in this module returns an error that can be unwrapped to a *Error to recover
// its Kind.
type Kind uint8

const (
	KindOK Kind = iota
	KindTimeout
	KindAddressClaimFailed
	KindAddressConflict
	KindTransportAborted
	KindTransportTimeout
	KindInvalidPGN
	KindInvalidAddress
	KindInvalidData
	KindBufferOverflow
	KindNotConnected
	KindInvalidState
	KindPoolError
	KindPoolValidation
	KindSessionExists
	KindNoResources
	KindDriverError
	KindSocketError
	KindInterfaceDown
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindTimeout:
		return "timeout"
	case KindAddressClaimFailed:
		return "address_claim_failed"
	case KindAddressConflict:
		return "address_conflict"
	case KindTransportAborted:
		return "transport_aborted"
	case KindTransportTimeout:
		return "transport_timeout"
	case KindInvalidPGN:
		return "invalid_pgn"
	case KindInvalidAddress:
		return "invalid_address"
	case KindInvalidData:
		return "invalid_data"
	case KindBufferOverflow:
		return "buffer_overflow"
	case KindNotConnected:
		return "not_connected"
	case KindInvalidState:
		return "invalid_state"
	case KindPoolError:
		return "pool_error"
	case KindPoolValidation:
		return "pool_validation"
	case KindSessionExists:
		return "session_exists"
	case KindNoResources:
		return "no_resources"
	case KindDriverError:
		return "driver_error"
	case KindSocketError:
		return "socket_error"
	case KindInterfaceDown:
		return "interface_down"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by this module. It carries a closed Kind so
// callers can branch on failure category without string matching, plus an optional
// wrapped cause for diagnostics.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, isobus.ErrKind(KindTimeout)) style matching.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}

// NewError builds an *Error with the given kind and message.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError builds an *Error with the given kind, message, and wrapped cause.
func WrapError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// ErrKind returns a sentinel *Error of the given kind, suitable for errors.Is comparisons.
func ErrKind(kind Kind) *Error {
	return &Error{Kind: kind}
}

// KindOf extracts the Kind from err, or KindOK if err is nil, or a best-effort
// KindDriverError if err is not one of ours.
func KindOf(err error) Kind {
	if err == nil {
		return KindOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindDriverError
}
