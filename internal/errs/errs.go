// Package errs defines the domain error taxonomy shared by the session-key
// lifecycle manager and the transaction builder. Every public operation
// normalizes its failure into one of these kinds before recording it in the
// state store and returning it to the caller.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a domain failure.
type Kind uint8

const (
	// WrongNetwork means the provider is attached to a chain other than the
	// single supported target chain.
	WrongNetwork Kind = iota
	// NoSessionKey means the operation requires an active session key and
	// none is present in state.
	NoSessionKey
	// CreationFailed means both the creation call and the fallback retrieval
	// call returned the empty sentinel.
	CreationFailed
	// ProviderError means the external RPC call failed or returned malformed
	// data.
	ProviderError
	// EncodingFailure means transaction assembly violated an internal
	// invariant.
	EncodingFailure
	// ConfirmationTimeout means funding confirmation exceeded its deadline.
	ConfirmationTimeout
)

func (k Kind) String() string {
	switch k {
	case WrongNetwork:
		return "WRONG_NETWORK"
	case NoSessionKey:
		return "NO_SESSION_KEY"
	case CreationFailed:
		return "CREATION_FAILED"
	case ProviderError:
		return "PROVIDER_ERROR"
	case EncodingFailure:
		return "ENCODING_FAILURE"
	case ConfirmationTimeout:
		return "CONFIRMATION_TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// Error is a classified domain error. Cause, when set, carries the original
// provider failure with its message intact.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches on Kind so callers can compare against sentinel errors built
// with New.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New builds a domain error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error, preserving it as the cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// Normalize returns err unchanged when it is already a domain error, and
// otherwise wraps it as a ProviderError. A nil err returns nil.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return &Error{Kind: ProviderError, Msg: "rpc call failed", Cause: err}
}

// KindOf reports the Kind of err when it is a domain error.
func KindOf(err error) (Kind, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind, true
	}
	return 0, false
}
