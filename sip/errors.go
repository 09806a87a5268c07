package sip

import "github.com/eddyslarez/sip-library-sub001/internal/errorutil"

// Error represents a SIP error.
// See [errorutil.Error].
type Error = errorutil.Error

// Common errors.
const (
	ErrInvalidArgument = errorutil.ErrInvalidArgument
)

// Codec errors.
const (
	// ErrMalformedMessage is returned when a message cannot be decoded:
	// unparsable start line, missing mandatory header or a body length
	// mismatch.
	ErrMalformedMessage Error = "malformed message"
)

// Authentication errors.
const (
	// ErrUnsupportedChallenge is returned for challenge algorithm/qop
	// combinations this engine does not implement.
	ErrUnsupportedChallenge Error = "unsupported challenge"
	// ErrAuthenticationFailed is returned when the server challenges a
	// request that already carried fresh credentials.
	ErrAuthenticationFailed Error = "authentication failed"
)

// Transaction errors.
const (
	// ErrTransactionTimeout is delivered to the transaction owner when no
	// final response arrived before the deadline.
	ErrTransactionTimeout Error = "transaction timed out"
	// ErrTransactionNotMatched is returned for responses that match no
	// known transaction. Such responses are dropped, never fatal.
	ErrTransactionNotMatched Error = "transaction not matched"
	// ErrTransactionManagerClosed is returned when sending through a
	// closed transaction manager.
	ErrTransactionManagerClosed Error = "transaction manager closed"
)

// State machine and transport errors.
const (
	// ErrIllegalTransition is reported when a command or a duplicate/late
	// network event does not apply to the current state. The state is
	// left unchanged.
	ErrIllegalTransition Error = "illegal transition"
	// ErrTransportDown is returned when the signaling transport has no
	// live connection.
	ErrTransportDown Error = "transport down"
)

// NewInvalidArgumentError creates a new error with [ErrInvalidArgument] or
// wraps a provided error with [ErrInvalidArgument].
func NewInvalidArgumentError(args ...any) error {
	return errorutil.NewInvalidArgumentError(args...) //errtrace:skip
}
