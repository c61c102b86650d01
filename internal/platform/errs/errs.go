// Package errs defines the error taxonomy shared by the delivery channels,
// the circuit breaker, and the lab-request store. Callers classify failures
// with errors.Is against the exported sentinels; Retryable reports whether a
// failed operation may be attempted again.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection marks a transient, connection-level failure. Retryable.
	ErrConnection = errors.New("connection error")

	// ErrProtocol marks a malformed or unexpected frame. The offending frame
	// is logged and dropped; the channel stays alive. Not retryable.
	ErrProtocol = errors.New("protocol error")

	// ErrConflict marks a duplicate-identity application conflict. Delivery
	// callers treat it as idempotent success.
	ErrConflict = errors.New("duplicate identity conflict")

	// ErrUnauthorized marks a rejected inter-service call. Never retried.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRemoteUnavailable marks a fail-fast rejection by an open circuit
	// breaker. No call was attempted.
	ErrRemoteUnavailable = errors.New("remote unavailable")

	// ErrNotFound marks a missing request, result, or entity.
	ErrNotFound = errors.New("not found")
)

// Connection wraps err as a connection-level failure.
func Connection(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrConnection)...)
}

// Protocol wraps a description of a malformed frame.
func Protocol(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrProtocol)...)
}

// Retryable reports whether the operation that produced err may be retried.
// Only connection-level failures qualify; conflicts are success-equivalent
// and everything else is terminal.
func Retryable(err error) bool {
	return errors.Is(err, ErrConnection)
}

// IsConflict reports whether err is a duplicate-identity conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
