package provider

import (
	"errors"
	"fmt"
)

// Sentinel errors of the gateway's caller-visible taxonomy. Checked with
// errors.Is across the manager boundary.
var (
	// ErrNotInitialized: an operation was requested for a connection id with
	// no live session. Caller error; never retried automatically.
	ErrNotInitialized = errors.New("connection session not initialized")

	// ErrNumberNotRegistered: the recipient has no account on the network.
	// Terminal for the operation, distinct from transient network failures.
	ErrNumberNotRegistered = errors.New("number not registered on the network")

	// ErrSendFailure: the underlying client rejected a send. Surfaced
	// synchronously to the caller, never swallowed.
	ErrSendFailure = errors.New("message send failed")
)

// UnknownProviderError is returned when a connection names an
// implementation the selector does not know.
type UnknownProviderError struct {
	Name string
}

func (e *UnknownProviderError) Error() string {
	return fmt.Sprintf("unknown provider implementation %q", e.Name)
}
