package relay

import "errors"

var (
	// ErrNotInitialized means Connect was called before Initialize.
	ErrNotInitialized = errors.New("relay: connection not initialized")
	// ErrAuthRejected means the relay refused the signed auth challenge.
	// Automatic reconnection is suspended until Connect is called again.
	ErrAuthRejected = errors.New("relay: authentication rejected")
	// ErrClosed means the operation raced an explicit Disconnect.
	ErrClosed = errors.New("relay: connection closed")
)
