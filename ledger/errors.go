package ledger

import "errors"

var (
	// ErrUnknownRequest means no local record exists for the request id.
	ErrUnknownRequest = errors.New("ledger: unknown request")
	// ErrNotPending means the operation is only valid on a pending request.
	ErrNotPending = errors.New("ledger: request is not pending")
	// ErrInvalidAmount means the amount is not a positive decimal string.
	ErrInvalidAmount = errors.New("ledger: invalid amount")
	// ErrExpiredOnArrival means an inbound request was already expired when
	// it arrived. It is discarded, not recorded.
	ErrExpiredOnArrival = errors.New("ledger: request expired on arrival")
	// ErrSenderMismatch means the sealed payload claims a different sender
	// than the relay's routing envelope.
	ErrSenderMismatch = errors.New("ledger: payload sender does not match frame sender")
)
