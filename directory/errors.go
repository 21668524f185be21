package directory

import "errors"

var (
	// ErrNotFound means the relay reported no identity for the query.
	ErrNotFound = errors.New("directory: identity not found")
	// ErrTimeout means no lookup response arrived within the window.
	ErrTimeout = errors.New("directory: lookup timed out")
	// ErrInvalidQueryFormat means the query matches no recognized
	// identifier shape.
	ErrInvalidQueryFormat = errors.New("directory: invalid query format")
)
