package domain

import "errors"

// Transaction token errors returned by result stores
var (
	// ErrTokenInFlight means another attempt holds the token and has not finished.
	ErrTokenInFlight = errors.New("transaction token is being processed")

	// ErrTokenConflict means the token no longer points at the expected result.
	ErrTokenConflict = errors.New("transaction token was updated concurrently")

	// ErrTokenCardMismatch means the token is already bound to a different card.
	ErrTokenCardMismatch = errors.New("transaction token belongs to another card")

	ErrResultNotFound = errors.New("authorization result not found")
)
