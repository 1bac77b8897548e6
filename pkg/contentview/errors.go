package contentview

import "errors"

// Argument errors. These are detected before any mutation, so a call that
// returns one of them has no side effects.
var (
	ErrNullArgument    = errors.New("Null argument")
	ErrInvalidArgument = errors.New("Invalid argument")
	ErrInvalidIndex    = errors.New("Invalid content view index")
	ErrInvalidLength   = errors.New("Invalid item length")
)

// State errors. The view cannot satisfy the request right now, but nothing is wrong.
var (
	ErrNoMoreItems      = errors.New("No more items in content view")
	ErrInvalidTimestamp = errors.New("Invalid content view timestamp")
)
