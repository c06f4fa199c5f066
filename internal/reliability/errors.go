package reliability

import (
	"errors"
)

var (
	// ErrHandlerPanic wraps a recovered handler panic
	ErrHandlerPanic = errors.New("retry: handler panicked")
	// ErrMaxRetriesExceeded marks a message dropped after its last retry
	ErrMaxRetriesExceeded = errors.New("retry: maximum attempts exceeded")
)
