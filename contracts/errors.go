package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingExchange is returned when publish or subscribe options carry no exchange
	ErrMissingExchange = errors.New("exchange must be specified")
	// ErrUnknownDriver is returned when a driver name is not registered
	ErrUnknownDriver = errors.New("unknown messaging driver")
	// ErrNotInitialized is returned when no current driver has been set
	ErrNotInitialized = errors.New("messaging driver not initialized")
)

// ConfigurationError is fatal to the call and never retried by drivers
type ConfigurationError struct {
	Op  string
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %v", e.Op, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// TransportError reports a broker-side failure (unreachable, channel error, ...)
type TransportError struct {
	Driver string
	Op     string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %s %s: %v", e.Driver, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// HandlerError wraps a failure raised by a subscriber handler
type HandlerError struct {
	Topic      string
	MessageID  string
	RetryCount int
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler error: topic %s message %s (retry %d): %v", e.Topic, e.MessageID, e.RetryCount, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// NotInitializedError is returned by the registry when publish or subscribe
// happens before any driver was made current
type NotInitializedError struct {
	Registered []string
}

func (e *NotInitializedError) Error() string {
	if len(e.Registered) == 0 {
		return ErrNotInitialized.Error() + " (no drivers registered)"
	}
	return fmt.Sprintf("%s (registered: %v)", ErrNotInitialized.Error(), e.Registered)
}

func (e *NotInitializedError) Unwrap() error {
	return ErrNotInitialized
}

// IsConfigurationError reports whether err is or wraps a ConfigurationError
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

// IsTransportError reports whether err is or wraps a TransportError
func IsTransportError(err error) bool {
	var tErr *TransportError
	return errors.As(err, &tErr)
}
