package contracts

import (
	"context"
)

// Handler processes a delivered envelope. A returned error triggers the
// subscription's retry policy; it never propagates past the driver.
type Handler func(ctx context.Context, env Envelope) error

// PublishOptions controls how an envelope is routed
type PublishOptions struct {
	Exchange      string                 `json:"exchange,omitempty"`
	ExchangeType  ExchangeType           `json:"exchangeType,omitempty"`
	Headers       map[string]interface{} `json:"headers,omitempty"`
	CorrelationID string                 `json:"correlationId,omitempty"`
}

// SubscribeOptions controls how a subscription binds to an exchange
type SubscribeOptions struct {
	Exchange       string
	ExchangeType   ExchangeType
	BindingHeaders map[string]interface{}
	// QueueName empty means the driver creates an exclusive, non-durable queue
	QueueName string
	// Durable and Exclusive are nil when the driver default applies
	Durable     *bool
	Exclusive   *bool
	RetryPolicy *RetryOverride
}

// RequireExchange returns a ConfigurationError when no exchange is set
func (o PublishOptions) RequireExchange(driver string) error {
	if o.Exchange == "" {
		return &ConfigurationError{Op: driver + ".publish", Err: ErrMissingExchange}
	}
	return nil
}

// RequireExchange returns a ConfigurationError when no exchange is set
func (o SubscribeOptions) RequireExchange(driver string) error {
	if o.Exchange == "" {
		return &ConfigurationError{Op: driver + ".subscribe", Err: ErrMissingExchange}
	}
	return nil
}

// Bool returns a pointer to b, for the optional SubscribeOptions flags
func Bool(b bool) *bool {
	return &b
}

// BoolOr dereferences p, falling back to def when p is nil
func BoolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
