package contracts

import (
	"time"

	"github.com/google/uuid"
)

// ExchangeType selects the routing algorithm of an exchange
type ExchangeType string

const (
	ExchangeFanout  ExchangeType = "fanout"
	ExchangeDirect  ExchangeType = "direct"
	ExchangeTopic   ExchangeType = "topic"
	ExchangeHeaders ExchangeType = "headers"
)

// Valid reports whether t is one of the four supported exchange types
func (t ExchangeType) Valid() bool {
	switch t {
	case ExchangeFanout, ExchangeDirect, ExchangeTopic, ExchangeHeaders:
		return true
	}
	return false
}

// String implements fmt.Stringer
func (t ExchangeType) String() string {
	return string(t)
}

// OrDefault returns t, or def when t is empty
func (t ExchangeType) OrDefault(def ExchangeType) ExchangeType {
	if t == "" {
		return def
	}
	return t
}

// Envelope wraps a payload for transport. Drivers treat it as read-only.
type Envelope struct {
	ID           string                 `json:"id"`
	RoutingKey   string                 `json:"routingKey"`
	Payload      interface{}            `json:"payload"`
	Timestamp    time.Time              `json:"timestamp"`
	Headers      map[string]interface{} `json:"headers,omitempty"`
	Exchange     string                 `json:"exchange,omitempty"`
	ExchangeType ExchangeType           `json:"exchangeType,omitempty"`
}

// NewEnvelope creates an envelope with a generated ID and the current UTC time
func NewEnvelope(routingKey string, payload interface{}) Envelope {
	return Envelope{
		ID:         uuid.New().String(),
		RoutingKey: routingKey,
		Payload:    payload,
		Timestamp:  time.Now().UTC(),
	}
}

// WithHeaders returns a copy of the envelope carrying headers merged over the existing ones
func (e Envelope) WithHeaders(headers map[string]interface{}) Envelope {
	merged := make(map[string]interface{}, len(e.Headers)+len(headers))
	for k, v := range e.Headers {
		merged[k] = v
	}
	for k, v := range headers {
		merged[k] = v
	}
	e.Headers = merged
	return e
}
