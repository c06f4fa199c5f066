package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/courier/contracts"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

// Status is the delivery state of an outbox record
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// DefaultMaxRetries is the number of failed publishes after which a record is failed
const DefaultMaxRetries = 3

// EnvelopeIDPrefix prefixes the record id to form the published envelope id
const EnvelopeIDPrefix = "outbox-"

var (
	// ErrTerminalRecord is returned when a sent or failed record is transitioned again
	ErrTerminalRecord = errors.New("outbox: record is no longer pending")
	// ErrRecordNotFound is returned when saving a record the store does not know
	ErrRecordNotFound = errors.New("outbox: record not found")
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// payloadCodec keeps numbers as json.Number so relayed payloads are not
// rounded through float64
var payloadCodec = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

// ExchangeOptions is the subset of publish options persisted with a record
type ExchangeOptions struct {
	Exchange      string                 `json:"exchange,omitempty"`
	Headers       map[string]interface{} `json:"headers,omitempty"`
	CorrelationID string                 `json:"correlationId,omitempty"`
}

// Record is a message waiting to be published
type Record struct {
	ID              string                  `json:"id"`
	RoutingKey      string                  `json:"routingKey"`
	Payload         json.RawMessage         `json:"payload"`
	Status          Status                  `json:"status"`
	RetryCount      int                     `json:"retryCount"`
	ExchangeType    *contracts.ExchangeType `json:"exchangeType,omitempty"`
	ExchangeOptions *ExchangeOptions        `json:"exchangeOptions,omitempty"`
	LastError       string                  `json:"lastError,omitempty"`
	CreatedAt       time.Time               `json:"createdAt"`
	UpdatedAt       time.Time               `json:"updatedAt"`
	SentAt          *time.Time              `json:"sentAt,omitempty"`
}

// NewRecord snapshots an envelope and its publish options as a pending record
func NewRecord(env contracts.Envelope, opts *contracts.PublishOptions, now time.Time) (*Record, error) {
	payload, err := codec.Marshal(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal outbox payload: %w", err)
	}

	record := &Record{
		ID:         uuid.NewString(),
		RoutingKey: env.RoutingKey,
		Payload:    payload,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if opts != nil {
		if opts.ExchangeType != "" {
			exchangeType := opts.ExchangeType
			record.ExchangeType = &exchangeType
		}
		record.ExchangeOptions = &ExchangeOptions{
			Exchange:      opts.Exchange,
			Headers:       copyHeaders(opts.Headers),
			CorrelationID: opts.CorrelationID,
		}
	}

	return record, nil
}

// Envelope rebuilds the envelope to publish
func (r *Record) Envelope() (contracts.Envelope, error) {
	var payload interface{}
	if len(r.Payload) > 0 {
		if err := payloadCodec.Unmarshal(r.Payload, &payload); err != nil {
			return contracts.Envelope{}, fmt.Errorf("failed to unmarshal outbox payload: %w", err)
		}
	}

	return contracts.Envelope{
		ID:         EnvelopeIDPrefix + r.ID,
		RoutingKey: r.RoutingKey,
		Payload:    payload,
		Timestamp:  r.CreatedAt,
	}, nil
}

// PublishOptions rebuilds the publish options. The stored exchange type takes
// precedence over the options blob. ok is false when neither was stored.
func (r *Record) PublishOptions() (opts contracts.PublishOptions, ok bool) {
	if r.ExchangeOptions == nil && r.ExchangeType == nil {
		return contracts.PublishOptions{}, false
	}
	if r.ExchangeOptions != nil {
		opts.Exchange = r.ExchangeOptions.Exchange
		opts.Headers = copyHeaders(r.ExchangeOptions.Headers)
		opts.CorrelationID = r.ExchangeOptions.CorrelationID
	}
	if r.ExchangeType != nil {
		opts.ExchangeType = *r.ExchangeType
	}
	return opts, true
}

// IsTerminal reports whether the record left the pending state
func (r *Record) IsTerminal() bool {
	return r.Status != StatusPending
}

// MarkSent records a successful publish
func (r *Record) MarkSent(now time.Time) error {
	if r.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminalRecord, r.ID, r.Status)
	}
	r.Status = StatusSent
	r.SentAt = &now
	r.UpdatedAt = now
	r.LastError = ""
	return nil
}

// MarkFailedAttempt counts a failed publish and flips the record to failed
// once maxRetries attempts have failed
func (r *Record) MarkFailedAttempt(cause error, maxRetries int, now time.Time) error {
	if r.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminalRecord, r.ID, r.Status)
	}
	r.RetryCount++
	if cause != nil {
		r.LastError = cause.Error()
	}
	if r.RetryCount >= maxRetries {
		r.Status = StatusFailed
	}
	r.UpdatedAt = now
	return nil
}

// Clone returns a deep copy
func (r *Record) Clone() *Record {
	out := *r
	out.Payload = append(json.RawMessage(nil), r.Payload...)
	if r.ExchangeType != nil {
		exchangeType := *r.ExchangeType
		out.ExchangeType = &exchangeType
	}
	if r.ExchangeOptions != nil {
		opts := *r.ExchangeOptions
		opts.Headers = copyHeaders(r.ExchangeOptions.Headers)
		out.ExchangeOptions = &opts
	}
	if r.SentAt != nil {
		sentAt := *r.SentAt
		out.SentAt = &sentAt
	}
	return &out
}

func copyHeaders(headers map[string]interface{}) map[string]interface{} {
	if headers == nil {
		return nil
	}
	out := make(map[string]interface{}, len(headers))
	for k, v := range headers {
		out[k] = v
	}
	return out
}
