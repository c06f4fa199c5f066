// Package contracts provides the broker-independent data contracts of courier.
//
// This package defines the types that flow between publishers, drivers and
// handlers:
//   - Envelope: the canonical message unit (routing key, payload, metadata)
//   - PublishOptions / SubscribeOptions: exchange routing parameters
//   - RetryPolicy: tiered redelivery backoff
//   - Handler: the asynchronous, single-argument subscriber callback
//
// It also holds the error taxonomy shared by every driver: ConfigurationError,
// TransportError, HandlerError and NotInitializedError.
package contracts
