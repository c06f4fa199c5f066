// Package outbox implements the transactional outbox: callers enqueue
// envelopes in the same transaction as their business writes and a
// Processor later publishes every pending record through the active
// messaging driver.
//
// Records move from pending to sent on a successful publish, or to failed
// after DefaultMaxRetries failed attempts. Stores live in the memstore,
// postgres and redisstore subpackages.
package outbox
