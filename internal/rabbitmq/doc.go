// Package rabbitmq provides the RabbitMQ plumbing behind the broker driver.
//
// This package includes:
//   - ConnectionManager: owns one connection and a shared channel, collapses
//     concurrent connects and reconnects when the cached channel is gone
//   - TopologyManager: declares exchanges, queues, bindings and the TTL retry tiers
//   - Consumer: runs manual-ack consume loops that can be cancelled by tag
//
// Connection loss never panics the process: close notifications clear the
// cache and inform ConnectionStateListeners.
package rabbitmq
