package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/courier/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/singleflight"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager owns the broker connection and its shared channel.
// Concurrent Connect calls share a single dial; a lost channel is re-established
// on the next Channel call.
type ConnectionManager struct {
	url            string
	prefetch       int
	retryPolicy    contracts.RetryPolicy
	connectTimeout time.Duration
	dial           Dialer
	logger         *slog.Logger

	mu       sync.RWMutex
	conn     Connection
	channel  Channel
	attempts int

	connecting     singleflight.Group
	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithPrefetch sets the channel prefetch count; zero leaves the broker default
func WithPrefetch(count int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.prefetch = count
	}
}

// WithRetryPolicy sets the default retry policy handed to subscriptions
func WithRetryPolicy(policy contracts.RetryPolicy) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.retryPolicy = policy
	}
}

// WithConnectTimeout bounds a single dial
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// WithDialer replaces the amqp091 dialer
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		retryPolicy:    contracts.DefaultRetryPolicy(),
		connectTimeout: 30 * time.Second,
		dial:           DialAMQP,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(cm)
	}
	cm.logger = cm.logger.With("component", "rabbitmq.connection")

	return cm
}

// Connect establishes the connection and channel. It is idempotent, and
// concurrent callers wait on the same in-flight attempt.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	if cm.ready() {
		return nil
	}
	if cm.url == "" {
		return &contracts.ConfigurationError{Op: "rabbitmq.connect", Err: ErrMissingURL}
	}

	result := cm.connecting.DoChan("connect", func() (interface{}, error) {
		if cm.ready() {
			return nil, nil
		}
		return nil, cm.doConnect()
	})

	select {
	case res := <-result:
		return res.Err
	case <-ctx.Done():
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       ctx.Err(),
			Timestamp: time.Now(),
		}
	}
}

func (cm *ConnectionManager) ready() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.conn != nil && cm.channel != nil && !cm.conn.IsClosed() && !cm.channel.IsClosed()
}

func (cm *ConnectionManager) doConnect() error {
	cm.mu.Lock()
	cm.attempts++
	attempt := cm.attempts
	cm.mu.Unlock()

	if attempt > 1 {
		cm.notifyReconnecting(attempt)
	}

	connChan := make(chan Connection, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, err := cm.dial(cm.url)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- conn
	}()

	var conn Connection
	select {
	case conn = <-connChan:
	case err := <-errChan:
		cm.logger.Error("failed to connect to RabbitMQ", "event", "rabbitmq.connection.failed", "error", err)
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  attempt,
		}
	case <-time.After(cm.connectTimeout):
		// the dial may still succeed; close whatever it returns
		go func() {
			select {
			case late := <-connChan:
				late.Close()
			case <-errChan:
			}
		}()
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       ErrConnectionTimeout,
			Timestamp: time.Now(),
			Attempts:  attempt,
		}
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return &ChannelError{Op: "open", ChannelID: "shared", Err: err, Timestamp: time.Now()}
	}

	if cm.prefetch > 0 {
		if err := ch.Qos(cm.prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return &ChannelError{Op: "qos", ChannelID: "shared", Err: err, Timestamp: time.Now()}
		}
	}

	cm.mu.Lock()
	cm.conn = conn
	cm.channel = ch
	cm.mu.Unlock()

	go cm.watch(conn, conn.NotifyClose(make(chan *amqp.Error, 1)), ch.NotifyClose(make(chan *amqp.Error, 1)))

	cm.logger.Info("connected to RabbitMQ", "event", "rabbitmq.connected", "url", SanitizeURL(cm.url))
	cm.notifyConnected()

	return nil
}

// watch drops the cached connection once the broker closes it, so the next
// Channel call reconnects instead of handing out a dead channel
func (cm *ConnectionManager) watch(conn Connection, connClosed, chanClosed chan *amqp.Error) {
	var reason *amqp.Error
	select {
	case reason = <-connClosed:
	case reason = <-chanClosed:
	}

	cm.mu.Lock()
	if cm.conn != conn {
		cm.mu.Unlock()
		return
	}
	if cm.channel != nil && !cm.channel.IsClosed() {
		cm.channel.Close()
	}
	cm.conn = nil
	cm.channel = nil
	cm.mu.Unlock()

	// a channel-level close leaves the connection open; it is no longer cached
	if !conn.IsClosed() {
		if err := conn.Close(); err != nil {
			cm.logger.Debug("failed to close orphaned connection", "event", "rabbitmq.connection.close_failed", "error", err)
		}
	}

	var err error
	if reason != nil {
		err = reason
		cm.logger.Error("RabbitMQ connection error", "event", "rabbitmq.connection.error", "error", reason)
	}
	cm.logger.Warn("RabbitMQ connection closed", "event", "rabbitmq.connection.closed")
	cm.notifyDisconnected(err)
}

// Channel returns the cached channel, reconnecting if none is cached
func (cm *ConnectionManager) Channel(ctx context.Context) (Channel, error) {
	cm.mu.RLock()
	ch := cm.channel
	cm.mu.RUnlock()
	if ch != nil && !ch.IsClosed() {
		return ch, nil
	}

	if err := cm.Connect(ctx); err != nil {
		return nil, err
	}

	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if cm.channel == nil {
		return nil, ErrChannelClosed
	}
	return cm.channel, nil
}

// RetryPolicy returns the configured default retry policy
func (cm *ConnectionManager) RetryPolicy() contracts.RetryPolicy {
	return cm.retryPolicy.Merge(nil)
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	return cm.ready()
}

// Close closes the channel and the connection. A later Channel call reconnects.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	conn, ch := cm.conn, cm.channel
	cm.conn = nil
	cm.channel = nil
	cm.mu.Unlock()

	var errs []error
	if ch != nil && !ch.IsClosed() {
		if err := ch.Close(); err != nil {
			errs = append(errs, &ChannelError{Op: "close", ChannelID: "shared", Err: err, Timestamp: time.Now()})
		} else {
			cm.logger.Debug("RabbitMQ channel closed", "event", "rabbitmq.channel.closed")
		}
	}
	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil {
			errs = append(errs, &ConnectionError{Op: "close", URL: SanitizeURL(cm.url), Err: err, Timestamp: time.Now()})
		} else {
			cm.logger.Info("disconnected from RabbitMQ", "event", "rabbitmq.disconnected")
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		cm.logger.Error("error disconnecting from RabbitMQ", "event", "rabbitmq.disconnection.error", "error", err)
	}
	return err
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}
