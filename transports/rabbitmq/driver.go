// Package rabbitmq implements the broker messaging driver on RabbitMQ.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/courier/contracts"
	"github.com/glimte/courier/internal/rabbitmq"
	"github.com/glimte/courier/internal/reliability"
	jsoniter "github.com/json-iterator/go"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DriverName is the registry name of the broker driver
const DriverName = "rabbit"

// Connections is the connection lifecycle the driver depends on
type Connections interface {
	rabbitmq.ChannelProvider
	Connect(ctx context.Context) error
	RetryPolicy() contracts.RetryPolicy
	IsConnected() bool
}

// Driver publishes and consumes envelopes through RabbitMQ exchanges
type Driver struct {
	connections Connections
	topology    *rabbitmq.TopologyManager
	consumer    *rabbitmq.Consumer
	codec       jsoniter.API
	logger      *slog.Logger

	exchangesMu sync.Mutex
	exchanges   map[string]struct{}
}

// Option configures the Driver
type Option func(*Driver)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) {
		d.logger = logger
	}
}

// NewDriver creates a broker driver on top of a connection manager
func NewDriver(connections Connections, options ...Option) *Driver {
	d := &Driver{
		connections: connections,
		codec:       jsoniter.ConfigCompatibleWithStandardLibrary,
		logger:      slog.Default(),
		exchanges:   make(map[string]struct{}),
	}

	for _, opt := range options {
		opt(d)
	}
	d.logger = d.logger.With("component", "messaging.rabbit")
	d.topology = rabbitmq.NewTopologyManager(connections)
	d.consumer = rabbitmq.NewConsumer(connections, rabbitmq.WithConsumerLogger(d.logger))

	return d
}

// Name returns the registry name
func (d *Driver) Name() string {
	return DriverName
}

// IsConnected reports whether the underlying connection is up
func (d *Driver) IsConnected() bool {
	return d.connections.IsConnected()
}

// Connect establishes the broker connection
func (d *Driver) Connect(ctx context.Context) error {
	if err := d.connections.Connect(ctx); err != nil {
		if contracts.IsConfigurationError(err) {
			return err
		}
		return &contracts.TransportError{Driver: DriverName, Op: "connect", Err: err}
	}
	d.logger.Debug("rabbit messaging driver initialized", "event", "rabbitmq.driver.initialized")
	return nil
}

// Disconnect stops the driver's consumers and forgets asserted exchanges.
// The connection itself stays with the connection manager.
func (d *Driver) Disconnect(ctx context.Context) error {
	if err := d.consumer.UnsubscribeAll(); err != nil {
		d.logger.Warn("failed to stop consumers", "event", "rabbitmq.driver.consumers", "error", err)
	}

	d.exchangesMu.Lock()
	d.exchanges = make(map[string]struct{})
	d.exchangesMu.Unlock()

	d.logger.Debug("rabbit messaging driver cleaned up", "event", "rabbitmq.driver.cleaned")
	return nil
}

// Publish sends env as a persistent JSON message to the options' exchange
func (d *Driver) Publish(ctx context.Context, env contracts.Envelope, opts contracts.PublishOptions) error {
	if err := opts.RequireExchange(DriverName); err != nil {
		return err
	}
	exchangeType := opts.ExchangeType.OrDefault(contracts.ExchangeTopic)
	if !exchangeType.Valid() {
		return &contracts.ConfigurationError{Op: DriverName + ".publish", Err: fmt.Errorf("unsupported exchange type %q", opts.ExchangeType)}
	}

	if err := d.assertExchange(ctx, opts.Exchange, exchangeType); err != nil {
		return err
	}

	body, err := d.codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Body:          body,
		MessageId:     env.ID,
		CorrelationId: opts.CorrelationID,
		Timestamp:     env.Timestamp,
	}
	if len(opts.Headers) > 0 {
		msg.Headers = make(amqp.Table, len(opts.Headers))
		for k, v := range opts.Headers {
			msg.Headers[k] = v
		}
	}

	ch, err := d.connections.Channel(ctx)
	if err != nil {
		return &contracts.TransportError{Driver: DriverName, Op: "publish", Err: err}
	}
	if err := ch.PublishWithContext(ctx, opts.Exchange, env.RoutingKey, false, false, msg); err != nil {
		return &contracts.TransportError{
			Driver: DriverName,
			Op:     "publish",
			Err:    &rabbitmq.PublishError{Exchange: opts.Exchange, RoutingKey: env.RoutingKey, Err: err, Timestamp: time.Now()},
		}
	}

	d.logger.Debug("message published to RabbitMQ",
		"event", "rabbitmq.message.published",
		"routingKey", env.RoutingKey,
		"id", env.ID,
		"exchange", opts.Exchange,
		"exchangeType", exchangeType,
	)
	return nil
}

// Subscribe declares the queue, binds it to the exchange under topic and
// starts a manual-ack consumer. Durable named queues get TTL retry tiers.
func (d *Driver) Subscribe(ctx context.Context, topic string, handler contracts.Handler, opts contracts.SubscribeOptions) error {
	if err := opts.RequireExchange(DriverName); err != nil {
		return err
	}
	exchangeType := opts.ExchangeType.OrDefault(contracts.ExchangeTopic)
	if !exchangeType.Valid() {
		return &contracts.ConfigurationError{Op: DriverName + ".subscribe", Err: fmt.Errorf("unsupported exchange type %q", opts.ExchangeType)}
	}

	policy := d.connections.RetryPolicy().Merge(opts.RetryPolicy)
	if err := policy.Validate(); err != nil {
		return err
	}

	if err := d.assertExchange(ctx, opts.Exchange, exchangeType); err != nil {
		return err
	}

	queueName := opts.QueueName
	exclusive := contracts.BoolOr(opts.Exclusive, queueName == "")
	durable := contracts.BoolOr(opts.Durable, false)
	retryable := durable && queueName != ""

	if retryable {
		if err := d.setupRetryQueues(ctx, queueName, policy); err != nil {
			return err
		}
	}

	queue, err := d.topology.DeclareQueue(ctx, rabbitmq.QueueDeclaration{
		Name:      queueName,
		Durable:   durable,
		Exclusive: exclusive,
	})
	if err != nil {
		return &contracts.TransportError{Driver: DriverName, Op: "subscribe", Err: err}
	}

	var bindArgs amqp.Table
	if len(opts.BindingHeaders) > 0 {
		bindArgs = amqp.Table(opts.BindingHeaders)
	}
	if err := d.topology.BindQueue(ctx, rabbitmq.Binding{
		Queue:      queue.Name,
		Exchange:   opts.Exchange,
		RoutingKey: topic,
		Arguments:  bindArgs,
	}); err != nil {
		return &contracts.TransportError{Driver: DriverName, Op: "subscribe", Err: err}
	}

	sub := &consumerSubscription{
		topic:     topic,
		queue:     queue.Name,
		retryable: retryable,
		policy:    policy,
		handler:   handler,
	}
	if _, err := d.consumer.Subscribe(ctx, queue.Name, func(ctx context.Context, delivery amqp.Delivery) {
		d.handleDelivery(ctx, sub, delivery)
	}); err != nil {
		return &contracts.TransportError{Driver: DriverName, Op: "subscribe", Err: err}
	}

	d.logger.Debug("subscribed to topic in RabbitMQ with retry policy",
		"event", "rabbitmq.topic.subscribed",
		"topic", topic,
		"queueName", queue.Name,
		"exchangeType", exchangeType,
		"maxRetries", policy.MaxRetries,
		"delayTiers", policy.DelayTiers,
	)
	return nil
}

type consumerSubscription struct {
	topic     string
	queue     string
	retryable bool
	policy    contracts.RetryPolicy
	handler   contracts.Handler
}

func (d *Driver) handleDelivery(ctx context.Context, sub *consumerSubscription, delivery amqp.Delivery) {
	retryCount := reliability.RetryCount(delivery.Headers)

	var env contracts.Envelope
	err := d.codec.Unmarshal(delivery.Body, &env)
	if err != nil {
		err = fmt.Errorf("failed to decode envelope: %w", err)
	} else {
		err = reliability.Invoke(ctx, sub.handler, env)
	}

	if err == nil {
		d.ack(delivery)
		d.logger.Debug("message processed successfully",
			"event", "rabbitmq.message.processed",
			"topic", sub.topic,
			"retryCount", retryCount,
			"state", reliability.DeliveryState(retryCount),
		)
		return
	}

	d.logger.Error("error processing message",
		"event", "rabbitmq.message.error",
		"topic", sub.topic,
		"retryCount", retryCount,
		"error", err,
	)

	if !sub.retryable {
		d.ack(delivery)
		d.logger.Warn("message discarded (no retry support for exclusive queue)",
			"event", "rabbitmq.message.discarded.exclusive",
			"topic", sub.topic,
			"error", err,
		)
		return
	}

	d.retry(ctx, sub, delivery, retryCount, err)
}

// retry moves a failed delivery into its TTL tier, or drops it when the
// policy is exhausted. The original delivery is acked either way.
func (d *Driver) retry(ctx context.Context, sub *consumerSubscription, delivery amqp.Delivery, retryCount int, cause error) {
	decision := reliability.Decide(sub.policy, retryCount)

	if decision.State == reliability.StateDropped {
		d.ack(delivery)
		d.logger.Error("message discarded after max retries",
			"event", "rabbitmq.message.discarded",
			"topic", sub.topic,
			"queueName", sub.queue,
			"retryCount", retryCount,
			"maxRetries", sub.policy.MaxRetries,
			"error", &contracts.HandlerError{Topic: sub.topic, MessageID: delivery.MessageId, RetryCount: retryCount, Err: cause},
			"payload", string(delivery.Body),
		)
		return
	}

	retryExchange := rabbitmq.RetryExchangeName(sub.queue)
	msg := amqp.Publishing{
		ContentType:   delivery.ContentType,
		DeliveryMode:  amqp.Persistent,
		Body:          delivery.Body,
		Headers:       amqp.Table(decision.Headers(delivery.Headers)),
		MessageId:     delivery.MessageId,
		CorrelationId: delivery.CorrelationId,
		Timestamp:     delivery.Timestamp,
	}

	ch, err := d.connections.Channel(ctx)
	if err == nil {
		err = ch.PublishWithContext(ctx, retryExchange, decision.RoutingKey(), false, false, msg)
	}
	if err != nil {
		// Requeue so the message is not lost while the retry tier is unreachable.
		d.logger.Error("failed to send message to retry queue",
			"event", "rabbitmq.message.retry.failed",
			"topic", sub.topic,
			"queueName", sub.queue,
			"error", err,
		)
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			d.logger.Error("failed to nack message", "error", nackErr)
		}
		return
	}

	d.ack(delivery)
	d.logger.Warn("message sent to retry queue",
		"event", "rabbitmq.message.retry.sent",
		"topic", sub.topic,
		"queueName", sub.queue,
		"retryCount", decision.NextRetryCount,
		"tier", decision.Tier,
		"delay", decision.Delay,
		"error", cause,
	)
}

func (d *Driver) ack(delivery amqp.Delivery) {
	if err := delivery.Ack(false); err != nil {
		d.logger.Error("failed to ack message", "event", "rabbitmq.message.ack.failed", "error", err)
	}
}

func (d *Driver) assertExchange(ctx context.Context, exchange string, exchangeType contracts.ExchangeType) error {
	key := exchange + ":" + string(exchangeType)

	d.exchangesMu.Lock()
	defer d.exchangesMu.Unlock()
	if _, ok := d.exchanges[key]; ok {
		return nil
	}

	if err := d.topology.DeclareExchange(ctx, rabbitmq.ExchangeDeclaration{
		Name:    exchange,
		Type:    string(exchangeType),
		Durable: true,
	}); err != nil {
		return &contracts.TransportError{Driver: DriverName, Op: "assert exchange", Err: err}
	}
	d.exchanges[key] = struct{}{}

	d.logger.Debug("exchange asserted", "event", "rabbitmq.exchange.asserted", "exchange", exchange, "type", exchangeType)
	return nil
}

func (d *Driver) setupRetryQueues(ctx context.Context, queue string, policy contracts.RetryPolicy) error {
	topology, err := rabbitmq.RetryTopology(queue, policy)
	if err != nil {
		return &contracts.ConfigurationError{Op: DriverName + ".subscribe", Err: err}
	}
	if err := d.topology.DeclareTopology(ctx, topology); err != nil {
		return &contracts.TransportError{Driver: DriverName, Op: "declare retry queues", Err: err}
	}

	for i, q := range topology.Queues {
		d.logger.Debug("retry queue created",
			"event", "rabbitmq.retry.queue.created",
			"retryQueueName", q.Name,
			"delay", policy.DelayTiers[i],
			"tier", i+1,
		)
	}
	return nil
}
