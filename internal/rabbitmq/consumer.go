package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler processes one delivery. Consumers run with manual ack, so
// the handler owns the acknowledgment.
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery)

// Consumer manages the consume loops started on a shared channel
type Consumer struct {
	channels ChannelProvider
	logger   *slog.Logger

	mu        sync.Mutex
	consumers map[string]*ConsumerInfo
	closed    bool
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(channels ChannelProvider, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		channels:  channels,
		logger:    slog.Default(),
		consumers: make(map[string]*ConsumerInfo),
	}

	for _, opt := range options {
		opt(c)
	}
	c.logger = c.logger.With("component", "rabbitmq.consumer")

	return c
}

// ConsumerInfo tracks an active consume loop
type ConsumerInfo struct {
	Queue       string
	ConsumerTag string
	channel     Channel
	cancel      context.CancelFunc
	done        chan struct{}
}

// Subscribe starts consuming a queue with manual ack and returns the consumer tag
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler DeliveryHandler) (string, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return "", &ConsumerError{Queue: queue, Op: "subscribe", Err: ErrConsumerClosed, Timestamp: time.Now()}
	}

	ch, err := c.channels.Channel(ctx)
	if err != nil {
		return "", &ConsumerError{Queue: queue, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}

	tag := "courier-" + uuid.NewString()
	deliveries, err := ch.Consume(
		queue,
		tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return "", &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	// The loop outlives the Subscribe call; only Unsubscribe stops it.
	consumerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	info := &ConsumerInfo{
		Queue:       queue,
		ConsumerTag: tag,
		channel:     ch,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	c.mu.Lock()
	c.consumers[tag] = info
	c.mu.Unlock()

	go c.processMessages(consumerCtx, info, deliveries, handler)

	c.logger.Info("subscribed to queue", "event", "rabbitmq.consumer.started", "queue", queue, "consumerTag", tag)

	return tag, nil
}

func (c *Consumer) processMessages(ctx context.Context, info *ConsumerInfo, deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	defer func() {
		close(info.done)
		c.mu.Lock()
		delete(c.consumers, info.ConsumerTag)
		c.mu.Unlock()
		c.logger.Info("consumer stopped", "event", "rabbitmq.consumer.stopped", "queue", info.Queue, "consumerTag", info.ConsumerTag)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "event", "rabbitmq.consumer.closed", "queue", info.Queue)
				return
			}
			handler(ctx, delivery)
		}
	}
}

// Unsubscribe cancels a consumer and waits for its loop to exit
func (c *Consumer) Unsubscribe(tag string) error {
	c.mu.Lock()
	info, ok := c.consumers[tag]
	c.mu.Unlock()
	if !ok {
		return &ConsumerError{ConsumerTag: tag, Op: "unsubscribe", Err: ErrUnknownConsumer, Timestamp: time.Now()}
	}

	var err error
	if !info.channel.IsClosed() {
		if cancelErr := info.channel.Cancel(tag, false); cancelErr != nil {
			err = &ConsumerError{Queue: info.Queue, ConsumerTag: tag, Op: "cancel", Err: cancelErr, Timestamp: time.Now()}
		}
	}
	info.cancel()
	<-info.done

	return err
}

// UnsubscribeAll stops every active consumer. The consumer stays usable.
func (c *Consumer) UnsubscribeAll() error {
	var errs []error
	for _, tag := range c.ActiveConsumers() {
		if err := c.Unsubscribe(tag); err != nil && !errors.Is(err, ErrUnknownConsumer) {
			c.logger.Error("failed to unsubscribe", "consumerTag", tag, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close stops every consumer and rejects further subscriptions
func (c *Consumer) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.UnsubscribeAll()
}

// ActiveConsumers returns the tags of running consumers
func (c *Consumer) ActiveConsumers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	tags := make([]string, 0, len(c.consumers))
	for tag := range c.consumers {
		tags = append(tags, tag)
	}
	return tags
}
