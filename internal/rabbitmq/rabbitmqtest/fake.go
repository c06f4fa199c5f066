// Package rabbitmqtest provides in-memory fakes of the AMQP connection and
// channel used by courier's RabbitMQ code.
package rabbitmqtest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/glimte/courier/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker hands out fake connections through Dial
type Broker struct {
	mu          sync.Mutex
	connections []*Connection
	dials       atomic.Int32

	// DialErr makes every dial fail
	DialErr error
	// Gate, when set, blocks each dial until it is closed
	Gate chan struct{}
}

// NewBroker creates an empty fake broker
func NewBroker() *Broker {
	return &Broker{}
}

// Dial implements rabbitmq.Dialer
func (b *Broker) Dial(url string) (rabbitmq.Connection, error) {
	b.dials.Add(1)
	if b.Gate != nil {
		<-b.Gate
	}
	if b.DialErr != nil {
		return nil, b.DialErr
	}

	conn := &Connection{}
	b.mu.Lock()
	b.connections = append(b.connections, conn)
	b.mu.Unlock()
	return conn, nil
}

// Dials reports how many dials were attempted
func (b *Broker) Dials() int {
	return int(b.dials.Load())
}

// Connections returns every connection dialed so far
func (b *Broker) Connections() []*Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Connection(nil), b.connections...)
}

// LastChannel returns the newest channel of the newest connection
func (b *Broker) LastChannel() *Channel {
	conns := b.Connections()
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1].LastChannel()
}

// Connection is a fake rabbitmq.Connection
type Connection struct {
	mu       sync.Mutex
	channels []*Channel
	closed   bool
	closes   []chan *amqp.Error
}

// Channel opens a new fake channel
func (c *Connection) Channel() (rabbitmq.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := NewChannel()
	c.channels = append(c.channels, ch)
	return ch, nil
}

// LastChannel returns the newest channel opened on the connection
func (c *Connection) LastChannel() *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.channels) == 0 {
		return nil
	}
	return c.channels[len(c.channels)-1]
}

func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes = append(c.closes, receiver)
	return receiver
}

func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close closes the connection gracefully
func (c *Connection) Close() error {
	c.shutdown(nil)
	return nil
}

// Drop simulates the broker closing the connection with an error
func (c *Connection) Drop(reason *amqp.Error) {
	c.shutdown(reason)
}

func (c *Connection) shutdown(reason *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	closes := c.closes
	c.closes = nil
	channels := append([]*Channel(nil), c.channels...)
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(reason)
	}
	for _, receiver := range closes {
		if reason != nil {
			receiver <- reason
		}
		close(receiver)
	}
}

// Publishing is a recorded publish call
type Publishing struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

// ExchangeCall is a recorded exchange declaration
type ExchangeCall struct {
	Name    string
	Kind    string
	Durable bool
}

// QueueCall is a recorded queue declaration
type QueueCall struct {
	Name      string
	Durable   bool
	Exclusive bool
	Args      amqp.Table
}

// BindCall is a recorded queue binding
type BindCall struct {
	Queue    string
	Key      string
	Exchange string
	Args     amqp.Table
}

// Channel is a fake rabbitmq.Channel
type Channel struct {
	mu         sync.Mutex
	closed     bool
	closes     []chan *amqp.Error
	consumers  map[string]chan amqp.Delivery
	queueOf    map[string]string
	generated  int
	exchanges  []ExchangeCall
	queues     []QueueCall
	bindings   []BindCall
	published  []Publishing
	cancelled  []string
	prefetch   int
	deliveryID uint64

	// PublishErr makes every publish fail
	PublishErr error
	// DeclareErr makes every exchange declaration fail
	DeclareErr error
}

// NewChannel creates an open fake channel
func NewChannel() *Channel {
	return &Channel{
		consumers: make(map[string]chan amqp.Delivery),
		queueOf:   make(map[string]string),
	}
}

func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if ch.DeclareErr != nil {
		return ch.DeclareErr
	}
	ch.exchanges = append(ch.exchanges, ExchangeCall{Name: name, Kind: kind, Durable: durable})
	return nil
}

func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if name == "" {
		ch.generated++
		name = fmt.Sprintf("amq.gen-%d", ch.generated)
	}
	ch.queues = append(ch.queues, QueueCall{Name: name, Durable: durable, Exclusive: exclusive, Args: args})
	return amqp.Queue{Name: name}, nil
}

func (ch *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.bindings = append(ch.bindings, BindCall{Queue: name, Key: key, Exchange: exchange, Args: args})
	return nil
}

func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if ch.PublishErr != nil {
		return ch.PublishErr
	}
	ch.published = append(ch.published, Publishing{Exchange: exchange, RoutingKey: key, Msg: msg})
	return nil
}

func (ch *Channel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	deliveries := make(chan amqp.Delivery, 16)
	ch.consumers[consumer] = deliveries
	ch.queueOf[consumer] = queue
	return deliveries, nil
}

func (ch *Channel) Cancel(consumer string, noWait bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.cancelled = append(ch.cancelled, consumer)
	if deliveries, ok := ch.consumers[consumer]; ok {
		close(deliveries)
		delete(ch.consumers, consumer)
		delete(ch.queueOf, consumer)
	}
	return nil
}

func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.prefetch = prefetchCount
	return nil
}

func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.closes = append(ch.closes, receiver)
	return receiver
}

func (ch *Channel) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// Close closes the channel gracefully
func (ch *Channel) Close() error {
	ch.shutdown(nil)
	return nil
}

// Drop simulates the broker closing the channel with an error
func (ch *Channel) Drop(reason *amqp.Error) {
	ch.shutdown(reason)
}

func (ch *Channel) shutdown(reason *amqp.Error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	closes := ch.closes
	ch.closes = nil
	for tag, deliveries := range ch.consumers {
		close(deliveries)
		delete(ch.consumers, tag)
	}
	ch.mu.Unlock()

	for _, receiver := range closes {
		if reason != nil {
			receiver <- reason
		}
		close(receiver)
	}
}

// Deliver pushes a message to every consumer of a queue and returns its acknowledger
func (ch *Channel) Deliver(queue string, body []byte, headers amqp.Table) *Acknowledger {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ack := &Acknowledger{done: make(chan struct{})}
	for tag, q := range ch.queueOf {
		if q != queue {
			continue
		}
		ch.deliveryID++
		ch.consumers[tag] <- amqp.Delivery{
			Acknowledger: ack,
			DeliveryTag:  ch.deliveryID,
			ConsumerTag:  tag,
			Headers:      headers,
			Body:         body,
		}
	}
	return ack
}

// Exchanges returns the recorded exchange declarations
func (ch *Channel) Exchanges() []ExchangeCall {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]ExchangeCall(nil), ch.exchanges...)
}

// Queues returns the recorded queue declarations
func (ch *Channel) Queues() []QueueCall {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]QueueCall(nil), ch.queues...)
}

// Bindings returns the recorded bindings
func (ch *Channel) Bindings() []BindCall {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]BindCall(nil), ch.bindings...)
}

// Published returns the recorded publishings
func (ch *Channel) Published() []Publishing {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]Publishing(nil), ch.published...)
}

// Cancelled returns the consumer tags passed to Cancel
func (ch *Channel) Cancelled() []string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]string(nil), ch.cancelled...)
}

// ConsumerCount returns the number of live consumers
func (ch *Channel) ConsumerCount() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.consumers)
}

// Prefetch returns the last Qos prefetch count
func (ch *Channel) Prefetch() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.prefetch
}

// Acknowledger records the settlement of a delivery
type Acknowledger struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	settled bool
	done    chan struct{}
}

func (a *Acknowledger) Ack(tag uint64, multiple bool) error {
	a.settle(func() { a.acks++ })
	return nil
}

func (a *Acknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	a.settle(func() { a.nacks++ })
	return nil
}

func (a *Acknowledger) Reject(tag uint64, requeue bool) error {
	a.settle(func() { a.nacks++ })
	return nil
}

func (a *Acknowledger) settle(record func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	record()
	if !a.settled {
		a.settled = true
		close(a.done)
	}
}

// Done is closed once the delivery has been acked or nacked
func (a *Acknowledger) Done() <-chan struct{} {
	return a.done
}

// Acks returns how many times the delivery was acked
func (a *Acknowledger) Acks() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acks
}

// Nacks returns how many times the delivery was nacked or rejected
func (a *Acknowledger) Nacks() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nacks
}
