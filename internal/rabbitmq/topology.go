package rabbitmq

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/courier/contracts"
	"github.com/glimte/courier/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// TopologyManager declares exchanges, queues and bindings
type TopologyManager struct {
	channels ChannelProvider
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology represents a set of declarations applied together
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(channels ChannelProvider) *TopologyManager {
	return &TopologyManager{
		channels: channels,
	}
}

// RetryExchangeName returns the retry exchange of a queue
func RetryExchangeName(queue string) string {
	return queue + ".retry"
}

// RetryQueueName returns the retry queue of a queue for a 1-indexed tier
func RetryQueueName(queue string, tier int) string {
	return fmt.Sprintf("%s.retry.%s", queue, reliability.TierRoutingKey(tier))
}

// RetryTopology builds one TTL queue per delay tier. Each tier queue is bound
// to the retry exchange under tier{N} and dead-letters back to the original
// queue through the default exchange once the TTL expires.
func RetryTopology(queue string, policy contracts.RetryPolicy) (Topology, error) {
	if queue == "" {
		return Topology{}, fmt.Errorf("%w: retry topology requires a named queue", ErrInvalidTopology)
	}
	if len(policy.DelayTiers) == 0 {
		return Topology{}, fmt.Errorf("%w: retry topology requires at least one delay tier", ErrInvalidTopology)
	}

	exchange := RetryExchangeName(queue)
	topology := Topology{
		Exchanges: []ExchangeDeclaration{
			{Name: exchange, Type: string(contracts.ExchangeDirect), Durable: true},
		},
	}

	for i, delay := range policy.DelayTiers {
		tier := i + 1
		name := RetryQueueName(queue, tier)
		topology.Queues = append(topology.Queues, QueueDeclaration{
			Name:    name,
			Durable: true,
			Arguments: amqp.Table{
				"x-message-ttl":             ttlMillis(delay),
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": queue,
			},
		})
		topology.Bindings = append(topology.Bindings, Binding{
			Queue:      name,
			Exchange:   exchange,
			RoutingKey: reliability.TierRoutingKey(tier),
		})
	}

	return topology, nil
}

func ttlMillis(d time.Duration) int64 {
	return d.Milliseconds()
}

// DeclareTopology declares the complete topology
func (tm *TopologyManager) DeclareTopology(ctx context.Context, topology Topology) error {
	ch, err := tm.channels.Channel(ctx)
	if err != nil {
		return err
	}

	for _, exchange := range topology.Exchanges {
		if err := tm.declareExchange(ch, exchange); err != nil {
			return err
		}
	}

	for _, queue := range topology.Queues {
		if _, err := tm.declareQueue(ch, queue); err != nil {
			return err
		}
	}

	for _, binding := range topology.Bindings {
		if err := tm.bindQueue(ch, binding); err != nil {
			return err
		}
	}

	return nil
}

// DeclareExchange declares a single exchange
func (tm *TopologyManager) DeclareExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	ch, err := tm.channels.Channel(ctx)
	if err != nil {
		return err
	}
	return tm.declareExchange(ch, exchange)
}

// DeclareQueue declares a single queue
func (tm *TopologyManager) DeclareQueue(ctx context.Context, queue QueueDeclaration) (amqp.Queue, error) {
	ch, err := tm.channels.Channel(ctx)
	if err != nil {
		return amqp.Queue{}, err
	}
	return tm.declareQueue(ch, queue)
}

// BindQueue creates a queue binding
func (tm *TopologyManager) BindQueue(ctx context.Context, binding Binding) error {
	ch, err := tm.channels.Channel(ctx)
	if err != nil {
		return err
	}
	return tm.bindQueue(ch, binding)
}

func (tm *TopologyManager) declareExchange(ch Channel, exchange ExchangeDeclaration) error {
	err := ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return nil
}

func (tm *TopologyManager) declareQueue(ch Channel, queue QueueDeclaration) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return q, &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return q, nil
}

func (tm *TopologyManager) bindQueue(ch Channel, binding Binding) error {
	err := ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return &TopologyError{
			Component: "binding",
			Name:      fmt.Sprintf("%s->%s", binding.Exchange, binding.Queue),
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}
