// Package memory provides an in-process messaging driver that emulates
// exchange routing and tiered retries without a broker.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/glimte/courier/contracts"
	"github.com/glimte/courier/internal/reliability"
)

// DriverName is the registry name of the in-process driver
const DriverName = "memory"

// Timer is a scheduled retry that can be cancelled
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d
type AfterFunc func(d time.Duration, f func()) Timer

func stdAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type subscription struct {
	exchange       string
	exchangeType   contracts.ExchangeType
	bindingKey     string
	bindingHeaders map[string]interface{}
	pattern        *regexp.Regexp
	handler        contracts.Handler
	policy         contracts.RetryPolicy
}

// Driver delivers published envelopes to in-process subscriptions
type Driver struct {
	retryPolicy contracts.RetryPolicy
	afterFunc   AfterFunc
	logger      *slog.Logger

	mu            sync.RWMutex
	subscriptions []*subscription

	timersMu   sync.Mutex
	timers     map[uint64]Timer
	nextTimer  uint64
	generation uint64
	active     map[uint64]int
	drained    *sync.Cond
}

// Option configures the Driver
type Option func(*Driver)

// WithRetryPolicy sets the default retry policy for subscriptions
func WithRetryPolicy(policy contracts.RetryPolicy) Option {
	return func(d *Driver) {
		d.retryPolicy = policy
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) {
		d.logger = logger
	}
}

// WithAfterFunc replaces time.AfterFunc for scheduling retries
func WithAfterFunc(fn AfterFunc) Option {
	return func(d *Driver) {
		d.afterFunc = fn
	}
}

// NewDriver creates an in-process driver
func NewDriver(options ...Option) *Driver {
	d := &Driver{
		retryPolicy: contracts.DefaultRetryPolicy(),
		afterFunc:   stdAfterFunc,
		logger:      slog.Default(),
		timers:      make(map[uint64]Timer),
		active:      make(map[uint64]int),
	}
	d.drained = sync.NewCond(&d.timersMu)

	for _, opt := range options {
		opt(d)
	}
	d.logger = d.logger.With("component", "messaging.memory")

	return d
}

// Name returns the registry name
func (d *Driver) Name() string {
	return DriverName
}

// Connect is a no-op; the driver is always ready
func (d *Driver) Connect(ctx context.Context) error {
	return nil
}

// Disconnect cancels pending retries, removes every subscription and waits
// for handlers that are still running. Retries whose timer already fired are
// discarded. It must not be called from inside a handler.
func (d *Driver) Disconnect(ctx context.Context) error {
	d.timersMu.Lock()
	last := d.generation
	d.generation++
	for id, timer := range d.timers {
		timer.Stop()
		delete(d.timers, id)
	}
	d.timersMu.Unlock()

	d.mu.Lock()
	d.subscriptions = nil
	d.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		d.timersMu.Lock()
		for d.inFlight(last) > 0 {
			d.drained.Wait()
		}
		d.timersMu.Unlock()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		d.logger.Warn("handlers still running at disconnect", "event", "memory.disconnect.timeout", "error", ctx.Err())
		return ctx.Err()
	}

	d.logger.Debug("memory driver disconnected", "event", "memory.disconnected")
	return nil
}

// inFlight counts running deliveries of generation up to and including last.
// Callers hold timersMu.
func (d *Driver) inFlight(last uint64) int {
	n := 0
	for generation, count := range d.active {
		if generation <= last {
			n += count
		}
	}
	return n
}

// begin admits a delivery if generation is still current
func (d *Driver) begin(generation uint64) bool {
	d.timersMu.Lock()
	defer d.timersMu.Unlock()
	if d.generation != generation {
		return false
	}
	d.active[generation]++
	return true
}

func (d *Driver) end(generation uint64) {
	d.timersMu.Lock()
	defer d.timersMu.Unlock()
	d.active[generation]--
	if d.active[generation] <= 0 {
		delete(d.active, generation)
		d.drained.Broadcast()
	}
}

// Subscribe binds handler to topic on the options' exchange
func (d *Driver) Subscribe(ctx context.Context, topic string, handler contracts.Handler, opts contracts.SubscribeOptions) error {
	if err := opts.RequireExchange(DriverName); err != nil {
		return err
	}
	exchangeType := opts.ExchangeType.OrDefault(contracts.ExchangeDirect)
	if !exchangeType.Valid() {
		return &contracts.ConfigurationError{Op: DriverName + ".subscribe", Err: fmt.Errorf("unsupported exchange type %q", opts.ExchangeType)}
	}

	policy := d.retryPolicy.Merge(opts.RetryPolicy)
	if err := policy.Validate(); err != nil {
		return err
	}

	sub := &subscription{
		exchange:       opts.Exchange,
		exchangeType:   exchangeType,
		bindingKey:     topic,
		bindingHeaders: opts.BindingHeaders,
		handler:        handler,
		policy:         policy,
	}
	pattern, err := compileTopic(topic)
	if err != nil {
		return &contracts.ConfigurationError{Op: DriverName + ".subscribe", Err: fmt.Errorf("invalid topic binding %q: %w", topic, err)}
	}
	sub.pattern = pattern

	d.mu.Lock()
	d.subscriptions = append(d.subscriptions, sub)
	d.mu.Unlock()

	d.logger.Debug("subscribed to topic in memory with retry policy",
		"event", "memory.topic.subscribed",
		"topic", topic,
		"exchange", opts.Exchange,
		"maxRetries", policy.MaxRetries,
		"delayTiers", policy.DelayTiers,
	)
	return nil
}

// Publish delivers env to every matching subscription in subscription order.
// The first attempt runs inline; handler failures never reach the caller.
func (d *Driver) Publish(ctx context.Context, env contracts.Envelope, opts contracts.PublishOptions) error {
	if err := opts.RequireExchange(DriverName); err != nil {
		return err
	}
	exchangeType := opts.ExchangeType.OrDefault(contracts.ExchangeDirect)
	if !exchangeType.Valid() {
		return &contracts.ConfigurationError{Op: DriverName + ".publish", Err: fmt.Errorf("unsupported exchange type %q", opts.ExchangeType)}
	}

	// read the generation first so a Disconnect racing the snapshot below
	// turns every delivery away in begin
	d.timersMu.Lock()
	generation := d.generation
	d.timersMu.Unlock()

	d.mu.RLock()
	matched := make([]*subscription, 0, len(d.subscriptions))
	for _, sub := range d.subscriptions {
		if sub.exchange == opts.Exchange && sub.routes(exchangeType, env.RoutingKey, opts.Headers) {
			matched = append(matched, sub)
		}
	}
	d.mu.RUnlock()

	for _, sub := range matched {
		if !d.begin(generation) {
			return nil
		}
		d.deliver(ctx, sub, env, 0, generation)
		d.end(generation)
	}
	return nil
}

func (d *Driver) deliver(ctx context.Context, sub *subscription, env contracts.Envelope, retryCount int, generation uint64) {
	err := reliability.Invoke(ctx, sub.handler, env)
	if err == nil {
		d.logger.Debug("message processed successfully",
			"event", "memory.message.processed",
			"topic", sub.bindingKey,
			"retryCount", retryCount,
		)
		return
	}

	d.logger.Error("error processing message",
		"event", "memory.message.error",
		"topic", sub.bindingKey,
		"retryCount", retryCount,
		"error", err,
	)

	decision := reliability.Decide(sub.policy, retryCount)
	if decision.State == reliability.StateDropped {
		d.logger.Error("message discarded after max retries",
			"event", "memory.message.discarded",
			"topic", sub.bindingKey,
			"retryCount", retryCount,
			"maxRetries", sub.policy.MaxRetries,
			"error", &contracts.HandlerError{Topic: sub.bindingKey, MessageID: env.ID, RetryCount: retryCount, Err: err},
			"payload", env.Payload,
			"messageId", env.ID,
			"routingKey", env.RoutingKey,
			"timestamp", env.Timestamp,
		)
		return
	}

	d.logger.Warn("scheduling retry",
		"event", "memory.message.retry.scheduled",
		"topic", sub.bindingKey,
		"retryCount", decision.NextRetryCount,
		"tier", decision.Tier,
		"delay", decision.Delay,
	)
	d.schedule(ctx, sub, env, decision, generation)
}

func (d *Driver) schedule(ctx context.Context, sub *subscription, env contracts.Envelope, decision reliability.Decision, generation uint64) {
	retryCtx := context.WithoutCancel(ctx)

	d.timersMu.Lock()
	defer d.timersMu.Unlock()
	if d.generation != generation {
		return
	}

	d.nextTimer++
	id := d.nextTimer
	d.timers[id] = d.afterFunc(decision.Delay, func() {
		d.timersMu.Lock()
		_, pending := d.timers[id]
		delete(d.timers, id)
		admitted := pending && d.generation == generation
		if admitted {
			d.active[generation]++
		}
		d.timersMu.Unlock()

		if !admitted {
			return
		}
		d.deliver(retryCtx, sub, env, decision.NextRetryCount, generation)
		d.end(generation)
	})
}

// PendingRetries returns the number of scheduled, unfired retries
func (d *Driver) PendingRetries() int {
	d.timersMu.Lock()
	defer d.timersMu.Unlock()
	return len(d.timers)
}
