package messaging

import (
	"context"
	"fmt"

	"github.com/glimte/courier/contracts"
)

// Subscription is a handler declared for registration at startup
type Subscription struct {
	Topic   string
	Handler contracts.Handler
	Options contracts.SubscribeOptions
}

// Registrar collects subscriptions and registers them in declaration order
type Registrar struct {
	subscriptions []Subscription
}

// NewRegistrar creates a registrar with optional initial subscriptions
func NewRegistrar(subscriptions ...Subscription) *Registrar {
	return &Registrar{subscriptions: subscriptions}
}

// Add appends subscriptions
func (r *Registrar) Add(subscriptions ...Subscription) *Registrar {
	r.subscriptions = append(r.subscriptions, subscriptions...)
	return r
}

// Len returns the number of collected subscriptions
func (r *Registrar) Len() int {
	return len(r.subscriptions)
}

// RegisterAll subscribes each entry once. The first failure stops registration.
func (r *Registrar) RegisterAll(ctx context.Context, subscriber Subscriber) error {
	for _, sub := range r.subscriptions {
		if err := subscriber.Subscribe(ctx, sub.Topic, sub.Handler, sub.Options); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", sub.Topic, err)
		}
	}
	return nil
}
