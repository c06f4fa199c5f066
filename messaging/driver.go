package messaging

import (
	"context"

	"github.com/glimte/courier/contracts"
)

// Driver is a messaging transport. Connect and Disconnect are idempotent;
// handler failures are retried by the driver and never returned from Publish.
type Driver interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Publish(ctx context.Context, env contracts.Envelope, opts contracts.PublishOptions) error
	Subscribe(ctx context.Context, topic string, handler contracts.Handler, opts contracts.SubscribeOptions) error
}

// NoopDriverName is the registry name of the noop driver
const NoopDriverName = "noop"

// NoopDriver accepts every call and delivers nothing. It stands in when
// messaging is disabled.
type NoopDriver struct{}

// NewNoopDriver creates a noop driver
func NewNoopDriver() *NoopDriver {
	return &NoopDriver{}
}

func (NoopDriver) Name() string { return NoopDriverName }

func (NoopDriver) Connect(ctx context.Context) error { return nil }

func (NoopDriver) Disconnect(ctx context.Context) error { return nil }

func (NoopDriver) Publish(ctx context.Context, env contracts.Envelope, opts contracts.PublishOptions) error {
	return nil
}

func (NoopDriver) Subscribe(ctx context.Context, topic string, handler contracts.Handler, opts contracts.SubscribeOptions) error {
	return nil
}
