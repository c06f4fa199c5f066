package messaging

import (
	"context"
	"fmt"

	"github.com/glimte/courier/contracts"
)

// Settings selects the messaging driver at startup
type Settings struct {
	Enabled bool
	Driver  string
}

// Initialize makes the configured driver current. With messaging disabled
// the noop driver is registered and used instead.
func Initialize(ctx context.Context, registry *Registry, settings Settings) error {
	if !settings.Enabled {
		registry.Register(NewNoopDriver())
		return registry.Init(ctx, NoopDriverName)
	}

	if settings.Driver == "" {
		return &contracts.ConfigurationError{Op: "messaging.initialize", Err: fmt.Errorf("no driver configured (available: %v)", registry.Names())}
	}
	if !registry.Has(settings.Driver) {
		return &contracts.ConfigurationError{
			Op:  "messaging.initialize",
			Err: fmt.Errorf("%w %q (available: %v)", contracts.ErrUnknownDriver, settings.Driver, registry.Names()),
		}
	}
	return registry.Init(ctx, settings.Driver)
}
