package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/glimte/courier/contracts"
)

// Registry holds named drivers and the current one. Switching is a critical
// section: a call that captured the current driver finishes against it.
type Registry struct {
	mu          sync.RWMutex
	drivers     map[string]Driver
	order       []string
	current     Driver
	lazyDefault bool
	logger      *slog.Logger
}

// RegistryOption configures the Registry
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithLazyDefault makes Current fall back to the first registered driver
// when none was initialized
func WithLazyDefault() RegistryOption {
	return func(r *Registry) {
		r.lazyDefault = true
	}
}

// NewRegistry creates an empty registry
func NewRegistry(options ...RegistryOption) *Registry {
	r := &Registry{
		drivers: make(map[string]Driver),
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(r)
	}
	r.logger = r.logger.With("component", "messaging.registry")

	return r
}

// Register adds a driver under its name, replacing any driver of the same name
func (r *Registry) Register(driver Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := driver.Name()
	if _, exists := r.drivers[name]; !exists {
		r.order = append(r.order, name)
	}
	r.drivers[name] = driver
	r.logger.Debug("messaging driver registered", "event", "messaging.driver.registered", "driver", name)
}

// Has reports whether a driver is registered under name
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.drivers[name]
	return ok
}

// Names returns the registered driver names sorted alphabetically
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) lookup(op, name string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	driver, ok := r.drivers[name]
	if !ok {
		return nil, &contracts.ConfigurationError{
			Op:  op,
			Err: fmt.Errorf("%w %q (available: %v)", contracts.ErrUnknownDriver, name, r.namesLocked()),
		}
	}
	return driver, nil
}

// Init connects the named driver and makes it current
func (r *Registry) Init(ctx context.Context, name string) error {
	driver, err := r.lookup("registry.init", name)
	if err != nil {
		return err
	}
	if err := driver.Connect(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	r.current = driver
	r.mu.Unlock()

	r.logger.Info("messaging driver initialized", "event", "messaging.driver.initialized", "driver", name)
	return nil
}

// Use makes the named driver current without connecting it
func (r *Registry) Use(name string) error {
	driver, err := r.lookup("registry.use", name)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.current = driver
	r.mu.Unlock()
	return nil
}

// SwitchTo connects the named driver, makes it current and then disconnects
// the previous one. If the new driver fails to connect nothing changes.
func (r *Registry) SwitchTo(ctx context.Context, name string) error {
	next, err := r.lookup("registry.switch", name)
	if err != nil {
		return err
	}
	if err := next.Connect(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	previous := r.current
	r.current = next
	r.mu.Unlock()

	r.logger.Info("messaging driver switched", "event", "messaging.driver.switched", "driver", name)

	if previous != nil && previous != next {
		if err := previous.Disconnect(ctx); err != nil {
			r.logger.Warn("failed to disconnect previous driver",
				"event", "messaging.driver.disconnect.failed",
				"driver", previous.Name(),
				"error", err,
			)
		}
	}
	return nil
}

// Current returns the current driver, or a NotInitializedError
func (r *Registry) Current() (Driver, error) {
	r.mu.RLock()
	current := r.current
	var fallback Driver
	if current == nil && r.lazyDefault && len(r.order) > 0 {
		fallback = r.drivers[r.order[0]]
	}
	registered := r.namesLocked()
	r.mu.RUnlock()

	if current != nil {
		return current, nil
	}
	if fallback != nil {
		r.mu.Lock()
		if r.current == nil {
			r.current = fallback
		}
		current = r.current
		r.mu.Unlock()
		return current, nil
	}
	return nil, &contracts.NotInitializedError{Registered: registered}
}

// CurrentName returns the name of the current driver, or "" when none
func (r *Registry) CurrentName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current == nil {
		return ""
	}
	return r.current.Name()
}

// Disconnect disconnects the current driver and clears it
func (r *Registry) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	current := r.current
	r.current = nil
	r.mu.Unlock()

	if current == nil {
		return nil
	}
	return current.Disconnect(ctx)
}
