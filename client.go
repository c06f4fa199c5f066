// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package courier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/courier/config"
	"github.com/glimte/courier/contracts"
	"github.com/glimte/courier/health"
	"github.com/glimte/courier/interceptors"
	"github.com/glimte/courier/internal/rabbitmq"
	"github.com/glimte/courier/messaging"
	"github.com/glimte/courier/outbox"
	"github.com/glimte/courier/outbox/memstore"
	"github.com/glimte/courier/outbox/postgres"
	"github.com/glimte/courier/outbox/redisstore"
	"github.com/glimte/courier/transports/memory"
	rabbitTransport "github.com/glimte/courier/transports/rabbitmq"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Client provides the main entry point for courier. It owns the driver
// registry, the messaging service, the outbox and its processor.
type Client struct {
	cfg         *config.Config
	logger      *slog.Logger
	registry    *messaging.Registry
	messages    *messaging.Service
	connections *rabbitmq.ConnectionManager
	store       outbox.Store
	outbox      *outbox.Service
	processor   *outbox.Processor
	health      *health.Registry
	closers     []func() error
}

// clientConfig holds client construction options
type clientConfig struct {
	logger         *slog.Logger
	store          outbox.Store
	tracerProvider trace.TracerProvider
	subscriptions  []messaging.Subscription
	interceptors   []interceptors.Interceptor
	dialer         rabbitmq.Dialer
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithStore uses store instead of the one selected by outbox.store
func WithStore(store outbox.Store) ClientOption {
	return func(cfg *clientConfig) {
		cfg.store = store
	}
}

// WithTracerProvider sets the tracer provider used for messaging spans
func WithTracerProvider(provider trace.TracerProvider) ClientOption {
	return func(cfg *clientConfig) {
		cfg.tracerProvider = provider
	}
}

// WithSubscriptions registers handlers once the messaging driver is initialized
func WithSubscriptions(subscriptions ...messaging.Subscription) ClientOption {
	return func(cfg *clientConfig) {
		cfg.subscriptions = append(cfg.subscriptions, subscriptions...)
	}
}

// WithInterceptors wraps every subscribed handler, first interceptor outermost
func WithInterceptors(list ...interceptors.Interceptor) ClientOption {
	return func(cfg *clientConfig) {
		cfg.interceptors = append(cfg.interceptors, list...)
	}
}

func withDialer(dialer rabbitmq.Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = dialer
	}
}

// NewClient builds and initializes every component described by cfg. On
// failure, resources opened so far are released.
func NewClient(ctx context.Context, cfg *config.Config, options ...ClientOption) (client *Client, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &clientConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(opts)
	}

	c := &Client{
		cfg:      cfg,
		logger:   opts.logger,
		registry: messaging.NewRegistry(messaging.WithRegistryLogger(opts.logger)),
		health:   health.NewRegistry(),
	}
	defer func() {
		if err != nil {
			_ = c.Close(context.WithoutCancel(ctx))
		}
	}()

	serviceOptions := []messaging.ServiceOption{messaging.WithServiceLogger(opts.logger)}
	if opts.tracerProvider != nil {
		serviceOptions = append(serviceOptions, messaging.WithTracerProvider(opts.tracerProvider))
	}
	if len(opts.interceptors) > 0 {
		serviceOptions = append(serviceOptions, messaging.WithInterceptors(opts.interceptors...))
	}
	c.messages = messaging.NewService(c.registry, serviceOptions...)

	c.registerDrivers(opts)

	if err := messaging.Initialize(ctx, c.registry, messaging.Settings{
		Enabled: cfg.Messaging.Enabled,
		Driver:  cfg.Messaging.Driver,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize messaging: %w", err)
	}

	if err := messaging.NewRegistrar(opts.subscriptions...).RegisterAll(ctx, c.messages); err != nil {
		return nil, err
	}

	c.store = opts.store
	if c.store == nil {
		if c.store, err = c.openStore(ctx); err != nil {
			return nil, err
		}
	}

	c.outbox = outbox.NewService(c.store, c.messages,
		outbox.WithLogger(opts.logger),
		outbox.WithMaxRetries(cfg.Outbox.MaxRetries),
		outbox.WithBatchSize(cfg.Outbox.BatchSize),
	)
	c.processor = outbox.NewProcessor(c.outbox,
		outbox.WithInterval(cfg.Outbox.Interval),
		outbox.WithEnabled(cfg.Outbox.Enabled && cfg.Messaging.Enabled),
		outbox.WithProcessorLogger(opts.logger),
	)

	c.registerHealthChecks()

	c.logger.Info("Courier client initialized",
		"driver", c.registry.CurrentName(),
		"outboxStore", cfg.Outbox.Store,
		"processorEnabled", c.processor.Enabled())
	return c, nil
}

func (c *Client) registerDrivers(opts *clientConfig) {
	c.registry.Register(memory.NewDriver(
		memory.WithRetryPolicy(c.cfg.Memory.Retry.Policy()),
		memory.WithLogger(opts.logger),
	))

	if c.cfg.RabbitMQ.URL == "" {
		return
	}

	connOptions := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(opts.logger),
		rabbitmq.WithPrefetch(c.cfg.RabbitMQ.Prefetch),
		rabbitmq.WithRetryPolicy(c.cfg.RabbitMQ.Retry.Policy()),
	}
	if c.cfg.RabbitMQ.ConnectTimeout > 0 {
		connOptions = append(connOptions, rabbitmq.WithConnectTimeout(c.cfg.RabbitMQ.ConnectTimeout))
	}
	if opts.dialer != nil {
		connOptions = append(connOptions, rabbitmq.WithDialer(opts.dialer))
	}

	c.connections = rabbitmq.NewConnectionManager(c.cfg.RabbitMQ.URL, connOptions...)
	c.registry.Register(rabbitTransport.NewDriver(c.connections, rabbitTransport.WithLogger(opts.logger)))
}

func (c *Client) openStore(ctx context.Context) (outbox.Store, error) {
	switch c.cfg.Outbox.Store {
	case config.StorePostgres:
		pool, err := postgres.Connect(ctx, c.cfg.Postgres.DSN, c.cfg.Postgres.MaxConns)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, func() error {
			pool.Close()
			return nil
		})
		if c.cfg.Postgres.AutoMigrate {
			if err := postgres.Migrate(ctx, pool); err != nil {
				return nil, err
			}
		}
		return postgres.NewStore(pool, postgres.WithTable(c.cfg.Postgres.Table)), nil

	case config.StoreRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     c.cfg.Redis.Addr,
			Password: c.cfg.Redis.Password,
			DB:       c.cfg.Redis.DB,
		})
		c.closers = append(c.closers, rdb.Close)
		store := redisstore.New(rdb, redisstore.WithPrefix(c.cfg.Redis.Prefix))
		if err := store.Ping(ctx); err != nil {
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		return store, nil

	default:
		return memstore.New(), nil
	}
}

func (c *Client) registerHealthChecks() {
	c.health.Register(health.NewMessagingChecker(c.registry))
	if c.connections != nil && c.registry.CurrentName() == rabbitTransport.DriverName {
		c.health.Register(health.NewBrokerChecker(rabbitTransport.DriverName, c.connections))
	}
	c.health.Register(health.NewOutboxBacklogChecker(c.store, health.BacklogThresholds{Failed: 1}))
	c.health.SetMetadata("driver", c.registry.CurrentName())
	c.health.SetMetadata("outboxStore", c.cfg.Outbox.Store)
}

// Publish sends env through the current driver
func (c *Client) Publish(ctx context.Context, env contracts.Envelope, opts contracts.PublishOptions) error {
	return c.messages.Publish(ctx, env, opts)
}

// Subscribe registers handler on the current driver
func (c *Client) Subscribe(ctx context.Context, topic string, handler contracts.Handler, opts contracts.SubscribeOptions) error {
	return c.messages.Subscribe(ctx, topic, handler, opts)
}

// Enqueue records env in the outbox for the processor to publish
func (c *Client) Enqueue(ctx context.Context, env contracts.Envelope, opts *contracts.PublishOptions) error {
	return c.outbox.Enqueue(ctx, env, opts)
}

// ProcessOutbox runs a single outbox pass
func (c *Client) ProcessOutbox(ctx context.Context) (outbox.ProcessResult, error) {
	return c.processor.RunOnce(ctx)
}

// Run drives the outbox processor until ctx is done
func (c *Client) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		c.processor.Start(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		c.processor.Stop()
		return nil
	})

	return g.Wait()
}

// CheckHealth runs every registered health check
func (c *Client) CheckHealth(ctx context.Context) health.Report {
	return c.health.Check(ctx)
}

// Messaging returns the messaging service
func (c *Client) Messaging() *messaging.Service {
	return c.messages
}

// Registry returns the driver registry
func (c *Client) Registry() *messaging.Registry {
	return c.registry
}

// Outbox returns the outbox service
func (c *Client) Outbox() *outbox.Service {
	return c.outbox
}

// Processor returns the outbox processor
func (c *Client) Processor() *outbox.Processor {
	return c.processor
}

// Store returns the outbox store
func (c *Client) Store() outbox.Store {
	return c.store
}

// Health returns the health registry, for registering extra checks
func (c *Client) Health() *health.Registry {
	return c.health
}

// Close stops the processor, disconnects the current driver and releases
// the broker connection and store clients
func (c *Client) Close(ctx context.Context) error {
	var errs []error

	if c.processor != nil {
		c.processor.Stop()
	}
	if err := c.registry.Disconnect(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to disconnect messaging driver: %w", err))
	}
	if c.connections != nil {
		if err := c.connections.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close broker connection: %w", err))
		}
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil

	return errors.Join(errs...)
}
