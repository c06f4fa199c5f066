package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/courier/contracts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/glimte/courier/interceptors"

// Interceptor processes envelopes before they reach the handler
type Interceptor interface {
	// Intercept handles env and calls next to continue the chain
	Intercept(ctx context.Context, env contracts.Envelope, next contracts.Handler) error

	// Name returns the interceptor name for logging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, env contracts.Envelope, next contracts.Handler) error
}

// NewInterceptorFunc creates a function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, env contracts.Envelope, next contracts.Handler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

func (i *InterceptorFunc) Intercept(ctx context.Context, env contracts.Envelope, next contracts.Handler) error {
	return i.fn(ctx, env, next)
}

func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain is an ordered list of interceptors
type Chain struct {
	interceptors []Interceptor
}

// NewChain creates a chain; the first interceptor runs outermost
func NewChain(interceptors ...Interceptor) *Chain {
	return &Chain{interceptors: append([]Interceptor(nil), interceptors...)}
}

// Add appends an interceptor to the chain
func (c *Chain) Add(interceptor Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.interceptors)
}

// Names returns interceptor names in execution order
func (c *Chain) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.interceptors))
	for _, interceptor := range c.interceptors {
		names = append(names, interceptor.Name())
	}
	return names
}

// Execute runs env through the chain and then final
func (c *Chain) Execute(ctx context.Context, env contracts.Envelope, final contracts.Handler) error {
	return c.Wrap(final)(ctx, env)
}

// Wrap returns a handler that runs the chain in front of final. The chain's
// contents are captured when Wrap is called.
func (c *Chain) Wrap(final contracts.Handler) contracts.Handler {
	if c.Len() == 0 {
		return final
	}

	// Build the chain in reverse order
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = func(ctx context.Context, env contracts.Envelope) error {
			return interceptor.Intercept(ctx, env, next)
		}
	}
	return handler
}

// LoggingInterceptor logs each delivery with its duration
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger.With("component", "interceptors.logging")}
}

func (i *LoggingInterceptor) Intercept(ctx context.Context, env contracts.Envelope, next contracts.Handler) error {
	start := time.Now()

	i.logger.Debug("processing message",
		"event", "message.processing",
		"messageId", env.ID,
		"routingKey", env.RoutingKey,
	)

	err := next(ctx, env)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error("message processing failed",
			"event", "message.failed",
			"messageId", env.ID,
			"routingKey", env.RoutingKey,
			"duration", duration,
			"error", err,
		)
	} else {
		i.logger.Info("message processed successfully",
			"event", "message.processed",
			"messageId", env.ID,
			"routingKey", env.RoutingKey,
			"duration", duration,
		)
	}

	return err
}

func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// TracingInterceptor starts a consumer span around each delivery
type TracingInterceptor struct {
	tracer trace.Tracer
}

// NewTracingInterceptor creates a tracing interceptor. A nil provider uses
// the global one.
func NewTracingInterceptor(provider trace.TracerProvider) *TracingInterceptor {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return &TracingInterceptor{tracer: provider.Tracer(tracerName)}
}

func (i *TracingInterceptor) Intercept(ctx context.Context, env contracts.Envelope, next contracts.Handler) error {
	ctx, span := i.tracer.Start(ctx, "messaging.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.message.id", env.ID),
			attribute.String("messaging.destination.name", env.Exchange),
			attribute.String("messaging.rabbitmq.destination.routing_key", env.RoutingKey),
		),
	)
	defer span.End()

	err := next(ctx, env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (i *TracingInterceptor) Name() string {
	return "TracingInterceptor"
}

// TimeoutInterceptor fails deliveries whose handler outlives a deadline
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

func (i *TimeoutInterceptor) Intercept(ctx context.Context, env contracts.Envelope, next contracts.Handler) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- next(timeoutCtx, env)
	}()

	select {
	case err := <-done:
		return err
	case <-timeoutCtx.Done():
		return fmt.Errorf("message processing timeout after %v for message %s: %w", i.timeout, env.ID, timeoutCtx.Err())
	}
}

func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}
