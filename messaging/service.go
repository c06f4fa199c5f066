package messaging

import (
	"context"
	"log/slog"

	"github.com/glimte/courier/contracts"
	"github.com/glimte/courier/interceptors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/glimte/courier/messaging"

// Publisher is the publish side of the Service, used by the outbox
type Publisher interface {
	Publish(ctx context.Context, env contracts.Envelope, opts contracts.PublishOptions) error
}

// Subscriber is the subscribe side of the Service, used by the Registrar
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handler contracts.Handler, opts contracts.SubscribeOptions) error
}

// Service delegates to the registry's current driver
type Service struct {
	registry *Registry
	tracer   trace.Tracer
	logger   *slog.Logger
	chain    *interceptors.Chain
}

// ServiceOption configures the Service
type ServiceOption func(*Service)

// WithServiceLogger sets the logger
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithTracerProvider sets the tracer provider; the global provider is used otherwise
func WithTracerProvider(provider trace.TracerProvider) ServiceOption {
	return func(s *Service) {
		s.tracer = provider.Tracer(tracerName)
	}
}

// WithInterceptors wraps every subscribed handler with the given interceptors
func WithInterceptors(list ...interceptors.Interceptor) ServiceOption {
	return func(s *Service) {
		for _, interceptor := range list {
			s.chain.Add(interceptor)
		}
	}
}

// NewService creates a messaging service over a registry
func NewService(registry *Registry, options ...ServiceOption) *Service {
	s := &Service{
		registry: registry,
		tracer:   otel.Tracer(tracerName),
		logger:   slog.Default(),
		chain:    interceptors.NewChain(),
	}

	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With("component", "messaging.service")

	return s
}

// Publish sends env through the current driver
func (s *Service) Publish(ctx context.Context, env contracts.Envelope, opts contracts.PublishOptions) error {
	ctx, span := s.tracer.Start(ctx, "messaging.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.message.id", env.ID),
			attribute.String("messaging.destination.name", opts.Exchange),
			attribute.String("messaging.rabbitmq.destination.routing_key", env.RoutingKey),
		),
	)
	defer span.End()

	driver, err := s.registry.Current()
	if err != nil {
		return recordError(span, err)
	}
	span.SetAttributes(attribute.String("messaging.system", driver.Name()))

	if err := driver.Publish(ctx, env, opts); err != nil {
		return recordError(span, err)
	}
	return nil
}

// Subscribe registers handler for topic on the current driver
func (s *Service) Subscribe(ctx context.Context, topic string, handler contracts.Handler, opts contracts.SubscribeOptions) error {
	ctx, span := s.tracer.Start(ctx, "messaging.subscribe",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", opts.Exchange),
			attribute.String("messaging.topic", topic),
		),
	)
	defer span.End()

	driver, err := s.registry.Current()
	if err != nil {
		return recordError(span, err)
	}
	span.SetAttributes(attribute.String("messaging.system", driver.Name()))

	s.logger.Debug("subscribing to topic",
		"event", "messaging.topic.subscribe",
		"topic", topic,
		"exchange", opts.Exchange,
		"driver", driver.Name(),
	)

	if err := driver.Subscribe(ctx, topic, s.chain.Wrap(handler), opts); err != nil {
		return recordError(span, err)
	}
	return nil
}

func recordError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
