package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/courier/contracts"
)

// ErrFiltered is returned by a FilteringInterceptor configured with SkipWithError
var ErrFiltered = errors.New("message filtered")

// Filter decides whether an envelope reaches the handler
type Filter interface {
	ShouldProcess(ctx context.Context, env contracts.Envelope) (bool, error)
}

// FilterFunc is a function adapter for Filter
type FilterFunc func(ctx context.Context, env contracts.Envelope) (bool, error)

func (f FilterFunc) ShouldProcess(ctx context.Context, env contracts.Envelope) (bool, error) {
	return f(ctx, env)
}

// SkipBehavior defines what happens when a message is filtered out
type SkipBehavior int

const (
	// SkipSilently acknowledges the message without calling the handler
	SkipSilently SkipBehavior = iota
	// SkipWithError fails the delivery with ErrFiltered
	SkipWithError
	// SkipWithLog acknowledges the message and logs that it was skipped
	SkipWithLog
)

// FilteringInterceptor drops envelopes rejected by its filter
type FilteringInterceptor struct {
	filter       Filter
	skipBehavior SkipBehavior
	logger       *slog.Logger
}

// NewFilteringInterceptor creates a filtering interceptor. logger is only
// used with SkipWithLog and may be nil.
func NewFilteringInterceptor(filter Filter, skipBehavior SkipBehavior, logger *slog.Logger) *FilteringInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilteringInterceptor{
		filter:       filter,
		skipBehavior: skipBehavior,
		logger:       logger.With("component", "interceptors.filtering"),
	}
}

func (i *FilteringInterceptor) Intercept(ctx context.Context, env contracts.Envelope, next contracts.Handler) error {
	shouldProcess, err := i.filter.ShouldProcess(ctx, env)
	if err != nil {
		return fmt.Errorf("filter error: %w", err)
	}

	if !shouldProcess {
		switch i.skipBehavior {
		case SkipWithError:
			return fmt.Errorf("%w: routingKey=%s, id=%s", ErrFiltered, env.RoutingKey, env.ID)
		case SkipWithLog:
			i.logger.Info("message skipped by filter",
				"event", "message.filtered",
				"messageId", env.ID,
				"routingKey", env.RoutingKey,
			)
		}
		return nil
	}

	return next(ctx, env)
}

func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// AllFilter passes when every filter passes
type AllFilter struct {
	filters []Filter
}

// All combines filters with AND logic
func All(filters ...Filter) *AllFilter {
	return &AllFilter{filters: filters}
}

func (f *AllFilter) ShouldProcess(ctx context.Context, env contracts.Envelope) (bool, error) {
	for _, filter := range f.filters {
		ok, err := filter.ShouldProcess(ctx, env)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// AnyFilter passes when at least one filter passes
type AnyFilter struct {
	filters []Filter
}

// Any combines filters with OR logic
func Any(filters ...Filter) *AnyFilter {
	return &AnyFilter{filters: filters}
}

func (f *AnyFilter) ShouldProcess(ctx context.Context, env contracts.Envelope) (bool, error) {
	for _, filter := range f.filters {
		ok, err := filter.ShouldProcess(ctx, env)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// RoutingKeyFilter allows a fixed set of routing keys
type RoutingKeyFilter struct {
	allowed map[string]struct{}
}

// NewRoutingKeyFilter creates a filter that only allows the given routing keys
func NewRoutingKeyFilter(keys ...string) *RoutingKeyFilter {
	allowed := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		allowed[key] = struct{}{}
	}
	return &RoutingKeyFilter{allowed: allowed}
}

func (f *RoutingKeyFilter) ShouldProcess(ctx context.Context, env contracts.Envelope) (bool, error) {
	_, ok := f.allowed[env.RoutingKey]
	return ok, nil
}

// HeaderFilter passes envelopes whose header key equals value
type HeaderFilter struct {
	key   string
	value interface{}
}

// NewHeaderFilter creates a header equality filter
func NewHeaderFilter(key string, value interface{}) *HeaderFilter {
	return &HeaderFilter{key: key, value: value}
}

func (f *HeaderFilter) ShouldProcess(ctx context.Context, env contracts.Envelope) (bool, error) {
	actual, ok := env.Headers[f.key]
	if !ok {
		return false, nil
	}
	return actual == f.value, nil
}

// ConditionalInterceptor runs an interceptor only when its condition passes
type ConditionalInterceptor struct {
	condition   Filter
	interceptor Interceptor
}

// NewConditionalInterceptor creates a conditional interceptor
func NewConditionalInterceptor(condition Filter, interceptor Interceptor) *ConditionalInterceptor {
	return &ConditionalInterceptor{
		condition:   condition,
		interceptor: interceptor,
	}
}

func (i *ConditionalInterceptor) Intercept(ctx context.Context, env contracts.Envelope, next contracts.Handler) error {
	ok, err := i.condition.ShouldProcess(ctx, env)
	if err != nil {
		return err
	}
	if ok {
		return i.interceptor.Intercept(ctx, env, next)
	}
	return next(ctx, env)
}

func (i *ConditionalInterceptor) Name() string {
	return fmt.Sprintf("ConditionalInterceptor[%s]", i.interceptor.Name())
}
