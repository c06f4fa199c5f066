package interceptors

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/glimte/courier/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockFilter struct {
	mock.Mock
}

func (m *mockFilter) ShouldProcess(ctx context.Context, env contracts.Envelope) (bool, error) {
	args := m.Called(ctx, env)
	return args.Bool(0), args.Error(1)
}

type countingHandler struct {
	calls int
}

func (c *countingHandler) handle(ctx context.Context, env contracts.Envelope) error {
	c.calls++
	return nil
}

func TestFilteringInterceptor(t *testing.T) {
	env := contracts.NewEnvelope("order.created", nil)

	t.Run("allows message when filter returns true", func(t *testing.T) {
		filter := new(mockFilter)
		filter.On("ShouldProcess", mock.Anything, env).Return(true, nil)
		counter := &countingHandler{}

		err := NewFilteringInterceptor(filter, SkipSilently, nil).Intercept(context.Background(), env, counter.handle)

		assert.NoError(t, err)
		assert.Equal(t, 1, counter.calls)
		filter.AssertExpectations(t)
	})

	t.Run("skips silently", func(t *testing.T) {
		filter := new(mockFilter)
		filter.On("ShouldProcess", mock.Anything, env).Return(false, nil)
		counter := &countingHandler{}

		err := NewFilteringInterceptor(filter, SkipSilently, nil).Intercept(context.Background(), env, counter.handle)

		assert.NoError(t, err)
		assert.Zero(t, counter.calls)
	})

	t.Run("skips with error", func(t *testing.T) {
		filter := new(mockFilter)
		filter.On("ShouldProcess", mock.Anything, env).Return(false, nil)
		counter := &countingHandler{}

		err := NewFilteringInterceptor(filter, SkipWithError, nil).Intercept(context.Background(), env, counter.handle)

		assert.ErrorIs(t, err, ErrFiltered)
		assert.Contains(t, err.Error(), env.ID)
		assert.Zero(t, counter.calls)
	})

	t.Run("skips with log", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, nil))
		filter := new(mockFilter)
		filter.On("ShouldProcess", mock.Anything, env).Return(false, nil)
		counter := &countingHandler{}

		err := NewFilteringInterceptor(filter, SkipWithLog, logger).Intercept(context.Background(), env, counter.handle)

		assert.NoError(t, err)
		assert.Zero(t, counter.calls)
		assert.Contains(t, buf.String(), "event=message.filtered")
	})

	t.Run("filter errors fail the delivery", func(t *testing.T) {
		filter := new(mockFilter)
		filter.On("ShouldProcess", mock.Anything, env).Return(false, errors.New("boom"))
		counter := &countingHandler{}

		err := NewFilteringInterceptor(filter, SkipSilently, nil).Intercept(context.Background(), env, counter.handle)

		assert.EqualError(t, err, "filter error: boom")
		assert.Zero(t, counter.calls)
	})
}

func TestFilters(t *testing.T) {
	ctx := context.Background()
	env := contracts.NewEnvelope("order.created", nil).WithHeaders(map[string]interface{}{"tenant": "acme"})

	pass := FilterFunc(func(context.Context, contracts.Envelope) (bool, error) { return true, nil })
	reject := FilterFunc(func(context.Context, contracts.Envelope) (bool, error) { return false, nil })
	broken := FilterFunc(func(context.Context, contracts.Envelope) (bool, error) { return false, assert.AnError })

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"routing key allowed", NewRoutingKeyFilter("order.created", "order.paid"), true},
		{"routing key rejected", NewRoutingKeyFilter("order.paid"), false},
		{"header matches", NewHeaderFilter("tenant", "acme"), true},
		{"header differs", NewHeaderFilter("tenant", "other"), false},
		{"header missing", NewHeaderFilter("region", "eu"), false},
		{"all pass", All(pass, pass), true},
		{"all with one reject", All(pass, reject), false},
		{"any with one pass", Any(reject, pass), true},
		{"any all reject", Any(reject, reject), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := tt.filter.ShouldProcess(ctx, env)
			assert.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}

	t.Run("composites surface errors", func(t *testing.T) {
		_, err := All(pass, broken).ShouldProcess(ctx, env)
		assert.ErrorIs(t, err, assert.AnError)

		_, err = Any(reject, broken).ShouldProcess(ctx, env)
		assert.ErrorIs(t, err, assert.AnError)
	})
}

func TestConditionalInterceptor(t *testing.T) {
	var calls []string
	inner := recordingInterceptor("inner", &calls)
	interceptor := NewConditionalInterceptor(NewRoutingKeyFilter("order.created"), inner)
	counter := &countingHandler{}

	assert.Equal(t, "ConditionalInterceptor[inner]", interceptor.Name())

	assert.NoError(t, interceptor.Intercept(context.Background(), contracts.NewEnvelope("order.created", nil), counter.handle))
	assert.Equal(t, []string{"inner:before", "inner:after"}, calls)

	assert.NoError(t, interceptor.Intercept(context.Background(), contracts.NewEnvelope("order.paid", nil), counter.handle))
	assert.Len(t, calls, 2)
	assert.Equal(t, 2, counter.calls)
}
