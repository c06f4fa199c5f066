package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glimte/courier/contracts"
	"github.com/glimte/courier/internal/rabbitmq"
	"github.com/glimte/courier/internal/rabbitmq/rabbitmqtest"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDriver(t *testing.T, options ...rabbitmq.ConnectionOption) (*Driver, *rabbitmqtest.Broker) {
	t.Helper()
	broker := rabbitmqtest.NewBroker()
	manager := rabbitmq.NewConnectionManager("amqp://localhost",
		append([]rabbitmq.ConnectionOption{rabbitmq.WithDialer(broker.Dial)}, options...)...)
	driver := NewDriver(manager)
	require.NoError(t, driver.Connect(context.Background()))
	t.Cleanup(func() {
		driver.Disconnect(context.Background())
		manager.Close()
	})
	return driver, broker
}

func envelopeBody(t *testing.T, env contracts.Envelope) []byte {
	t.Helper()
	body, err := json.Marshal(env)
	require.NoError(t, err)
	return body
}

func waitSettled(t *testing.T, ack *rabbitmqtest.Acknowledger) {
	t.Helper()
	select {
	case <-ack.Done():
	case <-time.After(time.Second):
		t.Fatal("delivery was not settled")
	}
}

func TestDriverPublish(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes persistent JSON envelope", func(t *testing.T) {
		driver, broker := newTestDriver(t)

		env := contracts.NewEnvelope("order.created", map[string]interface{}{"id": "42"})
		err := driver.Publish(ctx, env, contracts.PublishOptions{
			Exchange:      "orders",
			Headers:       map[string]interface{}{"tenant": "acme"},
			CorrelationID: "corr-1",
		})
		require.NoError(t, err)

		ch := broker.LastChannel()
		require.Len(t, ch.Published(), 1)
		published := ch.Published()[0]
		assert.Equal(t, "orders", published.Exchange)
		assert.Equal(t, "order.created", published.RoutingKey)
		assert.Equal(t, amqp.Persistent, published.Msg.DeliveryMode)
		assert.Equal(t, env.ID, published.Msg.MessageId)
		assert.Equal(t, "corr-1", published.Msg.CorrelationId)
		assert.Equal(t, amqp.Table{"tenant": "acme"}, published.Msg.Headers)

		var decoded contracts.Envelope
		require.NoError(t, json.Unmarshal(published.Msg.Body, &decoded))
		assert.Equal(t, env.ID, decoded.ID)
		assert.Equal(t, "order.created", decoded.RoutingKey)

		require.Len(t, ch.Exchanges(), 1)
		assert.Equal(t, rabbitmqtest.ExchangeCall{Name: "orders", Kind: "topic", Durable: true}, ch.Exchanges()[0])
	})

	t.Run("exchange assertion is memoized per exchange and type", func(t *testing.T) {
		driver, broker := newTestDriver(t)

		for i := 0; i < 3; i++ {
			require.NoError(t, driver.Publish(ctx, contracts.NewEnvelope("k", nil), contracts.PublishOptions{Exchange: "orders"}))
		}
		require.NoError(t, driver.Publish(ctx, contracts.NewEnvelope("k", nil), contracts.PublishOptions{Exchange: "orders", ExchangeType: contracts.ExchangeFanout}))
		assert.Len(t, broker.LastChannel().Exchanges(), 2)

		require.NoError(t, driver.Disconnect(ctx))
		require.NoError(t, driver.Publish(ctx, contracts.NewEnvelope("k", nil), contracts.PublishOptions{Exchange: "orders"}))
		assert.Len(t, broker.LastChannel().Exchanges(), 3, "disconnect clears the cache")
	})

	t.Run("missing exchange", func(t *testing.T) {
		driver, _ := newTestDriver(t)
		err := driver.Publish(ctx, contracts.NewEnvelope("k", nil), contracts.PublishOptions{})
		assert.True(t, contracts.IsConfigurationError(err))
		assert.ErrorIs(t, err, contracts.ErrMissingExchange)
	})

	t.Run("broker failure is a TransportError", func(t *testing.T) {
		driver, broker := newTestDriver(t)
		broker.LastChannel().PublishErr = errors.New("channel closed")

		err := driver.Publish(ctx, contracts.NewEnvelope("k", nil), contracts.PublishOptions{Exchange: "orders"})
		assert.True(t, contracts.IsTransportError(err))
		var pubErr *rabbitmq.PublishError
		assert.ErrorAs(t, err, &pubErr)
	})
}

func TestDriverSubscribe(t *testing.T) {
	ctx := context.Background()

	t.Run("unnamed queue is exclusive and non durable without retry tiers", func(t *testing.T) {
		driver, broker := newTestDriver(t)

		require.NoError(t, driver.Subscribe(ctx, "order.*", func(context.Context, contracts.Envelope) error { return nil },
			contracts.SubscribeOptions{Exchange: "orders"}))

		ch := broker.LastChannel()
		require.Len(t, ch.Queues(), 1)
		assert.True(t, ch.Queues()[0].Exclusive)
		assert.False(t, ch.Queues()[0].Durable)
		require.Len(t, ch.Bindings(), 1)
		assert.Equal(t, "order.*", ch.Bindings()[0].Key)
		assert.Equal(t, "orders", ch.Bindings()[0].Exchange)
		assert.Equal(t, 1, ch.ConsumerCount())
	})

	t.Run("durable named queue declares retry tiers", func(t *testing.T) {
		driver, broker := newTestDriver(t)

		require.NoError(t, driver.Subscribe(ctx, "order.created", func(context.Context, contracts.Envelope) error { return nil },
			contracts.SubscribeOptions{Exchange: "orders", QueueName: "billing", Durable: contracts.Bool(true)}))

		ch := broker.LastChannel()
		var names []string
		for _, q := range ch.Queues() {
			names = append(names, q.Name)
		}
		assert.Equal(t, []string{"billing.retry.tier1", "billing.retry.tier2", "billing.retry.tier3", "billing"}, names)
		assert.Equal(t, amqp.Table{
			"x-message-ttl":             int64(30000),
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": "billing",
		}, ch.Queues()[1].Args)

		var exchanges []string
		for _, ex := range ch.Exchanges() {
			exchanges = append(exchanges, ex.Name+"/"+ex.Kind)
		}
		assert.Equal(t, []string{"orders/topic", "billing.retry/direct"}, exchanges)
	})

	t.Run("binding headers become binding arguments", func(t *testing.T) {
		driver, broker := newTestDriver(t)

		require.NoError(t, driver.Subscribe(ctx, "", func(context.Context, contracts.Envelope) error { return nil },
			contracts.SubscribeOptions{
				Exchange:       "docs",
				ExchangeType:   contracts.ExchangeHeaders,
				BindingHeaders: map[string]interface{}{"x-match": "any", "format": "pdf"},
			}))

		assert.Equal(t, amqp.Table{"x-match": "any", "format": "pdf"}, broker.LastChannel().Bindings()[0].Args)
	})

	t.Run("missing exchange", func(t *testing.T) {
		driver, _ := newTestDriver(t)
		err := driver.Subscribe(ctx, "k", func(context.Context, contracts.Envelope) error { return nil }, contracts.SubscribeOptions{})
		assert.ErrorIs(t, err, contracts.ErrMissingExchange)
	})
}

func TestDriverDelivery(t *testing.T) {
	ctx := context.Background()
	durable := contracts.SubscribeOptions{Exchange: "orders", QueueName: "billing", Durable: contracts.Bool(true)}

	t.Run("successful handler acks", func(t *testing.T) {
		driver, broker := newTestDriver(t)

		received := make(chan contracts.Envelope, 1)
		require.NoError(t, driver.Subscribe(ctx, "order.created", func(_ context.Context, env contracts.Envelope) error {
			received <- env
			return nil
		}, durable))

		env := contracts.NewEnvelope("order.created", "payload")
		ack := broker.LastChannel().Deliver("billing", envelopeBody(t, env), nil)
		waitSettled(t, ack)

		assert.Equal(t, 1, ack.Acks())
		got := <-received
		assert.Equal(t, env.ID, got.ID)
		assert.Equal(t, "payload", got.Payload)
	})

	t.Run("failure republishes to the tier and acks", func(t *testing.T) {
		driver, broker := newTestDriver(t)

		require.NoError(t, driver.Subscribe(ctx, "order.created", func(context.Context, contracts.Envelope) error {
			return errors.New("boom")
		}, durable))

		ch := broker.LastChannel()
		body := envelopeBody(t, contracts.NewEnvelope("order.created", nil))
		ack := ch.Deliver("billing", body, amqp.Table{"x-retry-count": int64(1), "tenant": "acme"})
		waitSettled(t, ack)

		assert.Equal(t, 1, ack.Acks())
		require.Len(t, ch.Published(), 1)
		retried := ch.Published()[0]
		assert.Equal(t, "billing.retry", retried.Exchange)
		assert.Equal(t, "tier2", retried.RoutingKey)
		assert.Equal(t, body, retried.Msg.Body)
		assert.Equal(t, int32(2), retried.Msg.Headers["x-retry-count"])
		assert.Equal(t, "acme", retried.Msg.Headers["tenant"])
	})

	t.Run("tier index is clamped to the last tier", func(t *testing.T) {
		driver, broker := newTestDriver(t)

		maxRetries := 10
		opts := durable
		opts.RetryPolicy = &contracts.RetryOverride{MaxRetries: &maxRetries}
		require.NoError(t, driver.Subscribe(ctx, "order.created", func(context.Context, contracts.Envelope) error {
			return errors.New("boom")
		}, opts))

		ch := broker.LastChannel()
		ack := ch.Deliver("billing", envelopeBody(t, contracts.NewEnvelope("order.created", nil)), amqp.Table{"x-retry-count": int32(7)})
		waitSettled(t, ack)

		require.Len(t, ch.Published(), 1)
		assert.Equal(t, "tier3", ch.Published()[0].RoutingKey)
	})

	t.Run("exhausted retries ack and drop", func(t *testing.T) {
		driver, broker := newTestDriver(t)

		require.NoError(t, driver.Subscribe(ctx, "order.created", func(context.Context, contracts.Envelope) error {
			return errors.New("boom")
		}, durable))

		ch := broker.LastChannel()
		ack := ch.Deliver("billing", envelopeBody(t, contracts.NewEnvelope("order.created", nil)), amqp.Table{"x-retry-count": int16(3)})
		waitSettled(t, ack)

		assert.Equal(t, 1, ack.Acks())
		assert.Empty(t, ch.Published())
	})

	t.Run("exclusive queue failure acks without retry", func(t *testing.T) {
		driver, broker := newTestDriver(t)

		require.NoError(t, driver.Subscribe(ctx, "order.created", func(context.Context, contracts.Envelope) error {
			return errors.New("boom")
		}, contracts.SubscribeOptions{Exchange: "orders"}))

		ch := broker.LastChannel()
		queue := ch.Queues()[0].Name
		ack := ch.Deliver(queue, envelopeBody(t, contracts.NewEnvelope("order.created", nil)), nil)
		waitSettled(t, ack)

		assert.Equal(t, 1, ack.Acks())
		assert.Empty(t, ch.Published())
	})

	t.Run("undecodable body goes through the retry path", func(t *testing.T) {
		driver, broker := newTestDriver(t)

		called := false
		var mu sync.Mutex
		require.NoError(t, driver.Subscribe(ctx, "order.created", func(context.Context, contracts.Envelope) error {
			mu.Lock()
			defer mu.Unlock()
			called = true
			return nil
		}, durable))

		ch := broker.LastChannel()
		ack := ch.Deliver("billing", []byte("not json"), nil)
		waitSettled(t, ack)

		mu.Lock()
		assert.False(t, called)
		mu.Unlock()
		require.Len(t, ch.Published(), 1)
		assert.Equal(t, "tier1", ch.Published()[0].RoutingKey)
	})

	t.Run("retry publish failure requeues", func(t *testing.T) {
		driver, broker := newTestDriver(t)

		require.NoError(t, driver.Subscribe(ctx, "order.created", func(context.Context, contracts.Envelope) error {
			return errors.New("boom")
		}, durable))

		ch := broker.LastChannel()
		ch.PublishErr = errors.New("retry exchange missing")
		ack := ch.Deliver("billing", envelopeBody(t, contracts.NewEnvelope("order.created", nil)), nil)
		waitSettled(t, ack)

		assert.Equal(t, 0, ack.Acks())
		assert.Equal(t, 1, ack.Nacks())
	})

	t.Run("disconnect stops consumers", func(t *testing.T) {
		driver, broker := newTestDriver(t)

		require.NoError(t, driver.Subscribe(ctx, "order.created", func(context.Context, contracts.Envelope) error { return nil }, durable))
		require.Equal(t, 1, broker.LastChannel().ConsumerCount())

		require.NoError(t, driver.Disconnect(ctx))
		assert.Equal(t, 0, broker.LastChannel().ConsumerCount())
		require.NoError(t, driver.Disconnect(ctx), "disconnect is idempotent")
	})
}

func TestDriverConnect(t *testing.T) {
	t.Run("dial failure is a TransportError", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.DialErr = errors.New("refused")
		driver := NewDriver(rabbitmq.NewConnectionManager("amqp://localhost", rabbitmq.WithDialer(broker.Dial)))

		err := driver.Connect(context.Background())
		assert.True(t, contracts.IsTransportError(err))
		assert.False(t, driver.IsConnected())
	})

	t.Run("missing url stays a configuration error", func(t *testing.T) {
		driver := NewDriver(rabbitmq.NewConnectionManager(""))
		err := driver.Connect(context.Background())
		assert.True(t, contracts.IsConfigurationError(err))
	})
}
