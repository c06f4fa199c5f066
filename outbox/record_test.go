package outbox

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/glimte/courier/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRecord(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("without options", func(t *testing.T) {
		record, err := NewRecord(contracts.NewEnvelope("order.created", map[string]interface{}{"id": 7}), nil, now)
		require.NoError(t, err)

		assert.NotEmpty(t, record.ID)
		assert.Equal(t, "order.created", record.RoutingKey)
		assert.JSONEq(t, `{"id":7}`, string(record.Payload))
		assert.Equal(t, StatusPending, record.Status)
		assert.Zero(t, record.RetryCount)
		assert.Nil(t, record.ExchangeType)
		assert.Nil(t, record.ExchangeOptions)
		assert.Equal(t, now, record.CreatedAt)

		_, ok := record.PublishOptions()
		assert.False(t, ok)
	})

	t.Run("options without exchange type", func(t *testing.T) {
		record, err := NewRecord(contracts.NewEnvelope("k", nil), &contracts.PublishOptions{
			Exchange:      "orders",
			Headers:       map[string]interface{}{"tenant": "a"},
			CorrelationID: "c-1",
		}, now)
		require.NoError(t, err)

		assert.Nil(t, record.ExchangeType)
		require.NotNil(t, record.ExchangeOptions)
		assert.Equal(t, "orders", record.ExchangeOptions.Exchange)
		assert.Equal(t, "c-1", record.ExchangeOptions.CorrelationID)
		assert.Equal(t, "a", record.ExchangeOptions.Headers["tenant"])
	})

	t.Run("headers are snapshotted", func(t *testing.T) {
		headers := map[string]interface{}{"tenant": "a"}
		record, err := NewRecord(contracts.NewEnvelope("k", nil), &contracts.PublishOptions{Exchange: "ex", Headers: headers}, now)
		require.NoError(t, err)

		headers["tenant"] = "b"
		assert.Equal(t, "a", record.ExchangeOptions.Headers["tenant"])
	})

	t.Run("unmarshalable payload", func(t *testing.T) {
		_, err := NewRecord(contracts.NewEnvelope("k", make(chan int)), nil, now)
		assert.Error(t, err)
	})
}

func TestRecordEnvelope(t *testing.T) {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	record := &Record{
		ID:         "abc",
		RoutingKey: "order.created",
		Payload:    []byte(`{"total":12.5}`),
		Status:     StatusPending,
		CreatedAt:  created,
	}

	env, err := record.Envelope()
	require.NoError(t, err)
	assert.Equal(t, "outbox-abc", env.ID)
	assert.Equal(t, "order.created", env.RoutingKey)
	assert.Equal(t, created, env.Timestamp)
	assert.Equal(t, map[string]interface{}{"total": json.Number("12.5")}, env.Payload)

	record.Payload = []byte(`{"orderId":9007199254740993,"qty":1}`)
	env, err = record.Envelope()
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"orderId": json.Number("9007199254740993"), "qty": json.Number("1")}, env.Payload)
	relayed, err := json.Marshal(env.Payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"orderId":9007199254740993,"qty":1}`, string(relayed))

	record.Payload = []byte(`{`)
	_, err = record.Envelope()
	assert.Error(t, err)
}

func TestRecordPublishOptions(t *testing.T) {
	topic := contracts.ExchangeTopic

	t.Run("stored exchange type wins", func(t *testing.T) {
		record := &Record{
			ExchangeType:    &topic,
			ExchangeOptions: &ExchangeOptions{Exchange: "orders", CorrelationID: "c"},
		}
		opts, ok := record.PublishOptions()
		require.True(t, ok)
		assert.Equal(t, contracts.PublishOptions{Exchange: "orders", ExchangeType: contracts.ExchangeTopic, CorrelationID: "c"}, opts)
	})

	t.Run("type without options blob", func(t *testing.T) {
		record := &Record{ExchangeType: &topic}
		opts, ok := record.PublishOptions()
		require.True(t, ok)
		assert.Equal(t, contracts.ExchangeTopic, opts.ExchangeType)
		assert.Empty(t, opts.Exchange)
	})
}

func TestRecordTransitions(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cause := errors.New("broker down")

	t.Run("sent is terminal", func(t *testing.T) {
		record := &Record{ID: "a", Status: StatusPending}
		require.NoError(t, record.MarkSent(now))
		assert.Equal(t, StatusSent, record.Status)
		require.NotNil(t, record.SentAt)
		assert.Equal(t, now, *record.SentAt)

		assert.ErrorIs(t, record.MarkSent(now), ErrTerminalRecord)
		assert.ErrorIs(t, record.MarkFailedAttempt(cause, DefaultMaxRetries, now), ErrTerminalRecord)
	})

	t.Run("fails after max retries", func(t *testing.T) {
		record := &Record{ID: "b", Status: StatusPending}
		for i := 1; i < DefaultMaxRetries; i++ {
			require.NoError(t, record.MarkFailedAttempt(cause, DefaultMaxRetries, now))
			assert.Equal(t, StatusPending, record.Status)
			assert.Equal(t, i, record.RetryCount)
		}

		require.NoError(t, record.MarkFailedAttempt(cause, DefaultMaxRetries, now))
		assert.Equal(t, StatusFailed, record.Status)
		assert.Equal(t, DefaultMaxRetries, record.RetryCount)
		assert.Equal(t, "broker down", record.LastError)

		assert.ErrorIs(t, record.MarkSent(now), ErrTerminalRecord)
		assert.Equal(t, DefaultMaxRetries, record.RetryCount)
	})
}

func TestRecordClone(t *testing.T) {
	direct := contracts.ExchangeDirect
	sent := time.Now()
	record := &Record{
		ID:              "a",
		Payload:         []byte(`1`),
		ExchangeType:    &direct,
		ExchangeOptions: &ExchangeOptions{Headers: map[string]interface{}{"k": "v"}},
		SentAt:          &sent,
	}

	clone := record.Clone()
	assert.Equal(t, record, clone)

	clone.Payload[0] = '2'
	clone.ExchangeOptions.Headers["k"] = "changed"
	*clone.ExchangeType = contracts.ExchangeFanout

	assert.Equal(t, "1", string(record.Payload))
	assert.Equal(t, "v", record.ExchangeOptions.Headers["k"])
	assert.Equal(t, contracts.ExchangeDirect, *record.ExchangeType)
}
