package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/courier/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecide(t *testing.T) {
	policy := contracts.RetryPolicy{
		MaxRetries: 5,
		DelayTiers: []time.Duration{5 * time.Second, 30 * time.Second, 300 * time.Second},
	}

	t.Run("Walks the tiers and clamps at the last", func(t *testing.T) {
		wantTiers := []int{1, 2, 3, 3, 3}
		wantDelays := []time.Duration{5 * time.Second, 30 * time.Second, 300 * time.Second, 300 * time.Second, 300 * time.Second}
		for count := 0; count < 5; count++ {
			d := Decide(policy, count)
			assert.Equal(t, StateRetrying, d.State)
			assert.Equal(t, wantTiers[count], d.Tier)
			assert.Equal(t, wantDelays[count], d.Delay)
			assert.Equal(t, count+1, d.NextRetryCount)
		}
	})

	t.Run("Drops once retries are exhausted", func(t *testing.T) {
		d := Decide(policy, 5)
		assert.Equal(t, StateDropped, d.State)
		assert.Equal(t, 0, d.Tier)
		assert.Contains(t, d.String(), "dropped")
	})

	t.Run("Zero max retries drops the first failure", func(t *testing.T) {
		d := Decide(contracts.RetryPolicy{DelayTiers: []time.Duration{time.Second}}, 0)
		assert.Equal(t, StateDropped, d.State)
	})

	t.Run("Routing key and headers", func(t *testing.T) {
		d := Decide(policy, 1)
		assert.Equal(t, "tier2", d.RoutingKey())

		in := map[string]interface{}{"trace": "abc", HeaderRetryCount: int32(1)}
		out := d.Headers(in)
		assert.Equal(t, int32(2), out[HeaderRetryCount])
		assert.Equal(t, "abc", out["trace"])
		assert.Equal(t, int32(1), in[HeaderRetryCount])
	})
}

func TestRetryCount(t *testing.T) {
	cases := map[string]struct {
		headers map[string]interface{}
		want    int
	}{
		"nil headers":    {nil, 0},
		"missing":        {map[string]interface{}{"other": 1}, 0},
		"int":            {map[string]interface{}{HeaderRetryCount: 2}, 2},
		"int32":          {map[string]interface{}{HeaderRetryCount: int32(3)}, 3},
		"int64":          {map[string]interface{}{HeaderRetryCount: int64(4)}, 4},
		"uint8":          {map[string]interface{}{HeaderRetryCount: uint8(1)}, 1},
		"float64":        {map[string]interface{}{HeaderRetryCount: float64(2)}, 2},
		"string":         {map[string]interface{}{HeaderRetryCount: "5"}, 5},
		"garbage":        {map[string]interface{}{HeaderRetryCount: "x"}, 0},
		"unknown type":   {map[string]interface{}{HeaderRetryCount: []byte("1")}, 0},
		"negative int64": {map[string]interface{}{HeaderRetryCount: int64(-3)}, 0},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, RetryCount(tc.headers))
		})
	}
}

func TestDeliveryState(t *testing.T) {
	assert.Equal(t, StateFresh, DeliveryState(0))
	assert.Equal(t, StateRedelivered, DeliveryState(2))
	assert.Equal(t, "retrying", StateRetrying.String())
}

func TestInvoke(t *testing.T) {
	env := contracts.NewEnvelope("a.b", nil)

	t.Run("Returns handler error", func(t *testing.T) {
		boom := errors.New("boom")
		err := Invoke(context.Background(), func(context.Context, contracts.Envelope) error { return boom }, env)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("Recovers panics", func(t *testing.T) {
		err := Invoke(context.Background(), func(context.Context, contracts.Envelope) error { panic("kaput") }, env)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrHandlerPanic)
		assert.Contains(t, err.Error(), "kaput")
	})

	t.Run("Passes the envelope through", func(t *testing.T) {
		var got contracts.Envelope
		err := Invoke(context.Background(), func(_ context.Context, e contracts.Envelope) error {
			got = e
			return nil
		}, env)
		assert.NoError(t, err)
		assert.Equal(t, env.ID, got.ID)
	})
}
