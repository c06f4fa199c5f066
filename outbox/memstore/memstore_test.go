package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/glimte/courier/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecord(id string, created time.Time) *outbox.Record {
	return &outbox.Record{ID: id, RoutingKey: "k", Status: outbox.StatusPending, CreatedAt: created}
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("FindByStatus is oldest first and honors limit", func(t *testing.T) {
		store := New()
		require.NoError(t, store.Create(ctx,
			newRecord("late", base.Add(2*time.Minute)),
			newRecord("early", base),
			newRecord("tie-1", base.Add(time.Minute)),
			newRecord("tie-2", base.Add(time.Minute)),
		))

		all, err := store.FindByStatus(ctx, outbox.StatusPending, 0)
		require.NoError(t, err)
		ids := make([]string, len(all))
		for i, r := range all {
			ids[i] = r.ID
		}
		assert.Equal(t, []string{"early", "tie-1", "tie-2", "late"}, ids)

		limited, err := store.FindByStatus(ctx, outbox.StatusPending, 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})

	t.Run("duplicate ids are rejected atomically", func(t *testing.T) {
		store := New()
		require.NoError(t, store.Create(ctx, newRecord("a", base)))
		assert.Error(t, store.Create(ctx, newRecord("b", base), newRecord("a", base)))
		assert.Equal(t, 1, store.Len())
	})

	t.Run("Save moves records between statuses", func(t *testing.T) {
		store := New()
		require.NoError(t, store.Create(ctx, newRecord("a", base)))

		records, err := store.FindByStatus(ctx, outbox.StatusPending, 0)
		require.NoError(t, err)
		require.NoError(t, records[0].MarkSent(base))
		require.NoError(t, store.Save(ctx, records[0]))

		pending, err := store.CountByStatus(ctx, outbox.StatusPending)
		require.NoError(t, err)
		sent, err := store.CountByStatus(ctx, outbox.StatusSent)
		require.NoError(t, err)
		assert.Zero(t, pending)
		assert.Equal(t, 1, sent)
	})

	t.Run("Save of unknown record", func(t *testing.T) {
		err := New().Save(ctx, newRecord("ghost", base))
		assert.ErrorIs(t, err, outbox.ErrRecordNotFound)
	})

	t.Run("stored records are isolated from callers", func(t *testing.T) {
		store := New()
		record := newRecord("a", base)
		require.NoError(t, store.Create(ctx, record))
		record.Status = outbox.StatusFailed

		stored, ok := store.Get("a")
		require.True(t, ok)
		assert.Equal(t, outbox.StatusPending, stored.Status)

		stored.RetryCount = 9
		again, _ := store.Get("a")
		assert.Zero(t, again.RetryCount)
	})
}
