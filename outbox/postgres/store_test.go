package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/courier/contracts"
	"github.com/glimte/courier/outbox"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type execCall struct {
	sql  string
	args []any
}

type fakeTx struct {
	pgx.Tx
	execs      []execCall
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.execs = append(t.execs, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	t.rolledBack = true
	return nil
}

type fakeDB struct {
	tx       *fakeTx
	execs    []execCall
	beginErr error
	tag      pgconn.CommandTag
}

func (d *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	d.execs = append(d.execs, execCall{sql: sql, args: args})
	return d.tag, nil
}

func (d *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not supported")
}

func (d *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return nil
}

func (d *fakeDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if d.beginErr != nil {
		return nil, d.beginErr
	}
	d.tx = &fakeTx{}
	return d.tx, nil
}

func sampleRecord() *outbox.Record {
	topic := contracts.ExchangeTopic
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return &outbox.Record{
		ID:              "5b1f0b39-3c9f-4a57-a2b4-0e4c3f6d7a11",
		RoutingKey:      "order.created",
		Payload:         []byte(`{"id":1}`),
		Status:          outbox.StatusPending,
		ExchangeType:    &topic,
		ExchangeOptions: &outbox.ExchangeOptions{Exchange: "orders"},
		CreatedAt:       created,
		UpdatedAt:       created,
	}
}

func TestQueries(t *testing.T) {
	t.Run("insert", func(t *testing.T) {
		query, args, err := insertQuery(DefaultTable, []*outbox.Record{sampleRecord(), sampleRecord()})
		require.NoError(t, err)

		assert.Equal(t,
			"INSERT INTO outbox (id,routing_key,payload,status,retry_count,exchange_type,exchange_options,last_error,created_at,updated_at,sent_at) "+
				"VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11),($12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)",
			query)
		require.Len(t, args, 22)
		assert.Equal(t, "pending", args[3])
		assert.Equal(t, "topic", args[5])
		assert.JSONEq(t, `{"exchange":"orders"}`, string(args[6].([]byte)))
	})

	t.Run("insert values line up with columns", func(t *testing.T) {
		record := sampleRecord()
		record.RetryCount = 1
		record.LastError = "down"

		_, args, err := insertQuery(DefaultTable, []*outbox.Record{record})
		require.NoError(t, err)
		require.Len(t, args, len(recordColumns))

		byColumn := make(map[string]interface{}, len(args))
		for i, column := range recordColumns {
			byColumn[column] = args[i]
		}
		assert.Equal(t, record.ID, byColumn["id"])
		assert.Equal(t, "order.created", byColumn["routing_key"])
		assert.Equal(t, "pending", byColumn["status"])
		assert.Equal(t, 1, byColumn["retry_count"])
		assert.Equal(t, "topic", byColumn["exchange_type"])
		assert.Equal(t, "down", byColumn["last_error"])
		assert.Equal(t, record.CreatedAt, byColumn["created_at"])
	})

	t.Run("insert without options stores nulls", func(t *testing.T) {
		record := sampleRecord()
		record.ExchangeType = nil
		record.ExchangeOptions = nil
		record.Payload = nil

		_, args, err := insertQuery(DefaultTable, []*outbox.Record{record})
		require.NoError(t, err)
		assert.Nil(t, args[2])
		assert.Nil(t, args[5])
		assert.Nil(t, args[6])
	})

	t.Run("select by status", func(t *testing.T) {
		query, args, err := selectByStatusQuery(DefaultTable, outbox.StatusPending, 50)
		require.NoError(t, err)
		assert.Equal(t,
			"SELECT id, routing_key, payload, status, retry_count, exchange_type, exchange_options, last_error, created_at, updated_at, sent_at "+
				"FROM outbox WHERE status = $1 ORDER BY created_at ASC, id ASC LIMIT 50",
			query)
		assert.Equal(t, []interface{}{"pending"}, args)

		query, _, err = selectByStatusQuery("relay_outbox", outbox.StatusFailed, 0)
		require.NoError(t, err)
		assert.NotContains(t, query, "LIMIT")
		assert.Contains(t, query, "FROM relay_outbox")
	})

	t.Run("update", func(t *testing.T) {
		record := sampleRecord()
		record.RetryCount = 2
		record.LastError = "down"

		query, args, err := updateQuery(DefaultTable, record)
		require.NoError(t, err)
		assert.Equal(t,
			"UPDATE outbox SET status = $1, retry_count = $2, last_error = $3, updated_at = $4, sent_at = $5 WHERE id = $6",
			query)
		assert.Equal(t, "pending", args[0])
		assert.Equal(t, 2, args[1])
		assert.Equal(t, record.ID, args[5])
	})

	t.Run("count", func(t *testing.T) {
		query, args, err := countQuery(DefaultTable, outbox.StatusPending)
		require.NoError(t, err)
		assert.Equal(t, "SELECT COUNT(*) FROM outbox WHERE status = $1", query)
		assert.Equal(t, []interface{}{"pending"}, args)
	})
}

func TestWithinTx(t *testing.T) {
	ctx := context.Background()

	t.Run("records created inside commit with the transaction", func(t *testing.T) {
		db := &fakeDB{}
		store := NewStore(db)

		err := store.WithinTx(ctx, func(ctx context.Context) error {
			return store.Create(ctx, sampleRecord())
		})
		require.NoError(t, err)

		require.NotNil(t, db.tx)
		assert.Len(t, db.tx.execs, 1)
		assert.Empty(t, db.execs)
		assert.True(t, db.tx.committed)
		assert.False(t, db.tx.rolledBack)
	})

	t.Run("error rolls back", func(t *testing.T) {
		db := &fakeDB{}
		store := NewStore(db)
		failure := errors.New("business write failed")

		err := store.WithinTx(ctx, func(ctx context.Context) error {
			require.NoError(t, store.Create(ctx, sampleRecord()))
			return failure
		})
		assert.ErrorIs(t, err, failure)
		assert.True(t, db.tx.rolledBack)
		assert.False(t, db.tx.committed)
	})

	t.Run("panic rolls back and propagates", func(t *testing.T) {
		db := &fakeDB{}
		store := NewStore(db)

		assert.Panics(t, func() {
			_ = store.WithinTx(ctx, func(ctx context.Context) error { panic("boom") })
		})
		assert.True(t, db.tx.rolledBack)
	})

	t.Run("nested calls reuse the transaction", func(t *testing.T) {
		db := &fakeDB{}
		store := NewStore(db)

		err := store.WithinTx(ctx, func(ctx context.Context) error {
			outer, _ := TxFromContext(ctx)
			return store.WithinTx(ctx, func(ctx context.Context) error {
				inner, _ := TxFromContext(ctx)
				assert.Same(t, outer, inner)
				return nil
			})
		})
		require.NoError(t, err)
	})

	t.Run("begin failure", func(t *testing.T) {
		store := NewStore(&fakeDB{beginErr: errors.New("pool closed")})
		called := false
		err := store.WithinTx(ctx, func(ctx context.Context) error {
			called = true
			return nil
		})
		assert.Error(t, err)
		assert.False(t, called)
	})
}

func TestStoreWithoutTx(t *testing.T) {
	ctx := context.Background()

	t.Run("Create runs on the pool", func(t *testing.T) {
		db := &fakeDB{}
		require.NoError(t, NewStore(db).Create(ctx, sampleRecord()))
		assert.Len(t, db.execs, 1)
	})

	t.Run("Create with nothing is a no-op", func(t *testing.T) {
		db := &fakeDB{}
		require.NoError(t, NewStore(db).Create(ctx))
		assert.Empty(t, db.execs)
	})

	t.Run("Save of unknown record", func(t *testing.T) {
		db := &fakeDB{tag: pgconn.NewCommandTag("UPDATE 0")}
		err := NewStore(db).Save(ctx, sampleRecord())
		assert.ErrorIs(t, err, outbox.ErrRecordNotFound)
	})

	t.Run("Save updates one row", func(t *testing.T) {
		db := &fakeDB{tag: pgconn.NewCommandTag("UPDATE 1")}
		require.NoError(t, NewStore(db, WithTable("relay_outbox")).Save(ctx, sampleRecord()))
		require.Len(t, db.execs, 1)
		assert.Contains(t, db.execs[0].sql, "UPDATE relay_outbox")
	})
}
