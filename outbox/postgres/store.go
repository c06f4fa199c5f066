package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/courier/contracts"
	"github.com/glimte/courier/outbox"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is satisfied by *pgxpool.Pool and pgx.Tx
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type txKey struct{}

// Store implements outbox.Store on a PostgreSQL table
type Store struct {
	db    DB
	table string
}

var _ outbox.Store = (*Store)(nil)

// Option configures the Store
type Option func(*Store)

// WithTable overrides the table name
func WithTable(table string) Option {
	return func(s *Store) {
		if table != "" {
			s.table = table
		}
	}
}

// NewStore creates a store over a pool
func NewStore(db DB, options ...Option) *Store {
	s := &Store{db: db, table: DefaultTable}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithinTx runs fn in a transaction carried by the context passed to fn.
// Store calls made with that context join the transaction, so records
// enqueued in fn commit or roll back with the caller's own writes.
// A context that already carries a transaction is reused.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := TxFromContext(ctx); ok {
		return fn(ctx)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(ContextWithTx(ctx, tx)); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, fmt.Errorf("failed to roll back transaction: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ContextWithTx returns a context carrying tx
func ContextWithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext returns the transaction carried by ctx
func TxFromContext(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok
}

func (s *Store) conn(ctx context.Context) DB {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return s.db
}

// Create inserts records in one statement
func (s *Store) Create(ctx context.Context, records ...*outbox.Record) error {
	if len(records) == 0 {
		return nil
	}

	query, args, err := insertQuery(s.table, records)
	if err != nil {
		return err
	}

	if _, err := s.conn(ctx).Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert outbox records: %w", err)
	}
	return nil
}

// FindByStatus returns records oldest first
func (s *Store) FindByStatus(ctx context.Context, status outbox.Status, limit int) ([]*outbox.Record, error) {
	query, args, err := selectByStatusQuery(s.table, status, limit)
	if err != nil {
		return nil, err
	}

	rows, err := s.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox records: %w", err)
	}
	defer rows.Close()

	var records []*outbox.Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox records: %w", err)
	}
	return records, nil
}

// Save updates the status, retry count, error and timestamps of a record
func (s *Store) Save(ctx context.Context, record *outbox.Record) error {
	query, args, err := updateQuery(s.table, record)
	if err != nil {
		return err
	}

	tag, err := s.conn(ctx).Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update outbox record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", outbox.ErrRecordNotFound, record.ID)
	}
	return nil
}

// CountByStatus returns the number of records in a status
func (s *Store) CountByStatus(ctx context.Context, status outbox.Status) (int, error) {
	query, args, err := countQuery(s.table, status)
	if err != nil {
		return 0, err
	}

	var count int
	if err := s.conn(ctx).QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count outbox records: %w", err)
	}
	return count, nil
}

func scanRecord(rows pgx.Rows) (*outbox.Record, error) {
	var (
		record       outbox.Record
		status       string
		payload      []byte
		exchangeType *string
		options      []byte
		sentAt       *time.Time
	)

	err := rows.Scan(
		&record.ID,
		&record.RoutingKey,
		&payload,
		&status,
		&record.RetryCount,
		&exchangeType,
		&options,
		&record.LastError,
		&record.CreatedAt,
		&record.UpdatedAt,
		&sentAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan outbox record: %w", err)
	}

	record.Status = outbox.Status(status)
	record.Payload = payload
	record.SentAt = sentAt
	if exchangeType != nil {
		t := contracts.ExchangeType(*exchangeType)
		record.ExchangeType = &t
	}
	if len(options) > 0 {
		var decoded outbox.ExchangeOptions
		if err := codec.Unmarshal(options, &decoded); err != nil {
			return nil, fmt.Errorf("failed to unmarshal exchange options: %w", err)
		}
		record.ExchangeOptions = &decoded
	}
	return &record, nil
}
