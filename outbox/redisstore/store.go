// Package redisstore keeps outbox records in Redis. Each record is a JSON
// string; one sorted set per status, scored by creation time, indexes them.
package redisstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/glimte/courier/outbox"
	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key the store writes
const DefaultPrefix = "courier:outbox"

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

var statuses = []outbox.Status{outbox.StatusPending, outbox.StatusSent, outbox.StatusFailed}

// Store implements outbox.Store on Redis
type Store struct {
	client redis.UniversalClient
	prefix string
}

var _ outbox.Store = (*Store)(nil)

// Option configures the Store
type Option func(*Store)

// WithPrefix overrides the key prefix
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// New creates a store over a redis client
func New(client redis.UniversalClient, options ...Option) *Store {
	s := &Store{client: client, prefix: DefaultPrefix}
	for _, opt := range options {
		opt(s)
	}
	return s
}

func (s *Store) recordKey(id string) string {
	return s.prefix + ":record:" + id
}

func (s *Store) statusKey(status outbox.Status) string {
	return s.prefix + ":status:" + string(status)
}

func score(record *outbox.Record) float64 {
	return float64(record.CreatedAt.UnixMicro())
}

// Create writes records and their status index entries in one transaction.
// It fails without writing anything when any id already exists.
func (s *Store) Create(ctx context.Context, records ...*outbox.Record) error {
	if len(records) == 0 {
		return nil
	}

	keys := make([]string, len(records))
	payloads := make([][]byte, len(records))
	for i, record := range records {
		data, err := codec.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal outbox record %s: %w", record.ID, err)
		}
		keys[i] = s.recordKey(record.ID)
		payloads[i] = data
	}

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		existing, err := tx.Exists(ctx, keys...).Result()
		if err != nil {
			return err
		}
		if existing > 0 {
			return errors.New("outbox record already exists")
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, record := range records {
				pipe.Set(ctx, keys[i], payloads[i], 0)
				pipe.ZAdd(ctx, s.statusKey(record.Status), redis.Z{Score: score(record), Member: record.ID})
			}
			return nil
		})
		return err
	}, keys...)
	if err != nil {
		return fmt.Errorf("failed to create outbox records: %w", err)
	}
	return nil
}

// FindByStatus returns records oldest first
func (s *Store) FindByStatus(ctx context.Context, status outbox.Status, limit int) ([]*outbox.Record, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	ids, err := s.client.ZRange(ctx, s.statusKey(status), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox status index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load outbox records: %w", err)
	}

	records := make([]*outbox.Record, 0, len(values))
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			// index entry without a record body
			continue
		}
		var record outbox.Record
		if err := codec.UnmarshalFromString(raw, &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal outbox record %s: %w", ids[i], err)
		}
		records = append(records, &record)
	}
	return records, nil
}

// Save rewrites a record and moves it to its current status index
func (s *Store) Save(ctx context.Context, record *outbox.Record) error {
	data, err := codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal outbox record %s: %w", record.ID, err)
	}
	key := s.recordKey(record.ID)

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		existing, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if existing == 0 {
			return fmt.Errorf("%w: %s", outbox.ErrRecordNotFound, record.ID)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			for _, status := range statuses {
				if status != record.Status {
					pipe.ZRem(ctx, s.statusKey(status), record.ID)
				}
			}
			pipe.ZAdd(ctx, s.statusKey(record.Status), redis.Z{Score: score(record), Member: record.ID})
			return nil
		})
		return err
	}, key)
	if errors.Is(err, outbox.ErrRecordNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to save outbox record %s: %w", record.ID, err)
	}
	return nil
}

// CountByStatus returns the size of a status index
func (s *Store) CountByStatus(ctx context.Context, status outbox.Status) (int, error) {
	count, err := s.client.ZCard(ctx, s.statusKey(status)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count outbox records: %w", err)
	}
	return int(count), nil
}

// Ping checks the connection
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
