package postgres

import (
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/glimte/courier/outbox"
	jsoniter "github.com/json-iterator/go"
)

// DefaultTable is the outbox table created by the embedded migrations
const DefaultTable = "outbox"

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var recordColumns = []string{
	"id",
	"routing_key",
	"payload",
	"status",
	"retry_count",
	"exchange_type",
	"exchange_options",
	"last_error",
	"created_at",
	"updated_at",
	"sent_at",
}

func insertQuery(table string, records []*outbox.Record) (string, []interface{}, error) {
	builder := psql.Insert(table).Columns(recordColumns...)

	for _, record := range records {
		options, err := encodeOptions(record.ExchangeOptions)
		if err != nil {
			return "", nil, err
		}
		builder = builder.Values(
			record.ID,
			record.RoutingKey,
			payloadArg(record.Payload),
			string(record.Status),
			record.RetryCount,
			exchangeTypeArg(record),
			options,
			record.LastError,
			record.CreatedAt,
			record.UpdatedAt,
			record.SentAt,
		)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("failed to build insert query: %w", err)
	}
	return query, args, nil
}

func selectByStatusQuery(table string, status outbox.Status, limit int) (string, []interface{}, error) {
	builder := psql.Select(recordColumns...).
		From(table).
		Where(sq.Eq{"status": string(status)}).
		OrderBy("created_at ASC", "id ASC")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("failed to build select query: %w", err)
	}
	return query, args, nil
}

func updateQuery(table string, record *outbox.Record) (string, []interface{}, error) {
	query, args, err := psql.Update(table).
		Set("status", string(record.Status)).
		Set("retry_count", record.RetryCount).
		Set("last_error", record.LastError).
		Set("updated_at", record.UpdatedAt).
		Set("sent_at", record.SentAt).
		Where(sq.Eq{"id": record.ID}).
		ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("failed to build update query: %w", err)
	}
	return query, args, nil
}

func countQuery(table string, status outbox.Status) (string, []interface{}, error) {
	query, args, err := psql.Select("COUNT(*)").
		From(table).
		Where(sq.Eq{"status": string(status)}).
		ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("failed to build count query: %w", err)
	}
	return query, args, nil
}

func payloadArg(payload []byte) interface{} {
	if len(payload) == 0 {
		return nil
	}
	return []byte(payload)
}

func exchangeTypeArg(record *outbox.Record) interface{} {
	if record.ExchangeType == nil {
		return nil
	}
	return string(*record.ExchangeType)
}

func encodeOptions(options *outbox.ExchangeOptions) (interface{}, error) {
	if options == nil {
		return nil, nil
	}
	raw, err := codec.Marshal(options)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal exchange options: %w", err)
	}
	return raw, nil
}
