package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/courier/contracts"
)

// Publisher sends an envelope through the active messaging driver
type Publisher interface {
	Publish(ctx context.Context, env contracts.Envelope, opts contracts.PublishOptions) error
}

// Item is one message passed to EnqueueMany
type Item struct {
	Envelope contracts.Envelope
	Options  *contracts.PublishOptions
}

// ProcessResult summarizes one ProcessPending pass
type ProcessResult struct {
	Sent    int
	Retried int
	Failed  int
}

// Total returns the number of records handled in the pass
func (r ProcessResult) Total() int {
	return r.Sent + r.Retried + r.Failed
}

// Service records messages for later publishing and drains pending records
type Service struct {
	store      Store
	publisher  Publisher
	maxRetries int
	batchSize  int
	now        func() time.Time
	logger     *slog.Logger
}

// ServiceOption configures the Service
type ServiceOption func(*Service)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMaxRetries sets the number of failed publishes before a record is failed
func WithMaxRetries(maxRetries int) ServiceOption {
	return func(s *Service) {
		if maxRetries > 0 {
			s.maxRetries = maxRetries
		}
	}
}

// WithBatchSize caps the records loaded per pass; zero loads all pending records
func WithBatchSize(size int) ServiceOption {
	return func(s *Service) {
		s.batchSize = size
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates an outbox service
func NewService(store Store, publisher Publisher, options ...ServiceOption) *Service {
	s := &Service{
		store:      store,
		publisher:  publisher,
		maxRetries: DefaultMaxRetries,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With("component", "outbox")

	return s
}

// Store returns the underlying store
func (s *Service) Store() Store {
	return s.store
}

// Enqueue stores one message as a pending record. Call it with the context of
// the caller's transaction so the record commits with the business write.
func (s *Service) Enqueue(ctx context.Context, env contracts.Envelope, opts *contracts.PublishOptions) error {
	record, err := NewRecord(env, opts, s.now())
	if err != nil {
		return err
	}

	if err := s.store.Create(ctx, record); err != nil {
		return fmt.Errorf("failed to enqueue outbox record: %w", err)
	}

	s.logger.Debug("Outbox message enqueued",
		"event", "outbox.message.enqueued",
		"recordId", record.ID,
		"routingKey", record.RoutingKey)
	return nil
}

// EnqueueMany stores several messages in one Create call. An empty list is a no-op.
func (s *Service) EnqueueMany(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}

	now := s.now()
	records := make([]*Record, 0, len(items))
	for _, item := range items {
		record, err := NewRecord(item.Envelope, item.Options, now)
		if err != nil {
			return err
		}
		records = append(records, record)
	}

	if err := s.store.Create(ctx, records...); err != nil {
		return fmt.Errorf("failed to enqueue %d outbox records: %w", len(records), err)
	}

	s.logger.Debug("Outbox messages enqueued",
		"event", "outbox.message.enqueued",
		"count", len(records))
	return nil
}

// ProcessPending publishes every pending record once. A failure on one record
// never stops the pass; only a failure to load the pending set is returned.
func (s *Service) ProcessPending(ctx context.Context) (ProcessResult, error) {
	var result ProcessResult

	records, err := s.store.FindByStatus(ctx, StatusPending, s.batchSize)
	if err != nil {
		return result, fmt.Errorf("failed to load pending outbox records: %w", err)
	}

	for _, record := range records {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		switch s.process(ctx, record) {
		case StatusSent:
			result.Sent++
		case StatusFailed:
			result.Failed++
		default:
			result.Retried++
		}
	}

	return result, nil
}

func (s *Service) process(ctx context.Context, record *Record) Status {
	publishErr := s.publish(ctx, record)
	now := s.now()

	if publishErr == nil {
		if err := record.MarkSent(now); err != nil {
			s.logger.Error("Outbox record transition rejected", "recordId", record.ID, "error", err)
			return record.Status
		}
		s.save(ctx, record)
		s.logger.Debug("Outbox message sent",
			"event", "outbox.message.sent",
			"recordId", record.ID,
			"routingKey", record.RoutingKey)
		return StatusSent
	}

	if err := record.MarkFailedAttempt(publishErr, s.maxRetries, now); err != nil {
		s.logger.Error("Outbox record transition rejected", "recordId", record.ID, "error", err)
		return record.Status
	}
	s.save(ctx, record)

	if record.Status == StatusFailed {
		s.logger.Error("Outbox message failed permanently",
			"event", "outbox.message.failed",
			"recordId", record.ID,
			"routingKey", record.RoutingKey,
			"retryCount", record.RetryCount,
			"error", publishErr)
		return StatusFailed
	}

	s.logger.Warn("Outbox message will be retried",
		"event", "outbox.message.retry",
		"recordId", record.ID,
		"routingKey", record.RoutingKey,
		"retryCount", record.RetryCount,
		"error", publishErr)
	return StatusPending
}

func (s *Service) publish(ctx context.Context, record *Record) error {
	env, err := record.Envelope()
	if err != nil {
		return err
	}
	opts, _ := record.PublishOptions()
	return s.publisher.Publish(ctx, env, opts)
}

func (s *Service) save(ctx context.Context, record *Record) {
	if err := s.store.Save(ctx, record); err != nil {
		s.logger.Error("Failed to save outbox record",
			"recordId", record.ID,
			"status", record.Status,
			"error", err)
	}
}
