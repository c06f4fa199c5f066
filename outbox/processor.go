package outbox

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultInterval is the period between processing passes
const DefaultInterval = time.Minute

// ErrProcessorBusy is returned by RunOnce while another pass is in progress
var ErrProcessorBusy = errors.New("outbox: processing pass already in progress")

// Pender drains pending records
type Pender interface {
	ProcessPending(ctx context.Context) (ProcessResult, error)
}

// Processor periodically drains the outbox
type Processor struct {
	service  Pender
	interval time.Duration
	enabled  bool
	logger   *slog.Logger

	running  sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// ProcessorOption configures the Processor
type ProcessorOption func(*Processor)

// WithInterval sets the period between passes
func WithInterval(interval time.Duration) ProcessorOption {
	return func(p *Processor) {
		if interval > 0 {
			p.interval = interval
		}
	}
}

// WithEnabled turns the processor on or off. A disabled processor never publishes.
func WithEnabled(enabled bool) ProcessorOption {
	return func(p *Processor) {
		p.enabled = enabled
	}
}

// WithProcessorLogger sets the logger
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// NewProcessor creates an enabled processor running every DefaultInterval
func NewProcessor(service Pender, options ...ProcessorOption) *Processor {
	p := &Processor{
		service:  service,
		interval: DefaultInterval,
		enabled:  true,
		logger:   slog.Default(),
		stopCh:   make(chan struct{}),
	}

	for _, opt := range options {
		opt(p)
	}
	p.logger = p.logger.With("component", "outbox-processor")

	return p
}

// Enabled reports whether the processor publishes
func (p *Processor) Enabled() bool {
	return p.enabled
}

// Interval returns the period between passes
func (p *Processor) Interval() time.Duration {
	return p.interval
}

// Start runs a pass on every tick until ctx is done or Stop is called.
// It returns immediately when the processor is disabled.
func (p *Processor) Start(ctx context.Context) {
	if !p.enabled {
		p.logger.Info("Outbox processor disabled")
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("Outbox processor started", "interval", p.interval)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Outbox processor shutting down")
			return
		case <-p.stopCh:
			p.logger.Info("Outbox processor stopped")
			return
		case <-ticker.C:
			_, _ = p.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single pass. Overlapping calls return ErrProcessorBusy.
func (p *Processor) RunOnce(ctx context.Context) (ProcessResult, error) {
	if !p.enabled {
		return ProcessResult{}, nil
	}

	if !p.running.TryLock() {
		p.logger.Debug("Skipping outbox pass, previous pass still running")
		return ProcessResult{}, ErrProcessorBusy
	}
	defer p.running.Unlock()

	result, err := p.service.ProcessPending(ctx)
	if err != nil {
		p.logger.Error("Outbox processing failed",
			"event", "outbox.processor.error",
			"error", err)
		return result, err
	}

	if result.Total() > 0 {
		p.logger.Info("Outbox processed",
			"event", "outbox.processor.processed",
			"sent", result.Sent,
			"retried", result.Retried,
			"failed", result.Failed)
	}
	return result, nil
}

// Stop ends Start. It is safe to call more than once.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
}
