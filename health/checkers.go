package health

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/courier/outbox"
)

// ConnectionState reports whether a broker connection is open
type ConnectionState interface {
	IsConnected() bool
}

// BrokerChecker reports the broker connection of a messaging driver
type BrokerChecker struct {
	name  string
	state ConnectionState
}

// NewBrokerChecker creates a broker checker named after the driver
func NewBrokerChecker(driver string, state ConnectionState) *BrokerChecker {
	return &BrokerChecker{name: "broker_" + driver, state: state}
}

func (c *BrokerChecker) Name() string {
	return c.name
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	connected := c.state.IsConnected()
	result.Details["connected"] = connected
	if connected {
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "Connection is closed"
	}

	result.Duration = time.Since(start)
	return result
}

// DriverSource exposes the active messaging driver
type DriverSource interface {
	CurrentName() string
}

// MessagingChecker is unhealthy until a current driver has been selected
type MessagingChecker struct {
	source DriverSource
}

func NewMessagingChecker(source DriverSource) *MessagingChecker {
	return &MessagingChecker{source: source}
}

func (c *MessagingChecker) Name() string {
	return "messaging"
}

func (c *MessagingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	current := c.source.CurrentName()
	result.Details["driver"] = current
	if current == "" {
		result.Status = StatusUnhealthy
		result.Message = "No messaging driver initialized"
	} else {
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("Using %s driver", current)
	}

	result.Duration = time.Since(start)
	return result
}

// BacklogThresholds marks the outbox degraded once a count reaches a limit.
// Zero disables a threshold.
type BacklogThresholds struct {
	Pending int
	Failed  int
}

// OutboxBacklogChecker reports pending and failed outbox records
type OutboxBacklogChecker struct {
	store      outbox.Store
	thresholds BacklogThresholds
}

// NewOutboxBacklogChecker creates a backlog checker
func NewOutboxBacklogChecker(store outbox.Store, thresholds BacklogThresholds) *OutboxBacklogChecker {
	return &OutboxBacklogChecker{store: store, thresholds: thresholds}
}

func (c *OutboxBacklogChecker) Name() string {
	return "outbox"
}

func (c *OutboxBacklogChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	pending, err := c.store.CountByStatus(ctx, outbox.StatusPending)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to count pending records"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	failed, err := c.store.CountByStatus(ctx, outbox.StatusFailed)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to count failed records"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Details["pending"] = pending
	result.Details["failed"] = failed

	switch {
	case c.thresholds.Failed > 0 && failed >= c.thresholds.Failed:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Outbox has %d failed records", failed)
	case c.thresholds.Pending > 0 && pending >= c.thresholds.Pending:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Outbox has %d pending records", pending)
	default:
		result.Status = StatusHealthy
		result.Message = "Outbox backlog is normal"
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]interface{}, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]interface{}, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	status, message, details, err := c.checker(ctx)

	result.Status = status
	result.Message = message
	if details != nil {
		result.Details = details
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)

	return result
}
