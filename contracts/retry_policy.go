package contracts

import (
	"fmt"
	"time"
)

// RetryPolicy defines tiered redelivery. Attempt n waits DelayTiers[min(n, len-1)],
// so the last tier repeats once the sequence is exhausted.
type RetryPolicy struct {
	MaxRetries int             `json:"maxRetries"`
	DelayTiers []time.Duration `json:"delayTiers"`
}

// RetryOverride is a partial RetryPolicy; unset fields keep the driver default
type RetryOverride struct {
	MaxRetries *int
	DelayTiers []time.Duration
}

// DefaultRetryPolicy returns 3 retries over 5s, 30s and 5m tiers
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		DelayTiers: []time.Duration{5 * time.Second, 30 * time.Second, 5 * time.Minute},
	}
}

// Validate checks the policy invariants
func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return &ConfigurationError{Op: "retry policy", Err: fmt.Errorf("max retries must be >= 0, got %d", p.MaxRetries)}
	}
	if len(p.DelayTiers) == 0 {
		return &ConfigurationError{Op: "retry policy", Err: fmt.Errorf("at least one delay tier is required")}
	}
	for i, d := range p.DelayTiers {
		if d < 0 {
			return &ConfigurationError{Op: "retry policy", Err: fmt.Errorf("delay tier %d is negative", i+1)}
		}
	}
	return nil
}

// ShouldRetry reports whether a failed attempt may be retried
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxRetries
}

// TierIndex returns the zero-based tier used for attempt
func (p RetryPolicy) TierIndex(attempt int) int {
	if attempt < 0 {
		attempt = 0
	}
	last := len(p.DelayTiers) - 1
	if attempt > last {
		return last
	}
	return attempt
}

// Delay returns the wait before retrying attempt
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if len(p.DelayTiers) == 0 {
		return 0
	}
	return p.DelayTiers[p.TierIndex(attempt)]
}

// Merge applies an override on top of the policy
func (p RetryPolicy) Merge(o *RetryOverride) RetryPolicy {
	out := RetryPolicy{MaxRetries: p.MaxRetries, DelayTiers: append([]time.Duration(nil), p.DelayTiers...)}
	if o == nil {
		return out
	}
	if o.MaxRetries != nil {
		out.MaxRetries = *o.MaxRetries
	}
	if len(o.DelayTiers) > 0 {
		out.DelayTiers = append([]time.Duration(nil), o.DelayTiers...)
	}
	return out
}
