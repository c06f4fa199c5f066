package reliability

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/glimte/courier/contracts"
)

// HeaderRetryCount carries the number of retries already performed
const HeaderRetryCount = "x-retry-count"

// State is the position of a message in the retry state machine
type State int

const (
	// StateFresh is a first delivery
	StateFresh State = iota
	// StateRetrying means the message waits in a retry tier
	StateRetrying
	// StateRedelivered is a delivery that came back from a retry tier
	StateRedelivered
	// StateDropped means retries are exhausted and the message is discarded
	StateDropped
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateRetrying:
		return "retrying"
	case StateRedelivered:
		return "redelivered"
	case StateDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// DeliveryState classifies an incoming delivery from its retry count
func DeliveryState(retryCount int) State {
	if retryCount > 0 {
		return StateRedelivered
	}
	return StateFresh
}

// Decision is the outcome of a failed attempt
type Decision struct {
	State State
	// RetryCount is the count the failed delivery carried
	RetryCount int
	// NextRetryCount is the count the retried message will carry
	NextRetryCount int
	// Tier is 1-indexed; zero when the message is dropped
	Tier  int
	Delay time.Duration
}

// Decide applies the policy to a delivery that failed after retryCount retries
func Decide(policy contracts.RetryPolicy, retryCount int) Decision {
	if retryCount < 0 {
		retryCount = 0
	}
	if !policy.ShouldRetry(retryCount) || len(policy.DelayTiers) == 0 {
		return Decision{State: StateDropped, RetryCount: retryCount, NextRetryCount: retryCount}
	}
	idx := policy.TierIndex(retryCount)
	return Decision{
		State:          StateRetrying,
		RetryCount:     retryCount,
		NextRetryCount: retryCount + 1,
		Tier:           idx + 1,
		Delay:          policy.DelayTiers[idx],
	}
}

// TierRoutingKey returns the retry exchange routing key for a 1-indexed tier
func TierRoutingKey(tier int) string {
	return "tier" + strconv.Itoa(tier)
}

// RoutingKey returns the retry exchange routing key for this decision
func (d Decision) RoutingKey() string {
	return TierRoutingKey(d.Tier)
}

// Headers copies headers and stamps the next retry count
func (d Decision) Headers(headers map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(headers)+1)
	for k, v := range headers {
		out[k] = v
	}
	out[HeaderRetryCount] = int32(d.NextRetryCount)
	return out
}

// RetryCount reads x-retry-count from headers, defaulting to 0.
// AMQP tables may decode integers as any width, so all numeric kinds are accepted.
func RetryCount(headers map[string]interface{}) int {
	if headers == nil {
		return 0
	}
	raw, ok := headers[HeaderRetryCount]
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return clampInt64(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return clampInt64(int64(v))
	case uint64:
		if v > math.MaxInt32 {
			return math.MaxInt32
		}
		return int(v)
	case float32:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

func clampInt64(v int64) int {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	if v < 0 {
		return 0
	}
	return int(v)
}

// String renders a decision for logs
func (d Decision) String() string {
	if d.State == StateDropped {
		return fmt.Sprintf("dropped after %d retries", d.RetryCount)
	}
	return fmt.Sprintf("retry %d via tier %d after %s", d.NextRetryCount, d.Tier, d.Delay)
}
