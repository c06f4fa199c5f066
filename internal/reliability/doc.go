// Package reliability provides the retry mechanics shared by courier drivers.
//
// This package implements:
//   - Retry state machine: fresh -> retrying(tier) -> redelivered | dropped,
//     carried across deliveries in the x-retry-count header
//   - Tier decisions: which delay tier a failed attempt uses and whether the
//     policy still allows another attempt
//   - Safe handler invocation: panics inside handlers are converted into
//     errors so they never cross the driver boundary
//
// Example usage:
//
//	decision := reliability.Decide(policy, reliability.RetryCount(headers))
//	if decision.State == reliability.StateRetrying {
//	    republish(decision.RoutingKey(), decision.Headers(headers))
//	}
package reliability
