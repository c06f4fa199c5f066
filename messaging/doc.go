// Package messaging is the broker-agnostic entry point for publishing and
// subscribing.
//
// It provides:
//   - Driver: the contract every transport implements (memory, rabbit, noop)
//   - Registry: named drivers with one current driver and hot switching
//   - Service: the facade application code calls, traced with OpenTelemetry
//   - Registrar: explicit subscription registration at startup
//   - Initialize: selects the driver from settings, falling back to noop when disabled
//
// Example usage:
//
//	registry := messaging.NewRegistry()
//	registry.Register(memory.NewDriver())
//	if err := messaging.Initialize(ctx, registry, messaging.Settings{Enabled: true, Driver: "memory"}); err != nil {
//		return err
//	}
//
//	svc := messaging.NewService(registry)
//	err := svc.Publish(ctx, contracts.NewEnvelope("order.created", order), contracts.PublishOptions{Exchange: "orders"})
package messaging
