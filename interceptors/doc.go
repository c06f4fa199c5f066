// Package interceptors wraps subscription handlers with cross-cutting
// behavior.
//
// An Interceptor sees each delivered envelope before the handler does and
// decides whether and how to call the next step. A Chain nests interceptors
// in the order they were added, so the first one added runs outermost:
//
//	chain := interceptors.NewChain(
//		interceptors.NewLoggingInterceptor(logger),
//		interceptors.NewTimeoutInterceptor(10*time.Second),
//	)
//	handler := chain.Wrap(func(ctx context.Context, env contracts.Envelope) error {
//		return process(env)
//	})
//
// Errors returned through the chain are seen by the driver exactly like
// handler errors and go through the normal retry path. Interceptors that
// drop a message return nil, which acknowledges it.
package interceptors
