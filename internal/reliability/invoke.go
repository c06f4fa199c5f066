package reliability

import (
	"context"
	"fmt"

	"github.com/glimte/courier/contracts"
)

// Invoke runs the handler and converts a panic into an error
func Invoke(ctx context.Context, handler contracts.Handler, env contracts.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return handler(ctx, env)
}
