package session

import (
	"context"
)

// CombineContext derives a context from primary that is also canceled when
// secondary is done. Values, deadline and error come from primary, so a
// caller's timeout still surfaces as context.DeadlineExceeded. When
// secondary ends first the cause is recorded and Err reports Canceled.
func CombineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(primary)
	stop := context.AfterFunc(secondary, func() {
		cancel(context.Cause(secondary))
	})
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}

// Detach returns a context carrying the values of ctx but none of its
// cancellation or deadline. Cleanup that must outlive a canceled caller
// runs on it.
func Detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
