package research

import "context"

// Detach returns a context for a single model call. It ignores cancellation
// of ctx but keeps its deadline, so a started call finishes unless it runs
// out of time.
func Detach(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if deadline, ok := ctx.Deadline(); ok {
		return context.WithDeadline(detached, deadline)
	}
	return context.WithCancel(detached)
}
