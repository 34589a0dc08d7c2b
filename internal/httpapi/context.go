package httpapi

import "context"

// joinContexts derives a context from req that is also canceled when base is
// done, so in-flight handler work stops on server shutdown.
func joinContexts(base, req context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(req)
	stop := context.AfterFunc(base, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
