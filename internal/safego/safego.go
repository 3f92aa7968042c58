// Package safego provides panic-recovering goroutine launchers for background work.
package safego

import (
	"context"
	"log/slog"
	"time"
)

// Go launches fn in a new goroutine. If fn panics, the panic is recovered and
// logged rather than crashing the process. This should be used for all
// fire-and-forget goroutines (audit writes, last-used updates, background jobs)
// where an unrecovered panic would silently kill the goroutine forever.
func Go(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("recovered panic in background goroutine", "panic", r)
			}
		}()
		fn()
	}()
}

// GoTimeout launches fn with a detached context that is cancelled after d.
// The context is derived from context.Background(), never from the request,
// so the work outlives the request that spawned it. The timeout prevents
// leaked goroutines when a backing system is unreachable.
func GoTimeout(d time.Duration, fn func(ctx context.Context)) {
	Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), d)
		defer cancel()
		fn(ctx)
	})
}
