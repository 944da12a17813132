package auth

import (
	"context"
	"log/slog"
	"time"
)

// DefaultRenewInterval is the tick interval of the background renewer,
// 50 minutes against Google's one-hour access token lifetime.
const DefaultRenewInterval = 3000 * time.Second

// renewerStopTimeout bounds how long Stop waits for an in-flight tick. A
// tick can block on the provider lock for the length of a network call or
// a foreground consent flow, and shutdown must not hang behind it.
var renewerStopTimeout = 5 * time.Second

// Renewer proactively renews the credential before expiry, independent of
// foreground demand. A failed tick is logged and the loop keeps running;
// only Stop ends it.
type Renewer struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// StartRenewer starts the renewal loop, calling renew every interval until
// stopped. The wait is cancel-aware so Stop returns promptly rather than
// waiting out a full interval.
func StartRenewer(interval time.Duration, renew func(context.Context) error) *Renewer {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Renewer{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(r.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := renew(ctx); err != nil {
					slog.WarnContext(ctx, "background credential renewal failed", "error", err)
				}
			}
		}
	}()

	return r
}

// Stop ends the loop and waits for it to exit, up to a bounded timeout in
// case a tick is stuck behind the provider lock. Idempotent: stopping twice,
// or stopping after the loop already exited, neither errors nor hangs.
func (r *Renewer) Stop() {
	r.cancel()
	select {
	case <-r.done:
	case <-time.After(renewerStopTimeout):
		slog.Warn("background renewer did not exit in time, abandoning wait",
			"timeout", renewerStopTimeout)
	}
}
