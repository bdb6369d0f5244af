// Package wake provides the hybrid notify/poll mechanism that blocks a
// drained worker until new work may be available or a timeout elapses.
//
// Wake-ups are advisory only: the signal carries at-least-one-wake semantics,
// false wakes included, so callers must re-run the claim step after every
// Wait return regardless of why it returned.
package wake

import (
	"context"
	"time"
)

// Floors on the effective wait, preventing a misconfigured interval from
// turning the drain loop into a tight spin against the store.
const (
	pollFloor     = 1 * time.Second
	fallbackFloor = 250 * time.Millisecond
)

// Waiter blocks until new work may be available or timeout elapses,
// whichever comes first. Returning early on ctx cancellation is allowed.
type Waiter interface {
	Wait(ctx context.Context, timeout time.Duration)
}

// Poller is the timeout-only strategy: sleep for the interval, then return.
type Poller struct{}

func (Poller) Wait(ctx context.Context, timeout time.Duration) {
	sleep(ctx, max(timeout, pollFloor))
}

// sleep blocks for d or until ctx is cancelled. time.NewTimer (not
// time.After) to avoid leaking the timer on early cancellation.
func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
