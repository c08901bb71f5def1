// Package poll provides the one polling primitive the engine uses for
// "wait until an async action completes" situations: a fixed-delay loop with
// an explicit cancellation signal and a tagged outcome instead of an
// ambiguous error or stale false.
package poll

import (
	"context"
	"time"
)

// Outcome tags how a Wait ended.
type Outcome int

const (
	// Completed: the condition reported done.
	Completed Outcome = iota
	// Aborted: the caller's context was cancelled mid-wait.
	Aborted
	// TimedOut: the deadline passed with the condition still false.
	TimedOut
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	case TimedOut:
		return "timed out"
	default:
		return "unknown"
	}
}

// Wait polls check every interval until it returns true, the context is
// cancelled, or timeout elapses. A non-nil error from check ends the wait
// immediately. Cancellation is observed between poll iterations, never
// mid-check.
func Wait(ctx context.Context, interval, timeout time.Duration, check func(context.Context) (bool, error)) (Outcome, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := check(ctx)
		if err != nil {
			return Aborted, err
		}
		if done {
			return Completed, nil
		}
		select {
		case <-ctx.Done():
			return Aborted, ctx.Err()
		case <-deadline.C:
			return TimedOut, nil
		case <-ticker.C:
		}
	}
}
