// Package timeout bounds an arbitrary unit of work with a deadline. It is
// the single cancellation-by-timeout primitive shared by the dispatch and
// connect phases of the runner lifecycle; each caller configures its own
// independent budget.
package timeout

import (
	"context"
	"fmt"
	"time"
)

// Disabled is the sentinel delay that skips timer creation entirely.
const Disabled = time.Duration(-1)

// Error reports that a unit of work exceeded its budget.
type Error struct {
	Delay time.Duration
	Label string
	Scope string // optional context, e.g. the suite ID
}

func (e *Error) Error() string {
	if e.Scope != "" {
		return fmt.Sprintf("%s timed out after %s (%s)", e.Label, e.Delay, e.Scope)
	}
	return fmt.Sprintf("%s timed out after %s", e.Label, e.Delay)
}

// Value races fn against delay and returns whichever settles first. When the
// timer wins, fn's context is cancelled, the zero value and an *Error are
// returned, and fn's eventual result is discarded. A delay of Disabled runs
// fn directly with no timer. The timer is always stopped on exit.
//
// Cancellation here means "stop waiting": fn may ignore its context and keep
// running, so callers that own external resources should tear them down when
// Value fails.
func Value[T any](ctx context.Context, delay time.Duration, label, scope string, fn func(context.Context) (T, error)) (T, error) {
	if delay == Disabled {
		return fn(ctx)
	}

	var zero T
	if delay <= 0 {
		return zero, fmt.Errorf("timeout: invalid delay %s for %q", delay, label)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	// Buffered so the worker never blocks after the race is lost.
	resultCh := make(chan result, 1)
	go func() {
		value, err := fn(ctx)
		resultCh <- result{value: value, err: err}
	}()

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case res := <-resultCh:
		return res.value, res.err
	case <-timer.C:
		return zero, &Error{Delay: delay, Label: label, Scope: scope}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Do is the result-free form of Value.
func Do(ctx context.Context, delay time.Duration, label, scope string, fn func(context.Context) error) error {
	_, err := Value(ctx, delay, label, scope, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
