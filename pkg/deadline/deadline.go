// Package deadline races an operation against a timer.
//
// Whichever settles first wins. When the timer wins, the operation keeps
// running in its goroutine and its eventual result is discarded; the context
// handed to it is cancelled so that operations which support cancellation can
// stop early, but nothing relies on that.
package deadline

import (
	"context"
	"time"

	"golang.org/x/xerrors"
)

// ErrTimeout is returned when the timer settles before the operation.
var ErrTimeout = xerrors.New("operation timed out")

type result[T any] struct {
	value T
	err   error
}

// Race runs op and a timer of duration d concurrently and returns the result of
// whichever settles first. A non-positive duration disables the timer.
// Cancellation of ctx also settles the race, with ctx's error.
func Race[T any](ctx context.Context, d time.Duration, op func(context.Context) (T, error)) (T, error) {
	return RaceNamed(ctx, "", d, op)
}

// RaceNamed is Race with the operation name included in the timeout error,
// e.g. "Location request timed out".
func RaceNamed[T any](ctx context.Context, name string, d time.Duration, op func(context.Context) (T, error)) (T, error) {
	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// buffered, so a late operation never blocks on send
	done := make(chan result[T], 1)
	go func() {
		v, err := op(opCtx)
		done <- result[T]{v, err}
	}()

	var timeout <-chan time.Time
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	var zero T
	select {
	case r := <-done:
		return r.value, r.err
	case <-timeout:
		if name != "" {
			return zero, xerrors.Errorf("%s timed out after %s: %w", name, d, ErrTimeout)
		}
		return zero, xerrors.Errorf("timed out after %s: %w", d, ErrTimeout)
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
