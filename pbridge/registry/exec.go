package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/panics"
)

type outcome[T any] struct {
	val T
	err error
}

// race runs fn against an independent timer; whichever settles first wins.
//
// fn receives a context that is cancelled once race returns, which is the
// cooperative signal a timed-out callback should observe. The result channel
// is buffered so a callback that settles after losing never blocks.
func race[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan outcome[T], 1)
	go func() {
		var out outcome[T]
		var pc panics.Catcher
		pc.Try(func() { out.val, out.err = fn(callCtx) })
		if rec := pc.Recovered(); rec != nil {
			out.err = rec.AsError()
		}
		done <- out
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var zero T
	select {
	case out := <-done:
		return out.val, out.err
	case <-timer.C:
		return zero, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
