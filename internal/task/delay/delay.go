// Package delay provides a context-aware sleep.
package delay

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"
)

// ErrCancelled is returned when a delay (or a job honouring its signal) observed cancellation.
var ErrCancelled = errors.New("cancelled")

// Delay waits for d or until ctx is done, whichever comes first.
//
// A ctx that is already done fails immediately without arming a timer.
// d <= 0 still yields the processor once before returning.
func Delay(ctx context.Context, d time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := cancelled(ctx); err != nil {
		return err
	}

	if d <= 0 {
		runtime.Gosched()
		return cancelled(ctx)
	}

	t := time.NewTimer(d)
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		t.Stop()
		return cancelled(ctx)
	}
}

// IsCancelled reports whether err came from an observed cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// Cancelled returns the error Delay would report for ctx, or nil while ctx
// is not done.
func Cancelled(ctx context.Context) error { return cancelled(ctx) }

func cancelled(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	if cause == nil || errors.Is(cause, ErrCancelled) {
		return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}
