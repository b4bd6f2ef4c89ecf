// Package future implements a single-assignment result handle that carries an
// identity and a cancellation request hook.
package future

import (
	"context"
	"sync"
)

// Future is the pending result of a unit of work identified by ID.
//
// The owner settles it exactly once through Resolve or Reject; holders await
// it with Wait or Done and may ask the owner to stop via RequestCancellation.
type Future[T any] struct {
	id       string
	onCancel func()

	once sync.Once
	done chan struct{}

	val T
	err error
}

// New returns a pending future. onCancel is invoked by RequestCancellation
// while the future is still pending; it may be nil.
func New[T any](id string, onCancel func()) *Future[T] {
	return &Future[T]{
		id:       id,
		onCancel: onCancel,
		done:     make(chan struct{}),
	}
}

// ID returns the identity of the work this future belongs to.
func (f *Future[T]) ID() string { return f.id }

// Done is closed once the future is settled.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Settled reports whether Resolve or Reject already happened.
func (f *Future[T]) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Resolve fulfills the future with v. It reports false if already settled.
func (f *Future[T]) Resolve(v T) bool {
	ok := false
	f.once.Do(func() {
		f.val = v
		close(f.done)
		ok = true
	})
	return ok
}

// Reject fails the future with err. It reports false if already settled.
func (f *Future[T]) Reject(err error) bool {
	ok := false
	f.once.Do(func() {
		f.err = err
		close(f.done)
		ok = true
	})
	return ok
}

// Wait blocks until the future settles or ctx is done.
// A ctx error is returned as-is and does not settle the future.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the settled value without blocking. ok is false while pending.
func (f *Future[T]) Result() (v T, ok bool, err error) {
	if !f.Settled() {
		return v, false, nil
	}
	return f.val, true, f.err
}

// RequestCancellation asks the owner to cancel the work. No-op once settled.
//
// It never settles the future by itself; rejection arrives through the owner's
// normal settle path once the cancellation is observed.
func (f *Future[T]) RequestCancellation() {
	if f.Settled() || f.onCancel == nil {
		return
	}
	f.onCancel()
}

// Then derives a future with the same identity whose value is fn applied to
// f's result. Rejections pass through unchanged; cancelling the derived
// future cancels f.
func Then[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	out := New[U](f.id, f.RequestCancellation)
	go func() {
		<-f.done
		if f.err != nil {
			out.Reject(f.err)
			return
		}
		u, err := fn(f.val)
		if err != nil {
			out.Reject(err)
			return
		}
		out.Resolve(u)
	}()
	return out
}
