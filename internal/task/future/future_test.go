package future

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

func TestResolveOnce(t *testing.T) {
	f := New[int]("job-1", nil)
	if f.ID() != "job-1" {
		t.Fatalf("ID = %q", f.ID())
	}
	if _, ok, _ := f.Result(); ok {
		t.Fatal("expected pending future")
	}
	if !f.Resolve(7) {
		t.Fatal("first Resolve should win")
	}
	if f.Resolve(8) || f.Reject(errors.New("late")) {
		t.Fatal("second settle should be ignored")
	}

	v, err := f.Wait(context.Background())
	if err != nil || v != 7 {
		t.Fatalf("Wait = (%d, %v), want (7, nil)", v, err)
	}
	if v, ok, err := f.Result(); !ok || err != nil || v != 7 {
		t.Fatalf("Result = (%d, %v, %v)", v, ok, err)
	}
}

func TestRejectPropagates(t *testing.T) {
	boom := errors.New("boom")
	f := New[string]("job-2", nil)
	go func() {
		time.Sleep(5 * time.Millisecond)
		f.Reject(boom)
	}()
	_, err := f.Wait(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("Wait err = %v, want boom", err)
	}
}

func TestWaitContextDoesNotSettle(t *testing.T) {
	f := New[int]("job-3", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := f.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait err = %v, want deadline exceeded", err)
	}
	if f.Settled() {
		t.Fatal("waiter timeout must not settle the future")
	}
}

func TestRequestCancellationIdempotentAfterSettle(t *testing.T) {
	var calls atomic.Int32
	f := New[int]("job-4", func() { calls.Add(1) })

	f.RequestCancellation()
	if got := calls.Load(); got != 1 {
		t.Fatalf("onCancel calls = %d, want 1", got)
	}
	if f.Settled() {
		t.Fatal("RequestCancellation must not settle the future")
	}

	f.Reject(errors.New("aborted"))
	f.RequestCancellation()
	f.RequestCancellation()
	if got := calls.Load(); got != 1 {
		t.Fatalf("onCancel calls after settle = %d, want 1", got)
	}
}

func TestThen(t *testing.T) {
	f := New[int]("job-5", nil)
	g := Then(f, func(v int) (string, error) { return strconv.Itoa(v * 2), nil })
	if g.ID() != "job-5" {
		t.Fatalf("derived ID = %q", g.ID())
	}
	f.Resolve(21)

	v, err := g.Wait(context.Background())
	if err != nil || v != "42" {
		t.Fatalf("Then = (%q, %v)", v, err)
	}

	boom := errors.New("boom")
	h := New[int]("job-6", nil)
	k := Then(h, func(v int) (int, error) { return v, nil })
	h.Reject(boom)
	if _, err := k.Wait(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected rejection to pass through, got %v", err)
	}
}
