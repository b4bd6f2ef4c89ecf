package delay

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelayElapses(t *testing.T) {
	start := time.Now()
	if err := Delay(context.Background(), 20*time.Millisecond); err != nil {
		t.Fatalf("Delay: %v", err)
	}
	if took := time.Since(start); took < 20*time.Millisecond {
		t.Fatalf("returned too early: %s", took)
	}
}

func TestDelayAlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Delay(ctx, time.Hour)
	if !IsCancelled(err) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled in chain, got %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("expected immediate failure")
	}
}

func TestDelayCancelledWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Delay(ctx, time.Hour)
	if !IsCancelled(err) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("cancellation was not observed promptly")
	}
}

func TestDelayCarriesCause(t *testing.T) {
	cause := errors.New("operator abort")
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(cause)

	err := Delay(ctx, time.Second)
	if !IsCancelled(err) || !errors.Is(err, cause) {
		t.Fatalf("expected cancelled error wrapping cause, got %v", err)
	}
}

func TestDelayZeroYields(t *testing.T) {
	if err := Delay(context.Background(), 0); err != nil {
		t.Fatalf("Delay(0): %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Delay(ctx, 0); !IsCancelled(err) {
		t.Fatalf("expected cancelled zero delay, got %v", err)
	}
}

func TestDelaySharedTokenIndependentCalls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errs := make(chan error, 2)
	go func() { errs <- Delay(ctx, 5*time.Millisecond) }()
	go func() { errs <- Delay(ctx, 15*time.Millisecond) }()

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("delay %d: %v", i, err)
		}
	}
}
