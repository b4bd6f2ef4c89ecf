package engine

import (
	"context"
	"errors"
	"fmt"

	"jobsched/internal/task/delay"
)

var (
	// ErrCancelled: a delay or job observed a cancellation request.
	ErrCancelled = delay.ErrCancelled
	// ErrJobAborted: a queued job was cancelled before it ran.
	ErrJobAborted = errors.New("job aborted")
	// ErrSchedulerDisposed: a pending job was flushed by Dispose.
	ErrSchedulerDisposed = errors.New("scheduler disposed")
	// ErrJobProcessing: the processor failed for a domain reason.
	ErrJobProcessing = errors.New("job processing failed")
	// ErrSchedulerFatal: the dispatch loop itself failed.
	ErrSchedulerFatal = errors.New("scheduler fatal error")
)

// JobError is the error a job's future is rejected with.
//
// It matches both its Kind sentinel and its cause with errors.Is:
//
//	if errors.Is(err, engine.ErrJobAborted) { ... }
type JobError struct {
	JobID string
	Kind  error
	Err   error
}

func (e *JobError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.JobID, e.Kind)
	}
	if errors.Is(e.Err, e.Kind) {
		return fmt.Sprintf("%s: %v", e.JobID, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.JobID, e.Kind, e.Err)
}

func (e *JobError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsCancelled reports whether err is a cancellation observed by a job or delay.
func IsCancelled(err error) bool { return errors.Is(err, ErrCancelled) }

// normalizeJobError keeps structured job errors and wraps everything else.
func normalizeJobError(id string, err error) error {
	var je *JobError
	if errors.As(err, &je) {
		return err
	}
	kind := ErrJobProcessing
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		kind = ErrCancelled
	}
	return &JobError{JobID: id, Kind: kind, Err: err}
}
