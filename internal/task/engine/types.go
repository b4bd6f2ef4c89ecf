package engine

import (
	"context"
	"time"
)

// Config controls the job scheduler. It is fixed at construction.
type Config struct {
	// ConcurrencyLimit bounds the number of jobs running at once.
	// 0 means the default of 1; negative values are rejected.
	ConcurrencyLimit int

	// InterBatchDelay is waited between dispatch batches. 0 only yields.
	InterBatchDelay time.Duration

	// HistorySize bounds Snapshot().History. 0 means 200.
	HistorySize int
}

const (
	defaultConcurrencyLimit = 1
	defaultHistorySize      = 200
)

// Processor runs one job. ctx is the job's cancellation signal: it is done
// once the job was cancelled, and a processor that honours it should fail
// with an error matching ErrCancelled (delay.Delay does this).
type Processor[D, R any] func(ctx context.Context, data D) (R, error)

// State is the scheduler lifecycle.
type State int

const (
	StateIdle State = iota
	StateActive
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// EventKind names a scheduler event.
type EventKind string

const (
	EventJobStart    EventKind = "jobStart"
	EventJobComplete EventKind = "jobComplete"
	EventJobError    EventKind = "jobError"
	EventQueueEmpty  EventKind = "queueEmpty"
	EventError       EventKind = "error"
)

// Event is delivered to listeners. Fields not meaningful for a kind are zero:
// queueEmpty carries only Kind/Time, error carries Err.
type Event[D, R any] struct {
	Kind   EventKind
	JobID  string
	Data   D
	Result R
	Err    error
	Time   time.Time

	// Duration is set on jobComplete/jobError.
	Duration time.Duration
}

// Listener receives events synchronously, in registration order.
type Listener[D, R any] func(ev Event[D, R])

// ListenerID identifies a registered listener for RemoveListener.
type ListenerID uint64

type listenerEntry[D, R any] struct {
	id ListenerID
	fn Listener[D, R]
}

// JobEvent is published on the event bus for every scheduler event.
type JobEvent struct {
	ID       string        `json:"id,omitempty"`
	Started  time.Time     `json:"started,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
	Data     any           `json:"data,omitempty"`
	Result   any           `json:"result,omitempty"`

	// Cause is the job's error value, for in-process subscribers.
	Cause error `json:"-"`
}

// Bus topics.
const (
	TopicJobStarted     = "job.started"
	TopicJobCompleted   = "job.completed"
	TopicJobFailed      = "job.failed"
	TopicQueueEmpty     = "queue.empty"
	TopicSchedulerError = "scheduler.error"
)

var busTopics = map[EventKind]string{
	EventJobStart:    TopicJobStarted,
	EventJobComplete: TopicJobCompleted,
	EventJobError:    TopicJobFailed,
	EventQueueEmpty:  TopicQueueEmpty,
	EventError:       TopicSchedulerError,
}

type HistoryItem struct {
	ID         string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Error      string
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	State            State
	ConcurrencyLimit int
	InterBatchDelay  time.Duration

	Pending int
	Running int

	Submitted uint64
	Completed uint64
	Failed    uint64
	Aborted   uint64
	Disposed  uint64

	History []HistoryItem
}
