package storage

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"jobsched/internal/eventbus"
	"jobsched/internal/job"
	"jobsched/internal/task/engine"
	logx "jobsched/pkg/logx"
)

// Recorder appends a RunRecord for every finished job seen on the bus.
type Recorder struct {
	store Store
	log   logx.Logger

	ch    <-chan eventbus.Event
	unsub func()

	written atomic.Uint64
	failed  atomic.Uint64
}

// NewRecorder subscribes to bus right away; events published before Run
// starts are buffered.
func NewRecorder(store Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	ch, unsub := bus.Subscribe(256, engine.TopicJobCompleted, engine.TopicJobFailed)
	return &Recorder{store: store, log: log, ch: ch, unsub: unsub}
}

// Run records events until ctx is done, then drains what is already
// buffered and unsubscribes.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.unsub()
	r.log.Debug("recorder started")
	for {
		select {
		case <-ctx.Done():
			r.drain(r.ch)
			return nil
		case e, ok := <-r.ch:
			if !ok {
				return nil
			}
			r.record(ctx, e)
		}
	}
}

func (r *Recorder) drain(ch <-chan eventbus.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			r.record(ctx, e)
		default:
			return
		}
	}
}

func (r *Recorder) record(ctx context.Context, e eventbus.Event) {
	rec, ok := RecordFromEvent(e)
	if !ok {
		return
	}
	if err := r.store.AppendRun(ctx, rec); err != nil {
		r.failed.Add(1)
		r.log.Warn("run history append failed", logx.String("job", rec.JobID), logx.Err(err))
		return
	}
	r.written.Add(1)
}

// Stats returns the number of records written and failed appends.
func (r *Recorder) Stats() (written, failed uint64) {
	return r.written.Load(), r.failed.Load()
}

// RecordFromEvent converts a job.completed or job.failed bus event.
func RecordFromEvent(e eventbus.Event) (RunRecord, bool) {
	je, ok := e.Data.(engine.JobEvent)
	if !ok || je.ID == "" {
		return RunRecord{}, false
	}
	rec := RunRecord{
		JobID:    je.ID,
		Started:  je.Started,
		Duration: je.Duration,
		OK:       e.Type == engine.TopicJobCompleted,
		Error:    je.Error,
	}
	if n, ok := je.Data.(interface{ JobName() string }); ok {
		rec.Name = n.JobName()
	}
	if res, ok := je.Result.(job.Result); ok {
		rec.ExitCode = res.ExitCode
		rec.Output = res.Output
	}
	var exitErr *job.ExitError
	if errors.As(je.Cause, &exitErr) {
		rec.ExitCode = exitErr.Code
	}
	return rec, true
}
