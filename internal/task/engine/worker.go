package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"jobsched/internal/eventbus"
	"jobsched/internal/task/delay"
	logx "jobsched/pkg/logx"
)

// loop is the dispatch loop. One instance runs while the scheduler is active.
func (s *Scheduler[D, R]) loop(done chan struct{}) {
	defer close(done)
	s.log.Debug("dispatch loop started")
	// Let back-to-back submissions land in the first batch.
	_ = delay.Delay(context.Background(), 0)
	for {
		more, err := s.iterate()
		if err != nil {
			s.fatal(err)
			return
		}
		if !more {
			s.log.Debug("dispatch loop stopped")
			return
		}
		// Uncancellable; 0 only yields.
		_ = delay.Delay(context.Background(), s.cfg.InterBatchDelay)
	}
}

// iterate runs one batch and reports whether the loop should continue.
func (s *Scheduler[D, R]) iterate() (more bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrSchedulerFatal, r)
			s.log.Error("dispatch loop panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()

	if s.beforeBatch != nil {
		s.beforeBatch()
	}
	if batch := s.takeBatch(); len(batch) > 0 {
		s.runBatch(batch)
	}
	return s.continueOrIdle(), nil
}

// takeBatch moves up to the free capacity of jobs from pending to running.
func (s *Scheduler[D, R]) takeBatch() []*job[D, R] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDraining {
		return nil
	}
	capacity := s.cfg.ConcurrencyLimit - len(s.running)
	if capacity <= 0 || len(s.pending) == 0 {
		return nil
	}
	n := min(capacity, len(s.pending))
	batch := slices.Clone(s.pending[:n])
	s.pending = slices.Delete(s.pending, 0, n)
	for _, j := range batch {
		s.running[j.id] = j
	}
	return batch
}

// runBatch starts every job of the batch and waits for all of them.
//
// Each processor is invoked right after its jobStart, but outcomes are held
// back until the whole batch has started: no completion event of a batch
// precedes one of its start events.
func (s *Scheduler[D, R]) runBatch(batch []*job[D, R]) {
	var wg sync.WaitGroup
	launched := make(chan struct{})
	func() {
		defer close(launched)
		for _, j := range batch {
			started := time.Now()
			s.log.Debug("job.started", logx.String("job", j.id), logx.Duration("queue_delay", started.Sub(j.enqueuedAt)))
			s.emit(Event[D, R]{Kind: EventJobStart, JobID: j.id, Data: j.data, Time: started})

			wg.Add(1)
			go func() {
				defer wg.Done()
				s.execOne(j, started, launched)
			}()
		}
	}()
	wg.Wait()
}

func (s *Scheduler[D, R]) execOne(j *job[D, R], started time.Time, launched <-chan struct{}) {
	res, err := s.invoke(j)
	dur := time.Since(started)
	<-launched

	if err != nil {
		err = normalizeJobError(j.id, err)
	}

	item := HistoryItem{ID: j.id, Started: started, QueueDelay: started.Sub(j.enqueuedAt), Duration: dur}
	s.mu.Lock()
	delete(s.running, j.id)
	if err != nil {
		s.failed++
		item.Error = err.Error()
	} else {
		s.completed++
	}
	s.appendHistoryLocked(item)
	s.mu.Unlock()

	// Release the job context; the processor is done with it.
	j.cancel(nil)

	if err != nil {
		s.log.Warn("job.failed", logx.String("job", j.id), logx.Err(err), logx.Duration("dur", dur))
		s.emit(Event[D, R]{Kind: EventJobError, JobID: j.id, Data: j.data, Err: err, Duration: dur})
		j.fut.Reject(err)
		return
	}
	s.log.Debug("job.completed", logx.String("job", j.id), logx.Duration("dur", dur))
	s.emit(Event[D, R]{Kind: EventJobComplete, JobID: j.id, Data: j.data, Result: res, Duration: dur})
	j.fut.Resolve(res)
}

// invoke calls the processor, turning a panic into an error so one bad job
// can't take the loop down.
func (s *Scheduler[D, R]) invoke(j *job[D, R]) (res R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("job.panic", logx.String("job", j.id), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return s.proc(j.ctx, j.data)
}

// continueOrIdle goes idle when nothing is pending or running.
func (s *Scheduler[D, R]) continueOrIdle() bool {
	s.mu.Lock()
	if s.state == StateDraining {
		s.mu.Unlock()
		return false
	}
	empty := len(s.pending) == 0 && len(s.running) == 0
	announce := empty && !s.emptyAnnounced
	if announce {
		s.emptyAnnounced = true
	}
	s.mu.Unlock()
	if !empty {
		return true
	}

	if announce {
		s.emit(Event[D, R]{Kind: EventQueueEmpty})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDraining {
		return false
	}
	// A listener (or another goroutine) may have submitted meanwhile. The
	// queueEmpty already sent stands for the idle transition that follows.
	if len(s.pending) > 0 {
		return true
	}
	s.state = StateIdle
	s.emptyAnnounced = false
	return false
}

func (s *Scheduler[D, R]) fatal(err error) {
	s.mu.Lock()
	if s.state != StateDraining {
		s.state = StateIdle
	}
	s.emptyAnnounced = false
	s.mu.Unlock()
	s.emit(Event[D, R]{Kind: EventError, Err: err})
}

// emit calls the listeners of ev.Kind in registration order, then mirrors
// the event onto the bus.
func (s *Scheduler[D, R]) emit(ev Event[D, R]) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	s.lmu.Lock()
	ls := slices.Clone(s.listeners[ev.Kind])
	s.lmu.Unlock()

	s.emitMu.Lock()
	for _, l := range ls {
		s.callListener(l, ev)
	}
	s.emitMu.Unlock()

	s.publish(ev)
}

func (s *Scheduler[D, R]) callListener(l listenerEntry[D, R], ev Event[D, R]) {
	defer func() {
		if r := recover(); r != nil && s.warn.Allow() {
			s.log.Warn("listener panicked",
				logx.String("event", string(ev.Kind)),
				logx.String("job", ev.JobID),
				logx.Uint64("listener", uint64(l.id)),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	l.fn(ev)
}

func (s *Scheduler[D, R]) publish(ev Event[D, R]) {
	if s.bus == nil {
		return
	}
	je := JobEvent{ID: ev.JobID, Duration: ev.Duration}
	switch ev.Kind {
	case EventJobStart:
		je.Started = ev.Time
		je.Data = ev.Data
	case EventJobComplete:
		je.Started = ev.Time.Add(-ev.Duration)
		je.Data = ev.Data
		je.Result = ev.Result
	case EventJobError:
		je.Started = ev.Time.Add(-ev.Duration)
		je.Data = ev.Data
	}
	if ev.Err != nil {
		je.Error = ev.Err.Error()
		je.Cause = ev.Err
	}
	s.bus.Publish(eventbus.Event{Type: busTopics[ev.Kind], Time: ev.Time, Data: je})
}
