package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"jobsched/internal/eventbus"
	"jobsched/internal/task/future"
	logx "jobsched/pkg/logx"
)

// Scheduler runs submitted jobs through a Processor, at most
// Config.ConcurrencyLimit at a time, in batches.
//
// A batch is taken from the head of the pending queue and fully awaited
// before the next one starts, so a fast job does not free its slot early.
type Scheduler[D, R any] struct {
	cfg  Config
	proc Processor[D, R]
	log  logx.Logger
	bus  eventbus.Bus

	// Throttles listener panic logs.
	warn *rate.Limiter

	mu       sync.Mutex
	seq      uint64
	state    State
	pending  []*job[D, R]
	running  map[string]*job[D, R]
	loopDone chan struct{}
	// Set once queueEmpty was emitted for the idle transition in progress.
	emptyAnnounced bool

	submitted uint64
	completed uint64
	failed    uint64
	aborted   uint64
	disposed  uint64
	history   []HistoryItem

	lmu       sync.Mutex
	lseq      ListenerID
	listeners map[EventKind][]listenerEntry[D, R]

	// Serializes listener invocation across the loop and job goroutines.
	emitMu sync.Mutex

	// beforeBatch runs at the top of every loop iteration (tests only).
	beforeBatch func()
}

type job[D, R any] struct {
	id   string
	data D

	ctx    context.Context
	cancel context.CancelCauseFunc
	fut    *future.Future[R]

	enqueuedAt time.Time
}

type options struct {
	log logx.Logger
	bus eventbus.Bus
}

type Option func(*options)

func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = log } }

// WithBus mirrors every event onto bus as a JobEvent.
func WithBus(bus eventbus.Bus) Option { return func(o *options) { o.bus = bus } }

func New[D, R any](cfg Config, proc Processor[D, R], opts ...Option) (*Scheduler[D, R], error) {
	if proc == nil {
		return nil, errors.New("engine: processor is required")
	}
	if cfg.ConcurrencyLimit < 0 {
		return nil, fmt.Errorf("engine: concurrency limit must be >= 1, got %d", cfg.ConcurrencyLimit)
	}
	if cfg.ConcurrencyLimit == 0 {
		cfg.ConcurrencyLimit = defaultConcurrencyLimit
	}
	if cfg.InterBatchDelay < 0 {
		return nil, fmt.Errorf("engine: inter-batch delay must be >= 0, got %s", cfg.InterBatchDelay)
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}

	return &Scheduler[D, R]{
		cfg:       cfg,
		proc:      proc,
		log:       o.log,
		bus:       o.bus,
		warn:      rate.NewLimiter(rate.Every(5*time.Second), 3),
		running:   make(map[string]*job[D, R]),
		listeners: make(map[EventKind][]listenerEntry[D, R]),
	}, nil
}

// Submit queues data for processing and returns its future.
//
// It never blocks and never fails synchronously. Once the scheduler is
// disposed, the returned future is already rejected with ErrSchedulerDisposed.
func (s *Scheduler[D, R]) Submit(data D) *future.Future[R] {
	now := time.Now()

	s.mu.Lock()
	s.seq++
	id := fmt.Sprintf("job-%d", s.seq)
	ctx, cancel := context.WithCancelCause(context.Background())
	j := &job[D, R]{id: id, data: data, ctx: ctx, cancel: cancel, enqueuedAt: now}
	j.fut = future.New[R](id, func() { s.Cancel(id) })

	if s.state == StateDraining {
		s.disposed++
		s.mu.Unlock()
		cancel(ErrSchedulerDisposed)
		j.fut.Reject(&JobError{JobID: id, Kind: ErrSchedulerDisposed})
		return j.fut
	}

	s.pending = append(s.pending, j)
	s.submitted++
	var done chan struct{}
	if s.state == StateIdle {
		s.state = StateActive
		done = make(chan struct{})
		s.loopDone = done
	}
	queued := len(s.pending)
	s.mu.Unlock()

	s.log.Debug("job.queued", logx.String("job", id), logx.Int("pending", queued))
	if done != nil {
		go s.loop(done)
	}
	return j.fut
}

// Cancel cancels the job with the given id.
//
// A queued job is removed and its future rejected with ErrJobAborted. A
// running job only has its signal triggered; its future settles when the
// processor returns. Cancel reports false if the id is unknown or the job
// already finished.
func (s *Scheduler[D, R]) Cancel(id string) bool {
	s.mu.Lock()
	if i := slices.IndexFunc(s.pending, func(j *job[D, R]) bool { return j.id == id }); i >= 0 {
		j := s.pending[i]
		s.pending = slices.Delete(s.pending, i, i+1)
		s.aborted++
		s.appendHistoryLocked(HistoryItem{ID: id, Started: time.Now(), QueueDelay: time.Since(j.enqueuedAt), Error: ErrJobAborted.Error()})
		s.mu.Unlock()

		j.cancel(ErrJobAborted)
		j.fut.Reject(&JobError{JobID: id, Kind: ErrJobAborted})
		s.log.Debug("job.aborted", logx.String("job", id))
		return true
	}
	j, ok := s.running[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	j.cancel(ErrCancelled)
	s.log.Debug("job.cancel_requested", logx.String("job", id))
	return true
}

// Dispose stops the scheduler. Pending jobs are cancelled and rejected with
// ErrSchedulerDisposed; running jobs are left to finish on their own and no
// further batches are dispatched. Dispose is idempotent.
func (s *Scheduler[D, R]) Dispose() {
	s.mu.Lock()
	if s.state == StateDraining {
		s.mu.Unlock()
		return
	}
	s.state = StateDraining
	flushed := s.pending
	s.pending = nil
	s.disposed += uint64(len(flushed))
	running := len(s.running)
	s.mu.Unlock()

	for _, j := range flushed {
		j.cancel(ErrSchedulerDisposed)
		j.fut.Reject(&JobError{JobID: j.id, Kind: ErrSchedulerDisposed})
	}
	s.log.Info("scheduler disposed", logx.Int("flushed", len(flushed)), logx.Int("running", running))
}

// Wait blocks until the dispatch loop is not running, or ctx is done.
func (s *Scheduler[D, R]) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	done := s.loopDone
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddListener registers fn for kind and returns a handle for RemoveListener.
func (s *Scheduler[D, R]) AddListener(kind EventKind, fn Listener[D, R]) ListenerID {
	if fn == nil {
		return 0
	}
	s.lmu.Lock()
	s.lseq++
	id := s.lseq
	s.listeners[kind] = append(s.listeners[kind], listenerEntry[D, R]{id: id, fn: fn})
	s.lmu.Unlock()
	return id
}

// RemoveListener unregisters a listener. Unknown ids are ignored.
func (s *Scheduler[D, R]) RemoveListener(kind EventKind, id ListenerID) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	ls := s.listeners[kind]
	if i := slices.IndexFunc(ls, func(e listenerEntry[D, R]) bool { return e.id == id }); i >= 0 {
		s.listeners[kind] = slices.Delete(ls, i, i+1)
	}
}

func (s *Scheduler[D, R]) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler[D, R]) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		State:            s.state,
		ConcurrencyLimit: s.cfg.ConcurrencyLimit,
		InterBatchDelay:  s.cfg.InterBatchDelay,
		Pending:          len(s.pending),
		Running:          len(s.running),
		Submitted:        s.submitted,
		Completed:        s.completed,
		Failed:           s.failed,
		Aborted:          s.aborted,
		Disposed:         s.disposed,
		History:          slices.Clone(s.history),
	}
}

func (s *Scheduler[D, R]) appendHistoryLocked(item HistoryItem) {
	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
}
