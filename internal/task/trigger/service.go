package trigger

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"jobsched/internal/job"
	"jobsched/internal/task/future"
	logx "jobsched/pkg/logx"
)

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Service fires named triggers on their schedules and submits each trigger's
// job to a Submitter. It never runs jobs itself.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sub    Submitter
	loc    *time.Location
	spread bool

	c    *cron.Cron
	defs []*entry

	// Submit error throttling: key is trigger name.
	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

type entry struct {
	def   Definition
	spec  string
	every time.Duration // interval triggers
	sched cron.Schedule // cron triggers

	entryID cron.EntryID
	spread  time.Duration

	mu      sync.Mutex
	last    *future.Future[job.Result]
	fired   uint64
	skipped uint64
}

type Option func(*Service)

// WithLocation sets the default location for cron schedules (default time.Local).
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithoutStartupSpread disables the random first-run delay of interval triggers.
func WithoutStartupSpread() Option { return func(s *Service) { s.spread = false } }

func New(sub Submitter, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:      log,
		sub:      sub,
		loc:      time.Local,
		spread:   true,
		lastWarn: map[string]time.Time{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validate reports whether def could be registered.
func Validate(def Definition) error {
	_, err := compile(def)
	return err
}

func compile(def Definition) (*entry, error) {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return nil, errors.New("trigger: name required")
	}
	def.Name = name
	ps, err := ParseSchedule(def.Schedule)
	if err != nil {
		return nil, fmt.Errorf("trigger %q: %w", name, err)
	}
	if err := def.Job.Validate(); err != nil {
		return nil, fmt.Errorf("trigger %q: %w", name, err)
	}

	e := &entry{def: def, spec: ps.Spec()}
	if ps.Kind == KindInterval {
		e.every = ps.Every
		return e, nil
	}

	expr := ps.Cron
	if tz := strings.TrimSpace(def.Timezone); tz != "" && !hasTZPrefix(expr) {
		if _, err := time.LoadLocation(tz); err != nil {
			return nil, fmt.Errorf("trigger %q: timezone: %w", name, err)
		}
		expr = "CRON_TZ=" + tz + " " + expr
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("trigger %q: %w", name, err)
	}
	e.spec = expr
	e.sched = sched
	return e, nil
}

func hasTZPrefix(expr string) bool {
	return strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=")
}

// Add registers def, replacing a trigger with the same name.
func (s *Service) Add(def Definition) error {
	e, err := compile(def)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old := s.removeLocked(e.def.Name); old != nil {
		e.inherit(old)
	}
	s.defs = append(s.defs, e)
	s.registerLocked(e)
	return nil
}

// Remove unregisters the named trigger. It reports whether it existed.
// A job it already submitted is left alone.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	old := s.removeLocked(strings.TrimSpace(name))
	s.mu.Unlock()
	if old != nil {
		s.log.Debug("trigger removed", logx.String("trigger", old.def.Name))
	}
	return old != nil
}

// Apply replaces the whole trigger set. Definitions are validated first; on
// error nothing changes. Unchanged triggers keep their cron entry and state.
func (s *Service) Apply(defs []Definition) error {
	compiled := make([]*entry, 0, len(defs))
	seen := make(map[string]struct{}, len(defs))
	var errs []error
	for _, d := range defs {
		e, err := compile(d)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := seen[e.def.Name]; dup {
			errs = append(errs, fmt.Errorf("trigger %q: duplicate name", e.def.Name))
			continue
		}
		seen[e.def.Name] = struct{}{}
		compiled = append(compiled, e)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := make(map[string]*entry, len(s.defs))
	for _, e := range s.defs {
		current[e.def.Name] = e
	}

	var added, changed, removed int
	next := make([]*entry, 0, len(compiled))
	for _, e := range compiled {
		old, ok := current[e.def.Name]
		delete(current, e.def.Name)
		switch {
		case ok && reflect.DeepEqual(old.def, e.def):
			next = append(next, old)
			continue
		case ok:
			s.unregisterLocked(old)
			e.inherit(old)
			changed++
		default:
			added++
		}
		s.registerLocked(e)
		next = append(next, e)
	}
	for _, old := range current {
		s.unregisterLocked(old)
		removed++
	}
	s.defs = next

	s.log.Info("triggers applied",
		logx.Int("count", len(next)),
		logx.Int("added", added),
		logx.Int("changed", changed),
		logx.Int("removed", removed),
	)
	return nil
}

// Start starts cron triggering. Triggers added before Start are registered now.
// Triggering stops when ctx ends or on Stop, whichever comes first.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithLocation(s.loc),
		cron.WithParser(cronParser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
	for _, e := range s.defs {
		s.registerLocked(e)
	}
	s.c.Start()
	if done := ctx.Done(); done != nil {
		c := s.c
		go func() {
			<-done
			s.stop(context.Background(), c)
		}()
	}
	s.log.Info("trigger service started", logx.String("tz", s.loc.String()), logx.Int("triggers", len(s.defs)))
}

// Stop stops cron triggering. Definitions are kept for the next Start.
func (s *Service) Stop(ctx context.Context) {
	s.stop(ctx, nil)
}

// stop halts the running cron, or only the given one when only is set.
func (s *Service) stop(ctx context.Context, only *cron.Cron) {
	start := time.Now()

	s.mu.Lock()
	c := s.c
	if c == nil || (only != nil && c != only) {
		s.mu.Unlock()
		return
	}
	s.c = nil
	for _, e := range s.defs {
		e.entryID = 0
	}
	s.mu.Unlock()

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
	s.log.Info("trigger service stopped", logx.Duration("took", time.Since(start)))
}

// Fire runs the named trigger now, applying its overlap policy.
func (s *Service) Fire(name string) (*future.Future[job.Result], error) {
	s.mu.Lock()
	var e *entry
	for _, d := range s.defs {
		if d.def.Name == name {
			e = d
			break
		}
	}
	s.mu.Unlock()
	if e == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTrigger, name)
	}
	return s.fire(e)
}

func (s *Service) fire(e *entry) (*future.Future[job.Result], error) {
	e.mu.Lock()
	if e.def.Overlap == OverlapSkipIfRunning && e.last != nil && !e.last.Settled() {
		e.skipped++
		running := e.last.ID()
		e.mu.Unlock()
		s.log.Debug("trigger skipped", logx.String("trigger", e.def.Name), logx.String("running", running))
		return nil, ErrOverlapSkip
	}
	f := s.sub.Submit(e.def.Job)
	e.last = f
	e.fired++
	e.mu.Unlock()

	s.log.Debug("trigger fired", logx.String("trigger", e.def.Name), logx.String("job", f.ID()))
	// A scheduler that is shutting down rejects synchronously.
	if _, ok, err := f.Result(); ok && err != nil {
		s.reportSubmitError(e.def.Name, err)
	}
	return f, nil
}

func (s *Service) Snapshot() []Info {
	s.mu.Lock()
	defs := append([]*entry(nil), s.defs...)
	c := s.c
	out := make([]Info, 0, len(defs))
	for _, e := range defs {
		it := Info{
			Name:          e.def.Name,
			Spec:          e.spec,
			Timezone:      e.def.Timezone,
			Overlap:       e.def.Overlap,
			StartupSpread: e.spread,
		}
		if c != nil && e.entryID != 0 {
			ce := c.Entry(e.entryID)
			it.Next, it.Prev = ce.Next, ce.Prev
		}
		out = append(out, it)
	}
	s.mu.Unlock()

	for i, e := range defs {
		e.mu.Lock()
		out[i].Fired, out[i].Skipped = e.fired, e.skipped
		if e.last != nil {
			out[i].LastJob = e.last.ID()
			out[i].Running = !e.last.Settled()
		}
		e.mu.Unlock()
	}
	return out
}

// removeLocked drops the named entry and returns it. Call with s.mu held.
func (s *Service) removeLocked(name string) *entry {
	for i, e := range s.defs {
		if e.def.Name == name {
			s.unregisterLocked(e)
			s.defs = append(s.defs[:i], s.defs[i+1:]...)
			return e
		}
	}
	return nil
}

func (s *Service) registerLocked(e *entry) {
	if s.c == nil {
		return
	}
	sched := e.sched
	e.spread = 0
	if e.every > 0 {
		if s.spread {
			sched, e.spread = intervalWithSpread(e.every, time.Now().In(s.loc), e.def.Name)
		} else {
			sched = cron.Every(e.every)
		}
	}
	e.entryID = s.c.Schedule(sched, cron.FuncJob(func() { _, _ = s.fire(e) }))
	s.log.Debug("trigger registered",
		logx.String("trigger", e.def.Name),
		logx.String("spec", e.spec),
		logx.Duration("startup_spread", e.spread),
	)
}

func (s *Service) unregisterLocked(e *entry) {
	if s.c != nil && e.entryID != 0 {
		s.c.Remove(e.entryID)
	}
	e.entryID = 0
}

// inherit carries the in-flight job over so a redefined trigger still
// respects its overlap policy.
func (e *entry) inherit(old *entry) {
	old.mu.Lock()
	defer old.mu.Unlock()
	e.last = old.last
	e.fired, e.skipped = old.fired, old.skipped
}

const submitWarnThrottle = 5 * time.Second

func (s *Service) reportSubmitError(name string, err error) {
	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[name]
	if !last.IsZero() && now.Sub(last) < submitWarnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[name] = now
	s.warnMu.Unlock()

	s.log.Warn("trigger failed to submit job", logx.String("trigger", name), logx.Err(err))
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Trace("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2+1)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
