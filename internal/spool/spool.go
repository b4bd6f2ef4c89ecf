// Package spool submits job files dropped into a directory.
//
// A new or rewritten *.yaml, *.yml or *.json file becomes one job. Removing
// the file while its job is queued or running requests cancellation. When
// the job settles its outcome is written beside the file as
// <name>.result.json.
package spool

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"jobsched/internal/job"
	"jobsched/internal/task/future"
	logx "jobsched/pkg/logx"
)

const resultSuffix = ".result.json"

// Submitter accepts jobs; *engine.Scheduler[job.Spec, job.Result] satisfies it.
type Submitter interface {
	Submit(job.Spec) *future.Future[job.Result]
}

type Config struct {
	Dir string
	// RatePerSec bounds submissions; 0 means 10. Burst is twice the rate.
	RatePerSec int
	// Debounce coalesces the events of one file write; 0 means 100ms.
	Debounce time.Duration
}

// Outcome is the content of a result file.
type Outcome struct {
	File     string        `json:"file"`
	Job      string        `json:"job"`
	JobID    string        `json:"job_id,omitempty"`
	OK       bool          `json:"ok"`
	Error    string        `json:"error,omitempty"`
	ExitCode int           `json:"exit_code"`
	Output   string        `json:"output,omitempty"`
	Took     time.Duration `json:"took"`
	Finished time.Time     `json:"finished"`
}

type entry struct {
	fut  *future.Future[job.Result] // nil while waiting for the limiter
	hash uint64
}

type Service struct {
	cfg Config
	sub Submitter
	log logx.Logger
	lim *rate.Limiter

	mu      sync.Mutex
	entries map[string]*entry // by job file path
	timers  map[string]*time.Timer

	writers sync.WaitGroup
}

func New(cfg Config, sub Submitter, log logx.Logger) (*Service, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("spool: dir is required")
	}
	if sub == nil {
		return nil, errors.New("spool: nil submitter")
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 100 * time.Millisecond
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		sub:     sub,
		log:     log.With(logx.String("dir", cfg.Dir)),
		lim:     rate.NewLimiter(rate.Limit(cfg.RatePerSec), 2*cfg.RatePerSec),
		entries: map[string]*entry{},
		timers:  map[string]*time.Timer{},
	}, nil
}

// IsJobFile reports whether name is picked up by the spool.
func IsJobFile(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(strings.ToLower(base), resultSuffix) {
		return false
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// ResultPath returns where the outcome of the job file at path is written.
func ResultPath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + resultSuffix
}

// Run submits the files already in the directory, then follows changes
// until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.Dir, 0o755); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(s.cfg.Dir); err != nil {
		return err
	}
	defer s.stopTimers()

	s.scan(ctx)
	s.log.Info("spool watching")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("spool: watcher closed")
			}
			if !IsJobFile(ev.Name) {
				continue
			}
			switch {
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				s.forget(ev.Name)
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				s.schedule(ctx, ev.Name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("spool: watcher closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				s.log.Warn("spool watch overflow; rescanning", logx.Err(err))
				s.scan(ctx)
				continue
			}
			s.log.Warn("spool watch error", logx.Err(err))
		}
	}
}

func (s *Service) scan(ctx context.Context) {
	des, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		s.log.Warn("spool scan failed", logx.Err(err))
		return
	}
	for _, de := range des {
		if de.Type().IsRegular() && IsJobFile(de.Name()) {
			s.submit(ctx, filepath.Join(s.cfg.Dir, de.Name()))
		}
	}
}

func (s *Service) schedule(ctx context.Context, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.timers[path]; t != nil {
		t.Stop()
	}
	s.timers[path] = time.AfterFunc(s.cfg.Debounce, func() {
		s.mu.Lock()
		delete(s.timers, path)
		s.mu.Unlock()
		s.submit(ctx, path)
	})
}

func (s *Service) stopTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p, t := range s.timers {
		t.Stop()
		delete(s.timers, p)
	}
}

// submit parses and submits path unless the same content is already
// tracked. A rewritten file cancels the job of its previous content.
func (s *Service) submit(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("spool read failed", logx.String("file", path), logx.Err(err))
		}
		return
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	sum := h.Sum64()

	// Claim the path before waiting on the limiter so a rewrite that arrives
	// meanwhile supersedes this submission instead of racing it.
	cur := &entry{hash: sum}
	s.mu.Lock()
	prev := s.entries[path]
	if prev != nil && prev.hash == sum {
		s.mu.Unlock()
		return
	}
	s.entries[path] = cur
	s.mu.Unlock()
	if prev != nil && prev.fut != nil && !prev.fut.Settled() {
		s.log.Info("spool file rewritten; cancelling previous job", logx.String("file", path), logx.String("job", prev.fut.ID()))
		prev.fut.RequestCancellation()
	}

	spec, err := job.ParseSpec(path, data)
	if err != nil {
		s.log.Warn("spool job rejected", logx.String("file", path), logx.Err(err))
		s.mu.Lock()
		current := s.entries[path] == cur
		if current {
			cur.fut = rejected(err)
		}
		s.mu.Unlock()
		if current {
			s.writeOutcome(path, Outcome{File: filepath.Base(path), Job: filepath.Base(path), Error: err.Error(), ExitCode: -1, Finished: time.Now()})
		}
		return
	}

	if err := s.lim.Wait(ctx); err != nil {
		s.mu.Lock()
		if s.entries[path] == cur {
			delete(s.entries, path)
		}
		s.mu.Unlock()
		return
	}
	s.mu.Lock()
	if s.entries[path] != cur {
		s.mu.Unlock()
		s.log.Debug("spool submission superseded", logx.String("file", path))
		return
	}
	fut := s.sub.Submit(spec)
	cur.fut = fut
	s.mu.Unlock()
	s.log.Info("spool job submitted", logx.String("file", path), logx.String("job", fut.ID()), logx.String("name", spec.JobName()))

	s.writers.Add(1)
	go func() {
		defer s.writers.Done()
		<-fut.Done()
		s.settled(path, spec, fut)
	}()
}

func rejected(err error) *future.Future[job.Result] {
	f := future.New[job.Result]("", nil)
	f.Reject(err)
	return f
}

func (s *Service) settled(path string, spec job.Spec, fut *future.Future[job.Result]) {
	res, _, err := fut.Result()
	out := Outcome{
		File:     filepath.Base(path),
		Job:      spec.JobName(),
		JobID:    fut.ID(),
		OK:       err == nil,
		ExitCode: res.ExitCode,
		Output:   res.Output,
		Took:     res.Took,
		Finished: time.Now(),
	}
	if err != nil {
		out.Error = err.Error()
		var exitErr *job.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.Code
		}
	}

	// A newer submission for the same file owns the result file.
	s.mu.Lock()
	cur := s.entries[path]
	s.mu.Unlock()
	if cur != nil && cur.fut != fut {
		return
	}
	s.writeOutcome(path, out)
}

func (s *Service) writeOutcome(path string, out Outcome) {
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		s.log.Warn("spool result encode failed", logx.Err(err))
		return
	}
	dst := ResultPath(path)
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		s.log.Warn("spool result write failed", logx.String("file", dst), logx.Err(err))
		return
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		s.log.Warn("spool result write failed", logx.String("file", dst), logx.Err(err))
	}
}

// forget drops a removed file and cancels its job if it is still unsettled.
func (s *Service) forget(path string) {
	s.mu.Lock()
	e := s.entries[path]
	delete(s.entries, path)
	if t := s.timers[path]; t != nil {
		t.Stop()
		delete(s.timers, path)
	}
	s.mu.Unlock()
	if e == nil || e.fut == nil || e.fut.Settled() {
		return
	}
	s.log.Info("spool file removed; cancelling job", logx.String("file", path), logx.String("job", e.fut.ID()))
	e.fut.RequestCancellation()
}

// Wait blocks until the result of every submitted job was written or ctx
// is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.writers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
