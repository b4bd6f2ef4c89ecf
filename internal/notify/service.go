// Package notify turns scheduler failures on the event bus into alerts:
// dedup window, rate limit, retry with backoff, then a Sender.
package notify

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"html"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"jobsched/internal/eventbus"
	"jobsched/internal/job"
	"jobsched/internal/task/engine"
	logx "jobsched/pkg/logx"
)

// Sender delivers one formatted alert.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type Config struct {
	// RatePerSec bounds sends (default 1, burst 3).
	RatePerSec int
	// RetryMax is the number of retries after the first attempt (default 3).
	RetryMax      int
	RetryBase     time.Duration // default 500ms
	RetryMaxDelay time.Duration // default 10s
	// DedupWindow suppresses identical alerts (default 10m, <0 disables).
	DedupWindow time.Duration
	// QueueSize is the bus subscription buffer (default 64).
	QueueSize int
}

type Stats struct {
	Sent    uint64
	Failed  uint64
	Deduped uint64
}

type Service struct {
	cfg    Config
	sender Sender
	log    logx.Logger
	lim    *rate.Limiter

	ch    <-chan eventbus.Event
	unsub func()

	dmu   sync.Mutex
	dedup map[string]time.Time

	sent, failed, deduped atomic.Uint64
}

const maxDedupEntries = 2000

// New subscribes to bus right away so failures published before Run are kept.
func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) (*Service, error) {
	if sender == nil || bus == nil {
		return nil, errors.New("notify: sender and bus are required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	} else if cfg.RetryMax == 0 {
		cfg.RetryMax = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow == 0 {
		cfg.DedupWindow = 10 * time.Minute
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	ch, unsub := bus.Subscribe(cfg.QueueSize, engine.TopicJobFailed, engine.TopicSchedulerError)
	return &Service{
		cfg:    cfg,
		sender: sender,
		log:    log,
		lim:    rate.NewLimiter(rate.Limit(cfg.RatePerSec), 3*cfg.RatePerSec),
		ch:     ch,
		unsub:  unsub,
		dedup:  map[string]time.Time{},
	}, nil
}

// Run sends alerts until ctx is done, then flushes what is already buffered
// within a short budget.
func (s *Service) Run(ctx context.Context) error {
	defer s.unsub()
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return nil
		case e, ok := <-s.ch:
			if !ok {
				return nil
			}
			s.handle(ctx, e)
		}
	}
}

func (s *Service) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case e, ok := <-s.ch:
			if !ok {
				return
			}
			s.handle(ctx, e)
		default:
			return
		}
	}
}

func (s *Service) Stats() Stats {
	return Stats{Sent: s.sent.Load(), Failed: s.failed.Load(), Deduped: s.deduped.Load()}
}

func (s *Service) handle(ctx context.Context, e eventbus.Event) {
	key, text, ok := Format(e)
	if !ok {
		return
	}
	if !s.dedupAllow(key, time.Now()) {
		s.deduped.Add(1)
		s.log.Debug("alert deduped", logx.String("key", key))
		return
	}
	if err := s.sendWithRetry(ctx, text); err != nil {
		s.failed.Add(1)
		s.log.Warn("alert not delivered", logx.String("event", e.Type), logx.Err(err))
		return
	}
	s.sent.Add(1)
}

func (s *Service) sendWithRetry(ctx context.Context, text string) error {
	var lastErr error
	for attempt := 1; attempt <= 1+s.cfg.RetryMax; attempt++ {
		if err := s.lim.Wait(ctx); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := s.sender.Send(callCtx, text)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		s.log.Debug("alert send failed", logx.Int("attempt", attempt), logx.Err(err))
		if attempt > s.cfg.RetryMax {
			break
		}
		t := time.NewTimer(retryDelay(s.cfg, attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(lastErr, ctx.Err())
		case <-t.C:
		}
	}
	return lastErr
}

// retryDelay is the wait before attempt+1: base*2^(attempt-1), capped, with
// 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(min(d, cfg.RetryMaxDelay)) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}

func (s *Service) dedupAllow(key string, now time.Time) bool {
	if s.cfg.DedupWindow < 0 {
		return true
	}
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	if len(s.dedup) >= maxDedupEntries {
		// Evict the entry closest to expiry.
		var oldest string
		var oldestT time.Time
		for k, t := range s.dedup {
			if oldest == "" || t.Before(oldestT) {
				oldest, oldestT = k, t
			}
		}
		delete(s.dedup, oldest)
	}
	s.dedup[key] = now.Add(s.cfg.DedupWindow)
	return true
}

// Format renders a job.failed or scheduler.error event as Telegram HTML.
// key identifies repeats of the same failure regardless of job id.
func Format(e eventbus.Event) (key, text string, ok bool) {
	je, ok := e.Data.(engine.JobEvent)
	if !ok {
		return "", "", false
	}
	var b strings.Builder
	name := je.ID
	if n, ok := je.Data.(interface{ JobName() string }); ok && n.JobName() != "" {
		name = n.JobName()
	}

	switch e.Type {
	case engine.TopicJobFailed:
		// Cancellation was asked for; nothing to alert on.
		if je.ID == "" || engine.IsCancelled(je.Cause) {
			return "", "", false
		}
		fmt.Fprintf(&b, "❌ <b>job failed</b>: <code>%s</code>\n", html.EscapeString(name))
		fmt.Fprintf(&b, "id %s", html.EscapeString(je.ID))
		var exitErr *job.ExitError
		if errors.As(je.Cause, &exitErr) {
			fmt.Fprintf(&b, " · exit %d", exitErr.Code)
		}
		if je.Duration > 0 {
			fmt.Fprintf(&b, " · took %s", je.Duration.Round(time.Millisecond))
		}
	case engine.TopicSchedulerError:
		b.WriteString("🚨 <b>scheduler error</b>")
		if je.ID != "" {
			fmt.Fprintf(&b, " (job %s)", html.EscapeString(je.ID))
		}
	default:
		return "", "", false
	}
	if je.Error != "" {
		fmt.Fprintf(&b, "\n<pre>%s</pre>", html.EscapeString(truncate(je.Error, 1000)))
	}

	// Job errors carry their id as a prefix.
	msg := strings.TrimPrefix(je.Error, je.ID+": ")
	h := fnv.New64a()
	_, _ = h.Write([]byte(e.Type + "|" + name + "|" + msg))
	return fmt.Sprintf("%x", h.Sum64()), b.String(), true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Keep it valid UTF-8.
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
