package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"jobsched/internal/config"
	"jobsched/internal/job"
	"jobsched/internal/task/engine"
	"jobsched/internal/task/future"
	logx "jobsched/pkg/logx"
)

var _ Submitter = (*engine.Scheduler[job.Spec, job.Result])(nil)

type fakeSubmitter struct {
	mu   sync.Mutex
	futs []*future.Future[job.Result]
	jobs []job.Spec
}

func (f *fakeSubmitter) Submit(spec job.Spec) *future.Future[job.Result] {
	f.mu.Lock()
	defer f.mu.Unlock()
	fut := future.New[job.Result](fmt.Sprintf("job-%d", len(f.futs)+1), nil)
	f.futs = append(f.futs, fut)
	f.jobs = append(f.jobs, spec)
	return fut
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.futs)
}

func sleepJob() job.Spec { return job.Spec{Name: "nap", Sleep: time.Millisecond} }

func TestParseSchedule(t *testing.T) {
	cases := []struct {
		in    string
		kind  ScheduleKind
		spec  string
		every time.Duration
	}{
		{in: "*/5 * * * *", kind: KindCron, spec: "*/5 * * * *"},
		{in: "@hourly", kind: KindCron, spec: "@hourly"},
		{in: "cron:0 3 * * *", kind: KindCron, spec: "0 3 * * *"},
		{in: "55m", kind: KindInterval, every: 55 * time.Minute},
		{in: "02:30", kind: KindInterval, every: 150 * time.Minute},
		{in: "every: 10s", kind: KindInterval, every: 10 * time.Second},
		{in: "Interval:00:05", kind: KindInterval, every: 5 * time.Minute},
	}
	for _, tc := range cases {
		got, err := ParseSchedule(tc.in)
		if err != nil {
			t.Errorf("ParseSchedule(%q): %v", tc.in, err)
			continue
		}
		if got.Kind != tc.kind || got.Every != tc.every {
			t.Errorf("ParseSchedule(%q) = %+v", tc.in, got)
		}
		if tc.spec != "" && got.Spec() != tc.spec {
			t.Errorf("ParseSchedule(%q).Spec() = %q, want %q", tc.in, got.Spec(), tc.spec)
		}
	}
	if got, _ := ParseSchedule("90s"); got.Spec() != "@every 1m30s" {
		t.Errorf("interval spec = %q", got.Spec())
	}

	for _, bad := range []string{"", "  ", "cron:", "00:75", "0s", "-5m", "soon", "every:"} {
		if _, err := ParseSchedule(bad); err == nil {
			t.Errorf("ParseSchedule(%q): expected error", bad)
		}
	}
}

func TestValidate(t *testing.T) {
	ok := Definition{Name: "a", Schedule: "0 3 * * *", Timezone: "UTC", Job: sleepJob()}
	if err := Validate(ok); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	bad := []Definition{
		{Name: "", Schedule: "@hourly", Job: sleepJob()},
		{Name: "a", Schedule: "61 * * * *", Job: sleepJob()},
		{Name: "a", Schedule: "@hourly", Timezone: "Mars/Olympus", Job: sleepJob()},
		{Name: "a", Schedule: "@hourly", Job: job.Spec{}},
	}
	for _, d := range bad {
		if err := Validate(d); err == nil {
			t.Errorf("Validate(%+v): expected error", d)
		}
	}
}

func TestFireSkipsWhileRunning(t *testing.T) {
	sub := &fakeSubmitter{}
	s := New(sub, logx.Nop())
	if err := s.Add(Definition{Name: "a", Schedule: "@hourly", Job: sleepJob()}); err != nil {
		t.Fatal(err)
	}

	f1, err := s.Fire("a")
	if err != nil {
		t.Fatalf("first fire: %v", err)
	}
	if _, err := s.Fire("a"); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second fire err = %v, want ErrOverlapSkip", err)
	}
	f1.Resolve(job.Result{})
	if _, err := s.Fire("a"); err != nil {
		t.Fatalf("fire after settle: %v", err)
	}

	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Fired != 2 || snap[0].Skipped != 1 || !snap[0].Running || snap[0].LastJob != "job-2" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if _, err := s.Fire("missing"); !errors.Is(err, ErrUnknownTrigger) {
		t.Fatalf("unknown trigger err = %v", err)
	}
}

func TestFireAllowOverlap(t *testing.T) {
	sub := &fakeSubmitter{}
	s := New(sub, logx.Nop())
	if err := s.Add(Definition{Name: "a", Schedule: "10m", Overlap: OverlapAllow, Job: sleepJob()}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.Fire("a"); err != nil {
			t.Fatalf("fire %d: %v", i, err)
		}
	}
	if n := sub.count(); n != 3 {
		t.Fatalf("submitted %d jobs, want 3", n)
	}
}

func TestApplyReplacesSet(t *testing.T) {
	sub := &fakeSubmitter{}
	s := New(sub, logx.Nop())
	a := Definition{Name: "a", Schedule: "@hourly", Job: sleepJob()}
	b := Definition{Name: "b", Schedule: "@daily", Job: sleepJob()}
	if err := s.Apply([]Definition{a, b}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Fire("a"); err != nil {
		t.Fatal(err)
	}

	// a unchanged keeps its in-flight run, b goes away, c is new.
	c := Definition{Name: "c", Schedule: "5m", Job: sleepJob()}
	if err := s.Apply([]Definition{a, c}); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	if len(snap) != 2 || snap[0].Name != "a" || snap[1].Name != "c" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if !snap[0].Running {
		t.Fatal("unchanged trigger lost its running job")
	}

	// A changed definition still respects the in-flight run.
	a2 := a
	a2.Schedule = "@every 2h"
	if err := s.Apply([]Definition{a2, c}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Fire("a"); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("redefined trigger err = %v, want ErrOverlapSkip", err)
	}
	if s.Snapshot()[0].Spec != "@every 2h" {
		t.Fatalf("spec not updated: %+v", s.Snapshot()[0])
	}
}

func TestApplyIsAtomic(t *testing.T) {
	s := New(&fakeSubmitter{}, logx.Nop())
	if err := s.Apply([]Definition{{Name: "a", Schedule: "@hourly", Job: sleepJob()}}); err != nil {
		t.Fatal(err)
	}
	err := s.Apply([]Definition{
		{Name: "b", Schedule: "@hourly", Job: sleepJob()},
		{Name: "b", Schedule: "@daily", Job: sleepJob()},
		{Name: "c", Schedule: "bogus", Job: sleepJob()},
	})
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("Apply err = %v", err)
	}
	if snap := s.Snapshot(); len(snap) != 1 || snap[0].Name != "a" {
		t.Fatalf("failed Apply changed the set: %+v", snap)
	}
}

func TestTimezoneIsApplied(t *testing.T) {
	s := New(&fakeSubmitter{}, logx.Nop(), WithLocation(time.UTC))
	if err := s.Add(Definition{Name: "tokyo", Schedule: "0 9 * * *", Timezone: "Asia/Tokyo", Job: sleepJob()}); err != nil {
		t.Skipf("tz database unavailable: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	info := s.Snapshot()[0]
	if !strings.HasPrefix(info.Spec, "CRON_TZ=Asia/Tokyo ") {
		t.Fatalf("spec = %q", info.Spec)
	}
	tokyo, _ := time.LoadLocation("Asia/Tokyo")
	if next := info.Next.In(tokyo); next.Hour() != 9 || next.Minute() != 0 {
		t.Fatalf("next run %s is not 09:00 Tokyo", next)
	}
}

func TestCronSubmitsOnTick(t *testing.T) {
	sub := &fakeSubmitter{}
	s := New(sub, logx.Nop(), WithoutStartupSpread())
	if err := s.Add(Definition{Name: "tick", Schedule: "1s", Overlap: OverlapAllow, Job: sleepJob()}); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for sub.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("trigger never fired")
		}
		time.Sleep(20 * time.Millisecond)
	}
	sub.mu.Lock()
	name := sub.jobs[0].Name
	sub.mu.Unlock()
	if name != "nap" {
		t.Fatalf("submitted job %q", name)
	}
}

func TestFireReportsDisposedScheduler(t *testing.T) {
	sched, err := engine.New(engine.Config{}, job.Run)
	if err != nil {
		t.Fatal(err)
	}
	sched.Dispose()

	s := New(sched, logx.Nop())
	if err := s.Add(Definition{Name: "a", Schedule: "@hourly", Job: sleepJob()}); err != nil {
		t.Fatal(err)
	}
	f, err := s.Fire("a")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok, err := f.Result(); !ok || !errors.Is(err, engine.ErrSchedulerDisposed) {
		t.Fatalf("future = (%v, %v)", err, ok)
	}
}

func TestFromConfig(t *testing.T) {
	defs, err := FromConfig([]config.TriggerConfig{
		{Name: " backup ", Schedule: "0 3 * * *", Overlap: "Allow", Job: config.JobConfig{Command: []string{"true"}, Timeout: "1m"}},
		{Name: "nap", Schedule: "5m", Job: config.JobConfig{Sleep: "1s"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if defs[0].Name != "backup" || defs[0].Overlap != OverlapAllow || defs[0].Job.Timeout != time.Minute || defs[0].Job.Name != "backup" {
		t.Fatalf("defs[0] = %+v", defs[0])
	}
	if defs[1].Overlap != OverlapSkipIfRunning || defs[1].Job.Sleep != time.Second {
		t.Fatalf("defs[1] = %+v", defs[1])
	}
	if _, err := FromConfig([]config.TriggerConfig{{Name: "x", Schedule: "5m"}}); err == nil {
		t.Fatal("expected error for job without command or sleep")
	}
}

func TestStartStopsWithContext(t *testing.T) {
	s := New(&fakeSubmitter{}, logx.Nop(), WithoutStartupSpread())
	if err := s.Add(Definition{Name: "tick", Schedule: "1h", Job: sleepJob()}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	if s.Snapshot()[0].Next.IsZero() {
		t.Fatal("no next run while started")
	}
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for !s.Snapshot()[0].Next.IsZero() {
		if time.Now().After(deadline) {
			t.Fatal("cron still scheduled after ctx ended")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A later Start is not torn down by the first ctx.
	s.Start(context.Background())
	defer s.Stop(context.Background())
	time.Sleep(20 * time.Millisecond)
	if s.Snapshot()[0].Next.IsZero() {
		t.Fatal("restarted cron was stopped")
	}
}
