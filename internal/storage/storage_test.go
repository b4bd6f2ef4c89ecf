package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"jobsched/internal/eventbus"
	"jobsched/internal/job"
	"jobsched/internal/task/engine"
	logx "jobsched/pkg/logx"
)

func openTest(t *testing.T, driver string, retention int) (Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "runs.db")
	st, err := Open(Config{Driver: driver, Path: path, BusyTimeout: time.Second, Retention: retention}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, path
}

func run(i int) RunRecord {
	return RunRecord{
		JobID:    fmt.Sprintf("job-%d", i),
		Name:     "backup",
		Started:  time.Date(2024, 1, 2, 3, 4, 5, i, time.UTC),
		Duration: time.Duration(i) * time.Millisecond,
		OK:       i%2 == 0,
		ExitCode: i % 2,
		Output:   "line\n",
	}
}

func TestOpenDisabled(t *testing.T) {
	for _, d := range []string{"", "none", " OFF "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if st != nil || err != nil {
			t.Fatalf("Open(%q) = (%v, %v), want (nil, nil)", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "postgres", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected error for missing path")
	}
}

func testStoreRoundTrip(t *testing.T, driver string) {
	st, _ := openTest(t, driver, 0)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		if err := st.AppendRun(ctx, run(i)); err != nil {
			t.Fatalf("AppendRun: %v", err)
		}
	}
	got, err := st.RecentRuns(ctx, 3)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(got) != 3 || got[0].JobID != "job-5" || got[2].JobID != "job-3" {
		t.Fatalf("RecentRuns = %+v", got)
	}
	want := run(5)
	if g := got[0]; g.Name != want.Name || !g.Started.Equal(want.Started) || g.Duration != want.Duration ||
		g.OK != want.OK || g.ExitCode != want.ExitCode || g.Output != want.Output {
		t.Fatalf("record = %+v, want %+v", g, want)
	}
	all, err := st.RecentRuns(ctx, 0)
	if err != nil || len(all) != 5 {
		t.Fatalf("RecentRuns(0) = %d records, %v", len(all), err)
	}
}

func TestFileStoreRoundTrip(t *testing.T)   { testStoreRoundTrip(t, "file") }
func TestSQLiteStoreRoundTrip(t *testing.T) { testStoreRoundTrip(t, "sqlite") }

func TestFileStoreReloadsAndCompacts(t *testing.T) {
	st, path := openTest(t, "file", 3)
	ctx := context.Background()
	for i := 1; i <= 7; i++ {
		if err := st.AppendRun(ctx, run(i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}
	if err := st.AppendRun(ctx, run(8)); !errors.Is(err, ErrClosed) {
		t.Fatalf("append after close err = %v", err)
	}

	// 7 > 2*3 triggered a compaction down to the newest 3.
	b, err := os.ReadFile(filePath(path))
	if err != nil {
		t.Fatal(err)
	}
	if lines := countLines(b); lines != 3 {
		t.Fatalf("file has %d lines after compaction, want 3", lines)
	}

	reopened, err := Open(Config{Driver: "file", Path: path, Retention: 3}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	got, err := reopened.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].JobID != "job-7" || got[2].JobID != "job-5" {
		t.Fatalf("reloaded = %+v", got)
	}
}

func countLines(b []byte) int {
	n := 0
	for _, c := range b {
		if c == '\n' {
			n++
		}
	}
	return n
}

func TestRecordFromEvent(t *testing.T) {
	started := time.Now()
	ok := eventbus.Event{Type: engine.TopicJobCompleted, Data: engine.JobEvent{
		ID:       "job-1",
		Started:  started,
		Duration: time.Second,
		Data:     job.Spec{Name: "backup", Command: []string{"true"}},
		Result:   job.Result{ExitCode: 0, Output: "done"},
	}}
	rec, good := RecordFromEvent(ok)
	if !good || !rec.OK || rec.Name != "backup" || rec.Output != "done" || rec.Duration != time.Second {
		t.Fatalf("record = %+v", rec)
	}

	failed := eventbus.Event{Type: engine.TopicJobFailed, Data: engine.JobEvent{
		ID:    "job-2",
		Error: "exit status 4",
		Cause: &engine.JobError{JobID: "job-2", Kind: engine.ErrJobProcessing, Err: &job.ExitError{Code: 4}},
		Data:  job.Spec{Command: []string{"/usr/bin/false"}},
	}}
	rec, good = RecordFromEvent(failed)
	if !good || rec.OK || rec.ExitCode != 4 || rec.Name != "false" || rec.Error == "" {
		t.Fatalf("record = %+v", rec)
	}

	if _, good := RecordFromEvent(eventbus.Event{Type: engine.TopicQueueEmpty, Data: engine.JobEvent{}}); good {
		t.Fatal("event without job id should be ignored")
	}
}

func TestRecorderPersistsSchedulerRuns(t *testing.T) {
	st, _ := openTest(t, "file", 0)
	bus := eventbus.New()
	rec := NewRecorder(st, bus, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	sched, err := engine.New(engine.Config{ConcurrencyLimit: 2}, func(_ context.Context, n int) (int, error) {
		if n < 0 {
			return 0, errors.New("negative")
		}
		return n, nil
	}, engine.WithBus(bus))
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range []int{1, -1, 2} {
		_, _ = sched.Submit(n).Wait(context.Background())
	}
	sched.Dispose()
	_ = sched.Wait(context.Background())

	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if written, failed := rec.Stats(); written != 3 || failed != 0 {
		t.Fatalf("stats = (%d, %d)", written, failed)
	}
	runs, err := st.RecentRuns(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	var oks int
	for _, r := range runs {
		if r.OK {
			oks++
		}
	}
	if len(runs) != 3 || oks != 2 {
		t.Fatalf("runs = %+v", runs)
	}
}
