package job

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"jobsched/internal/config"
	"jobsched/internal/task/delay"
	"jobsched/pkg/unitctl"
)

func needShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestRunCommand(t *testing.T) {
	needShell(t)
	res, err := Run(context.Background(), Spec{
		Command: []string{"sh", "-c", `echo "$GREETING"; echo oops >&2`},
		Env:     map[string]string{"GREETING": "hello"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 || !strings.Contains(res.Output, "hello") || !strings.Contains(res.Output, "oops") {
		t.Fatalf("result = %+v", res)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	needShell(t)
	res, err := Run(context.Background(), Spec{Command: []string{"sh", "-c", "exit 3"}})
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 3 || res.ExitCode != 3 {
		t.Fatalf("got (%+v, %v)", res, err)
	}
}

func TestRunMissingBinary(t *testing.T) {
	_, err := Run(context.Background(), Spec{Command: []string{"/definitely/not/here"}})
	if err == nil || delay.IsCancelled(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestRunSleepHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err := Run(ctx, Spec{Sleep: time.Hour})
	if !delay.IsCancelled(err) {
		t.Fatalf("err = %v, want cancelled", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("cancellation did not interrupt the sleep")
	}
}

func TestRunCommandCancelled(t *testing.T) {
	needShell(t)
	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel(delay.ErrCancelled)
	}()
	res, err := Run(ctx, Spec{Command: []string{"sh", "-c", "sleep 10"}})
	if !delay.IsCancelled(err) || res.ExitCode != -1 {
		t.Fatalf("got (%+v, %v)", res, err)
	}
}

func TestRunTimeout(t *testing.T) {
	needShell(t)
	_, err := Run(context.Background(), Spec{Command: []string{"sh", "-c", "sleep 10"}, Timeout: 50 * time.Millisecond})
	if err == nil || delay.IsCancelled(err) || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("err = %v", err)
	}
}

func TestRunTruncatesOutput(t *testing.T) {
	needShell(t)
	res, err := Run(context.Background(), Spec{Command: []string{"sh", "-c", "head -c 100000 /dev/zero"}})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Truncated || len(res.Output) != MaxOutput {
		t.Fatalf("output len = %d, truncated = %v", len(res.Output), res.Truncated)
	}
}

func TestInvalidSpec(t *testing.T) {
	_, err := Run(context.Background(), Spec{})
	if err == nil {
		t.Fatal("expected error for empty spec")
	}
	for _, want := range []string{"command", "unit", "sleep"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
	if err := (Spec{Unit: "nginx"}).Validate(); err != nil {
		t.Fatalf("unit-only spec rejected: %v", err)
	}
}

func TestParseSpec(t *testing.T) {
	spec, err := ParseSpec("/spool/backup.yaml", []byte("command: [tar, czf, /tmp/x.tgz, /etc]\ntimeout: 1m\nenv:\n  A: b\n"))
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}
	if spec.Name != "backup" || spec.Timeout != time.Minute || spec.Env["A"] != "b" || len(spec.Command) != 4 {
		t.Fatalf("spec = %+v", spec)
	}

	spec, err = ParseSpec("wait.json", []byte(`{"name":"nap","sleep":"250ms"}`))
	if err != nil {
		t.Fatalf("ParseSpec json: %v", err)
	}
	if spec.Name != "nap" || spec.Sleep != 250*time.Millisecond || spec.JobName() != "nap" {
		t.Fatalf("spec = %+v", spec)
	}

	for _, bad := range []string{"retries: 3\nsleep: 1s\n", "sleep: forever\n", "env: {}\n"} {
		if _, err := ParseSpec("bad.yaml", []byte(bad)); err == nil {
			t.Errorf("ParseSpec(%q): expected error", bad)
		}
	}
}

func TestFromConfigAndJobName(t *testing.T) {
	spec, err := FromConfig("nightly", config.JobConfig{Command: []string{"/usr/bin/rsync", "-a"}, Sleep: "1s"})
	if err != nil {
		t.Fatal(err)
	}
	if spec.Name != "nightly" || spec.Sleep != time.Second {
		t.Fatalf("spec = %+v", spec)
	}
	if got := (Spec{Command: []string{"/usr/bin/rsync"}}).JobName(); got != "rsync" {
		t.Fatalf("JobName = %q", got)
	}
}

func stubUnit(t *testing.T, fn func(ctx context.Context, unit string, a unitctl.Action) (string, error)) {
	t.Helper()
	prev := runUnit
	runUnit = fn
	t.Cleanup(func() { runUnit = prev })
}

func TestRunUnitAction(t *testing.T) {
	var gotUnit string
	var gotAction unitctl.Action
	stubUnit(t, func(_ context.Context, unit string, a unitctl.Action) (string, error) {
		gotUnit, gotAction = unit, a
		return "done", nil
	})
	spec, err := FromConfig("", config.JobConfig{Unit: "nginx", Action: "Reload"})
	if err != nil {
		t.Fatal(err)
	}
	if spec.JobName() != "reload nginx.service" {
		t.Fatalf("JobName = %q", spec.JobName())
	}
	res, err := Run(context.Background(), spec)
	if err != nil || res.Output != "done" {
		t.Fatalf("Run = (%+v, %v)", res, err)
	}
	if gotUnit != "nginx.service" || gotAction != unitctl.Reload {
		t.Fatalf("called with %q %q", gotUnit, gotAction)
	}
}

func TestRunUnitActionFailureAndCancel(t *testing.T) {
	stubUnit(t, func(ctx context.Context, unit string, a unitctl.Action) (string, error) {
		if unit == "slow.service" {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "failed", &unitctl.JobFailedError{Unit: unit, Action: a, Result: "failed"}
	})

	res, err := Run(context.Background(), Spec{Unit: "bad.service", Action: unitctl.Start})
	var jf *unitctl.JobFailedError
	if !errors.As(err, &jf) || res.ExitCode != 1 {
		t.Fatalf("Run = (%+v, %v)", res, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	res, err = Run(ctx, Spec{Unit: "slow.service"})
	if !errors.Is(err, delay.ErrCancelled) || res.ExitCode != -1 {
		t.Fatalf("cancelled Run = (%+v, %v)", res, err)
	}

	if _, err := Run(context.Background(), Spec{Unit: "slow.service", Timeout: 10 * time.Millisecond}); err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("timeout err = %v", err)
	}
}

func TestUnitJobValidation(t *testing.T) {
	if err := (Spec{Unit: "a.service", Command: []string{"true"}}).Validate(); err == nil {
		t.Fatal("command and unit together should be rejected")
	}
	if _, err := FromConfig("x", config.JobConfig{Unit: "a", Action: "enable"}); err == nil {
		t.Fatal("unknown action should be rejected")
	}
	if _, err := FromConfig("x", config.JobConfig{Command: []string{"true"}, Action: "start"}); err == nil {
		t.Fatal("action without unit should be rejected")
	}
}
