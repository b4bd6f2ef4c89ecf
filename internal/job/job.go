// Package job is the concrete unit of work the jobsched daemon schedules:
// an optional sleep followed by either a command or a systemd unit action.
package job

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"jobsched/internal/config"
	"jobsched/internal/task/delay"
	"jobsched/pkg/unitctl"
)

// MaxOutput bounds the captured combined output of a command.
const MaxOutput = 64 << 10

// Spec describes one job.
type Spec struct {
	Name    string
	Command []string
	Dir     string
	Env     map[string]string
	// Sleep runs before Command and honours cancellation.
	Sleep time.Duration
	// Timeout bounds Command or the unit action; 0 means none.
	Timeout time.Duration

	Unit   string
	Action unitctl.Action
}

// Result is what a finished job produced. A non-zero ExitCode is also
// reported as an error by Run.
type Result struct {
	ExitCode  int           `json:"exit_code"`
	Output    string        `json:"output,omitempty"`
	Truncated bool          `json:"truncated,omitempty"`
	Took      time.Duration `json:"took"`
}

// ExitError is returned by Run when the command exits non-zero.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

// JobName returns Name, or the program name when Name is empty.
func (s Spec) JobName() string {
	if s.Name != "" {
		return s.Name
	}
	if len(s.Command) > 0 {
		return filepath.Base(s.Command[0])
	}
	if s.Unit != "" {
		return string(s.Action) + " " + s.Unit
	}
	return "sleep"
}

func (s Spec) Validate() error {
	if len(s.Command) == 0 && s.Unit == "" && s.Sleep <= 0 {
		return errors.New("job: needs a command, a unit or a sleep")
	}
	if len(s.Command) > 0 && s.Unit != "" {
		return errors.New("job: command and unit are mutually exclusive")
	}
	if len(s.Command) > 0 && strings.TrimSpace(s.Command[0]) == "" {
		return errors.New("job: empty program name")
	}
	if s.Sleep < 0 || s.Timeout < 0 {
		return errors.New("job: durations must be >= 0")
	}
	return nil
}

// FromConfig converts the config form of a job. name is used when the
// config does not set one.
func FromConfig(name string, c config.JobConfig) (Spec, error) {
	if err := config.ValidateJob("job", c); err != nil {
		return Spec{}, err
	}
	// ValidateJob already parsed these.
	sleep, _ := config.ParseDurationField("sleep", c.Sleep)
	timeout, _ := config.ParseDurationField("timeout", c.Timeout)
	if c.Name != "" {
		name = c.Name
	}
	spec := Spec{
		Name:    name,
		Command: c.Command,
		Dir:     c.Dir,
		Env:     c.Env,
		Sleep:   sleep,
		Timeout: timeout,
	}
	if u := strings.TrimSpace(c.Unit); u != "" {
		spec.Unit = unitctl.UnitName(u)
		spec.Action, _ = unitctl.ParseAction(c.Action)
	}
	return spec, nil
}

// ParseSpec decodes a YAML or JSON job file. The file's base name (without
// extension) is the default job name.
func ParseSpec(path string, data []byte) (Spec, error) {
	var c config.JobConfig
	if err := config.DecodeStrict(path, data, &c); err != nil {
		return Spec{}, fmt.Errorf("%s: %w", path, err)
	}
	base := filepath.Base(path)
	spec, err := FromConfig(strings.TrimSuffix(base, filepath.Ext(base)), c)
	if err != nil {
		return Spec{}, fmt.Errorf("%s: %w", path, err)
	}
	return spec, nil
}

// runUnit is swapped in tests; the real one needs a system bus.
var runUnit = unitctl.Run

// Run executes s. Cancelling ctx interrupts the sleep (the error then
// matches delay.ErrCancelled), kills a running command and abandons the
// wait for a unit action.
func Run(ctx context.Context, s Spec) (Result, error) {
	start := time.Now()
	if err := s.Validate(); err != nil {
		return Result{}, err
	}
	if s.Sleep > 0 {
		if err := delay.Delay(ctx, s.Sleep); err != nil {
			return Result{Took: time.Since(start)}, err
		}
	}
	if len(s.Command) == 0 && s.Unit == "" {
		return Result{Took: time.Since(start)}, nil
	}

	cctx := ctx
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	if s.Unit != "" {
		return runUnitAction(ctx, cctx, s, start)
	}

	cmd := exec.CommandContext(cctx, s.Command[0], s.Command[1:]...)
	cmd.Dir = s.Dir
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), envList(s.Env)...)
	}
	out := &cappedBuffer{max: MaxOutput}
	cmd.Stdout = out
	cmd.Stderr = out
	// Don't let an orphaned grandchild holding the pipes block Wait forever.
	cmd.WaitDelay = time.Second

	runErr := cmd.Run()
	res := Result{Output: out.String(), Truncated: out.truncated, Took: time.Since(start)}

	// A cancelled job reports cancellation, not the kill signal's exit status.
	if ctx.Err() != nil {
		res.ExitCode = -1
		return res, delay.Cancelled(ctx)
	}
	if cctx.Err() != nil {
		res.ExitCode = -1
		return res, fmt.Errorf("job: timed out after %s", s.Timeout)
	}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		return res, nil
	case errors.As(runErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		return res, &ExitError{Code: res.ExitCode}
	default:
		// Non-exit errors (e.g. binary not found).
		res.ExitCode = -1
		return res, fmt.Errorf("job: run %s: %w", s.Command[0], runErr)
	}
}

func runUnitAction(ctx, cctx context.Context, s Spec, start time.Time) (Result, error) {
	action := s.Action
	if action == "" {
		action = unitctl.Restart
	}
	out, err := runUnit(cctx, s.Unit, action)
	res := Result{Output: out, Took: time.Since(start)}
	switch {
	case ctx.Err() != nil:
		res.ExitCode = -1
		return res, delay.Cancelled(ctx)
	case cctx.Err() != nil:
		res.ExitCode = -1
		return res, fmt.Errorf("job: timed out after %s", s.Timeout)
	case err != nil:
		res.ExitCode = 1
		return res, fmt.Errorf("job: %w", err)
	}
	return res, nil
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if room := b.max - b.buf.Len(); room < len(p) {
		p = p[:max(room, 0)]
		b.truncated = true
	}
	b.buf.Write(p)
	return n, nil
}

func (b *cappedBuffer) String() string { return b.buf.String() }
