// Package unitctl starts, stops, restarts and reloads systemd units over
// D-Bus and waits for the resulting systemd job.
package unitctl

import (
	"errors"
	"fmt"
	"strings"
)

// Action is a unit operation.
type Action string

const (
	Start   Action = "start"
	Stop    Action = "stop"
	Restart Action = "restart"
	Reload  Action = "reload"
)

var ErrUnsupported = errors.New("unitctl: unsupported OS (linux only)")

// ParseAction accepts the four actions case-insensitively; empty means restart.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case "":
		return Restart, nil
	case Start, Stop, Restart, Reload:
		return a, nil
	default:
		return "", fmt.Errorf("unitctl: unknown action %q", s)
	}
}

// UnitName appends ".service" to names without a unit type suffix.
func UnitName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	for _, suf := range []string{".service", ".timer", ".target", ".socket", ".mount", ".path", ".slice", ".scope"} {
		if strings.HasSuffix(name, suf) {
			return name
		}
	}
	return name + ".service"
}

// JobFailedError is returned when systemd reports a job result other than "done".
type JobFailedError struct {
	Unit   string
	Action Action
	Result string // failed, canceled, timeout, dependency, skipped
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Action, e.Unit, e.Result)
}

func formatResult(a Action, unit, result string) error {
	if result == "done" {
		return nil
	}
	return &JobFailedError{Unit: unit, Action: a, Result: result}
}
