//go:build linux

package unitctl

import (
	"context"
	"fmt"

	"github.com/coreos/go-systemd/v22/dbus"
)

// Run performs a on unit and waits until systemd finished the job or ctx
// is done. It returns systemd's job result ("done" on success).
//
// Each call opens its own system bus connection; jobs are infrequent.
func Run(ctx context.Context, unit string, a Action) (string, error) {
	unit = UnitName(unit)
	if unit == "" {
		return "", fmt.Errorf("unitctl: unit name required")
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to connect to systemd: %w", err)
	}
	defer conn.Close()

	ch := make(chan string, 1)
	switch a {
	case Start:
		_, err = conn.StartUnitContext(ctx, unit, "replace", ch)
	case Stop:
		_, err = conn.StopUnitContext(ctx, unit, "replace", ch)
	case Restart:
		_, err = conn.RestartUnitContext(ctx, unit, "replace", ch)
	case Reload:
		_, err = conn.ReloadUnitContext(ctx, unit, "replace", ch)
	default:
		return "", fmt.Errorf("unitctl: unknown action %q", a)
	}
	if err != nil {
		return "", fmt.Errorf("failed to %s %s: %w", a, unit, err)
	}

	select {
	case res := <-ch:
		return res, formatResult(a, unit, res)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
