package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"jobsched/internal/app"
)

func main() {
	var (
		cfgPath string
		grace   time.Duration
	)
	flag.StringVar(&cfgPath, "config", "./jobsched.yaml", "path to config yaml/json")
	flag.DurationVar(&grace, "shutdown-timeout", 30*time.Second, "how long Stop waits for running jobs")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	// No-ops outside systemd (NOTIFY_SOCKET unset).
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	go watchdog(a.Done())

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}
	if err := a.Err(); err != nil {
		fmt.Println("fatal:", err)
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), grace)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		fmt.Println("stop:", err)
	}
	if reason == app.StopFatalError {
		os.Exit(1)
	}
}

// watchdog pings systemd at half the WatchdogSec interval while the app runs.
func watchdog(done <-chan struct{}) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
