package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"jobsched/internal/config"
	"jobsched/internal/notify"
	"jobsched/internal/observability/admin"
	"jobsched/internal/spool"
	"jobsched/internal/storage"
	"jobsched/internal/task/engine"
	"jobsched/internal/task/trigger"
	logx "jobsched/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	delay, err := config.ParseDurationField("scheduler.inter_batch_delay", cfg.Scheduler.InterBatchDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		ConcurrencyLimit: cfg.Scheduler.ConcurrencyLimit,
		InterBatchDelay:  delay,
		HistorySize:      cfg.Scheduler.HistorySize,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "none", "off", "disabled":
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, Retention: sc.Retention}, true, nil
}

func mapSpoolConfig(cfg *config.Config) (spool.Config, bool) {
	if !cfg.Spool.Enabled {
		return spool.Config{}, false
	}
	return spool.Config{Dir: strings.TrimSpace(cfg.Spool.Dir), RatePerSec: cfg.Spool.RatePerSec}, true
}

func mapAdminConfig(cfg *config.Config) (admin.Config, bool, error) {
	ac := cfg.Admin
	if !ac.Enabled {
		return admin.Config{}, false, nil
	}
	out := admin.Config{
		Addr:          strings.TrimSpace(ac.Addr),
		Token:         strings.TrimSpace(ac.Token),
		AllowInsecure: ac.AllowInsecure,
		Profiling:     ac.Pprof,
	}
	if err := config.ParseDurations(ac.Timeouts(&out.ReadTimeout, &out.WriteTimeout, &out.IdleTimeout)...); err != nil {
		return admin.Config{}, false, err
	}
	if out.Addr != "" {
		if err := admin.CheckBind(out.Addr, out.Token, out.AllowInsecure); err != nil {
			return admin.Config{}, false, err
		}
	}
	return out, true, nil
}

func mapNotifyConfig(cfg *config.Config) (notify.Config, notify.TelegramConfig, bool, error) {
	nc := cfg.Notify
	if !nc.Enabled {
		return notify.Config{}, notify.TelegramConfig{}, false, nil
	}
	window, err := config.ParseDurationField("notify.dedup_window", nc.DedupWindow)
	if err != nil {
		return notify.Config{}, notify.TelegramConfig{}, false, err
	}
	out := notify.Config{
		RatePerSec:  nc.RatePerSec,
		RetryMax:    nc.RetryMax,
		DedupWindow: window,
	}
	tg := notify.TelegramConfig{
		Token:    nc.Telegram.Token,
		ChatID:   nc.Telegram.ChatID,
		ThreadID: nc.Telegram.ThreadID,
		APIURL:   nc.Telegram.APIURL,
	}
	return out, tg, true, nil
}

// validateConfig is the reload validator. config.Validate has already run;
// this adds the checks that need other packages.
func validateConfig(cfg *config.Config) error {
	var errs []error
	if _, err := mapEngineConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := mapAdminConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, _, _, err := mapNotifyConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	defs, err := trigger.FromConfig(cfg.Triggers)
	if err != nil {
		errs = append(errs, err)
	}
	for _, d := range defs {
		if err := trigger.Validate(d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
