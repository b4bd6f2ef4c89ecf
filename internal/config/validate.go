package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"jobsched/pkg/unitctl"
)

const (
	OverlapSkip  = "skip"
	OverlapAllow = "allow"
)

// Validate checks everything that can be checked without other packages:
// numeric ranges, duration strings, storage driver, trigger names and jobs.
// Schedule expressions are checked by the trigger service.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if cfg.Scheduler.ConcurrencyLimit < 0 {
		errs = append(errs, fmt.Errorf("scheduler.concurrency_limit: must be >= 0, got %d", cfg.Scheduler.ConcurrencyLimit))
	}
	if cfg.Scheduler.HistorySize < 0 {
		errs = append(errs, fmt.Errorf("scheduler.history_size: must be >= 0, got %d", cfg.Scheduler.HistorySize))
	}
	if _, err := ParseDurationField("scheduler.inter_batch_delay", cfg.Scheduler.InterBatchDelay); err != nil {
		errs = append(errs, err)
	}

	if s := cfg.Storage; s != nil {
		switch d := strings.ToLower(strings.TrimSpace(s.Driver)); d {
		case "", "none", "off", "disabled", "file", "jsonl", "sqlite", "sqlite3":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
		if s.Retention < 0 {
			errs = append(errs, fmt.Errorf("storage.retention: must be >= 0, got %d", s.Retention))
		}
	}

	if cfg.Spool.Enabled && strings.TrimSpace(cfg.Spool.Dir) == "" {
		errs = append(errs, errors.New("spool.dir: required when spool is enabled"))
	}
	if cfg.Spool.RatePerSec < 0 {
		errs = append(errs, fmt.Errorf("spool.rate_per_sec: must be >= 0, got %d", cfg.Spool.RatePerSec))
	}

	if cfg.Admin.Enabled {
		if err := ParseDurations(cfg.Admin.Timeouts(nil, nil, nil)...); err != nil {
			errs = append(errs, err)
		}
	}

	if n := cfg.Notify; n.Enabled {
		if strings.TrimSpace(n.Telegram.Token) == "" {
			errs = append(errs, errors.New("notify.telegram.token: required when notify is enabled"))
		}
		if n.Telegram.ChatID == 0 {
			errs = append(errs, errors.New("notify.telegram.chat_id: required when notify is enabled"))
		}
		if n.RatePerSec < 0 {
			errs = append(errs, fmt.Errorf("notify.rate_per_sec: must be >= 0, got %d", n.RatePerSec))
		}
		if _, err := ParseDurationField("notify.dedup_window", n.DedupWindow); err != nil {
			errs = append(errs, err)
		}
	}

	seen := make(map[string]struct{}, len(cfg.Triggers))
	for i, t := range cfg.Triggers {
		path := fmt.Sprintf("triggers[%d]", i)
		name := strings.TrimSpace(t.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("%s.name: required", path))
		} else if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("%s.name: duplicate trigger %q", path, name))
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(t.Schedule) == "" {
			errs = append(errs, fmt.Errorf("%s.schedule: required", path))
		}
		if tz := strings.TrimSpace(t.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				errs = append(errs, fmt.Errorf("%s.timezone: %w", path, err))
			}
		}
		switch strings.ToLower(strings.TrimSpace(t.Overlap)) {
		case "", OverlapSkip, OverlapAllow:
		default:
			errs = append(errs, fmt.Errorf("%s.overlap: want %q or %q, got %q", path, OverlapSkip, OverlapAllow, t.Overlap))
		}
		if err := ValidateJob(path+".job", t.Job); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ValidateJob checks a job definition found at path.
func ValidateJob(path string, j JobConfig) error {
	var errs []error
	sleep, err := ParseDurationField(path+".sleep", j.Sleep)
	if err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField(path+".timeout", j.Timeout); err != nil {
		errs = append(errs, err)
	}
	unit := strings.TrimSpace(j.Unit)
	if len(j.Command) == 0 && unit == "" && sleep == 0 && err == nil {
		errs = append(errs, fmt.Errorf("%s: needs a command, a unit or a sleep", path))
	}
	if len(j.Command) > 0 && strings.TrimSpace(j.Command[0]) == "" {
		errs = append(errs, fmt.Errorf("%s.command: empty program name", path))
	}
	if len(j.Command) > 0 && unit != "" {
		errs = append(errs, fmt.Errorf("%s: command and unit are mutually exclusive", path))
	}
	if _, err := unitctl.ParseAction(j.Action); err != nil {
		errs = append(errs, fmt.Errorf("%s.action: %w", path, err))
	}
	if unit == "" && strings.TrimSpace(j.Action) != "" {
		errs = append(errs, fmt.Errorf("%s.action: set without a unit", path))
	}
	return errors.Join(errs...)
}

// InterBatch returns the parsed inter_batch_delay; Validate has already rejected bad values.
func (s SchedulerConfig) InterBatch() time.Duration {
	d, _ := ParseDurationField("scheduler.inter_batch_delay", s.InterBatchDelay)
	return d
}
