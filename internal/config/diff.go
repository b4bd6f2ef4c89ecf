package config

import (
	"reflect"
	"sort"
	"strings"

	logx "jobsched/pkg/logx"
)

// Sections that are only read at startup.
var restartSections = map[string]bool{
	"scheduler": true,
	"storage":   true,
	"spool":     true,
	"admin":     true,
	"notify":    true,
}

// ConfigChange summarizes a reload.
type ConfigChange struct {
	// Sections lists changed top-level sections, sorted.
	Sections []string
	// Attrs are safe structured fields for logging the change.
	Attrs []logx.Field
	// Triggers lists trigger names that were added, removed or changed.
	Triggers []string
}

func (c ConfigChange) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// RestartRequired lists changed sections that only take effect after a restart.
func (c ConfigChange) RestartRequired() []string {
	var out []string
	for _, s := range c.Sections {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}

// SummarizeConfigChange compares two configs section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) ConfigChange {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var ch ConfigChange

	if oldCfg.Scheduler != newCfg.Scheduler {
		ch.Sections = append(ch.Sections, "scheduler")
		ch.Attrs = append(ch.Attrs,
			logx.Int("scheduler.concurrency_limit", newCfg.Scheduler.ConcurrencyLimit),
			logx.String("scheduler.inter_batch_delay", strings.TrimSpace(newCfg.Scheduler.InterBatchDelay)),
			logx.Int("scheduler.history_size", newCfg.Scheduler.HistorySize),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		ch.Sections = append(ch.Sections, "logging")
		ch.Attrs = append(ch.Attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Nil means disabled.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		ch.Sections = append(ch.Sections, "storage")
		ch.Attrs = append(ch.Attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(nS.BusyTimeout)),
		)
	}

	if oldCfg.Spool != newCfg.Spool {
		ch.Sections = append(ch.Sections, "spool")
		ch.Attrs = append(ch.Attrs,
			logx.Bool("spool.enabled", newCfg.Spool.Enabled),
			logx.String("spool.dir", newCfg.Spool.Dir),
		)
	}

	if oldCfg.Admin != newCfg.Admin {
		ch.Sections = append(ch.Sections, "admin")
		ch.Attrs = append(ch.Attrs,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", newCfg.Admin.Addr),
			logx.Bool("admin.token_set", newCfg.Admin.Token != ""),
			logx.Bool("admin.pprof", newCfg.Admin.Pprof),
		)
	}

	if oldCfg.Notify != newCfg.Notify {
		ch.Sections = append(ch.Sections, "notify")
		ch.Attrs = append(ch.Attrs,
			logx.Bool("notify.enabled", newCfg.Notify.Enabled),
			logx.Bool("notify.token_set", newCfg.Notify.Telegram.Token != ""),
			logx.Int64("notify.chat_id", newCfg.Notify.Telegram.ChatID),
		)
	}

	if ch.Triggers = diffTriggers(oldCfg.Triggers, newCfg.Triggers); len(ch.Triggers) > 0 {
		ch.Sections = append(ch.Sections, "triggers")
		ch.Attrs = append(ch.Attrs,
			logx.Int("triggers.changed_count", len(ch.Triggers)),
			logx.Int("triggers.count", len(newCfg.Triggers)),
		)
	}

	sort.Strings(ch.Sections)
	return ch
}

func diffTriggers(oldT, newT []TriggerConfig) []string {
	index := func(ts []TriggerConfig) map[string]TriggerConfig {
		m := make(map[string]TriggerConfig, len(ts))
		for _, t := range ts {
			m[strings.TrimSpace(t.Name)] = t
		}
		return m
	}
	oldM, newM := index(oldT), index(newT)

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, inOld := oldM[name]
		n, inNew := newM[name]
		if inOld != inNew || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
