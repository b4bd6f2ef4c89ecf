package config

// Config is the jobsched daemon configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Scheduler SchedulerConfig `json:"scheduler"`
	Logging   LoggingConfig   `json:"logging"`

	// Storage is optional; nil disables run history.
	Storage *StorageConfig `json:"storage,omitempty"`
	Spool   SpoolConfig    `json:"spool"`
	Admin   AdminConfig    `json:"admin"`
	Notify  NotifyConfig   `json:"notify"`

	Triggers []TriggerConfig `json:"triggers,omitempty"`
}

// SchedulerConfig controls the job scheduler. Changes need a restart.
//
// Defaults (when fields are omitted/zero):
//   - concurrency_limit: 1
//   - inter_batch_delay: "0s" (yield only)
//   - history_size: 200
type SchedulerConfig struct {
	ConcurrencyLimit int    `json:"concurrency_limit,omitempty"`
	InterBatchDelay  string `json:"inter_batch_delay,omitempty"`
	HistorySize      int    `json:"history_size,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the run history store.
//
// Example:
//
//	storage: { driver: sqlite, path: ./data/runs.db, busy_timeout: 1s }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	// Retention bounds the kept runs (default 10000).
	Retention int `json:"retention,omitempty"`
}

// SpoolConfig controls directory submission. Job files dropped into Dir are
// submitted; deleting one cancels its job if it has not finished.
type SpoolConfig struct {
	Enabled bool   `json:"enabled"`
	Dir     string `json:"dir,omitempty"`
	// RatePerSec bounds submissions from the spool (default 10, burst 2x).
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// AdminConfig controls the HTTP control surface (status, runs, cancel,
// manual fire and optional pprof). Changes need a restart.
//
// A non-loopback addr requires token or allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default 127.0.0.1:7070
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

// NotifyConfig sends a Telegram alert for failed jobs and scheduler errors.
// Changes need a restart.
type NotifyConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
	// RatePerSec bounds alert sends (default 1).
	RatePerSec int `json:"rate_per_sec,omitempty"`
	// RetryMax is retries per alert (default 3).
	RetryMax int `json:"retry_max,omitempty"`
	// DedupWindow suppresses repeats of the same failure (default "10m").
	DedupWindow string `json:"dedup_window,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	APIURL   string `json:"api_url,omitempty"`
}

// TriggerConfig submits Job on every tick of Schedule.
type TriggerConfig struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Timezone string `json:"timezone,omitempty"`
	// Overlap is "skip" (default) or "allow".
	Overlap string    `json:"overlap,omitempty"`
	Job     JobConfig `json:"job"`
}

// JobConfig is the on-disk form of a job: an optional sleep followed by
// either a command or a systemd unit action.
type JobConfig struct {
	Name    string            `json:"name,omitempty"`
	Command []string          `json:"command,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Sleep   string            `json:"sleep,omitempty"`
	Timeout string            `json:"timeout,omitempty"`

	// Unit is a systemd unit; Action is start, stop, restart (default) or reload.
	Unit   string `json:"unit,omitempty"`
	Action string `json:"action,omitempty"`
}
