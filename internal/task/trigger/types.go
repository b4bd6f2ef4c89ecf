package trigger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"jobsched/internal/config"
	"jobsched/internal/job"
	"jobsched/internal/task/future"
)

// ErrOverlapSkip is returned by Fire when the trigger's previous job has not
// settled and its policy is OverlapSkipIfRunning.
var ErrOverlapSkip = errors.New("trigger: previous run still in progress")

// ErrUnknownTrigger is returned by Fire for names that are not registered.
var ErrUnknownTrigger = errors.New("trigger: unknown trigger")

// Submitter accepts jobs. *engine.Scheduler[job.Spec, job.Result] implements it.
type Submitter interface {
	Submit(spec job.Spec) *future.Future[job.Result]
}

// OverlapPolicy decides what a tick does while the previous run is unsettled.
type OverlapPolicy int

const (
	OverlapSkipIfRunning OverlapPolicy = iota
	OverlapAllow
)

func (p OverlapPolicy) String() string {
	if p == OverlapAllow {
		return config.OverlapAllow
	}
	return config.OverlapSkip
}

// Definition is one named trigger.
type Definition struct {
	Name     string
	Schedule string
	// Timezone applies to cron schedules (IANA name); empty means the
	// service location.
	Timezone string
	Overlap  OverlapPolicy
	Job      job.Spec
}

// FromConfig converts trigger configs into definitions.
func FromConfig(cfgs []config.TriggerConfig) ([]Definition, error) {
	out := make([]Definition, 0, len(cfgs))
	for _, c := range cfgs {
		name := strings.TrimSpace(c.Name)
		spec, err := job.FromConfig(name, c.Job)
		if err != nil {
			return nil, fmt.Errorf("trigger %q: %w", name, err)
		}
		def := Definition{
			Name:     name,
			Schedule: strings.TrimSpace(c.Schedule),
			Timezone: strings.TrimSpace(c.Timezone),
			Job:      spec,
		}
		if strings.EqualFold(strings.TrimSpace(c.Overlap), config.OverlapAllow) {
			def.Overlap = OverlapAllow
		}
		out = append(out, def)
	}
	return out, nil
}

// Info describes a registered trigger.
type Info struct {
	Name     string
	Spec     string
	Timezone string
	Overlap  OverlapPolicy

	Next time.Time
	Prev time.Time

	// Running reports whether the last submitted job is still unsettled.
	Running bool
	LastJob string
	Fired   uint64
	Skipped uint64

	StartupSpread time.Duration
}
