package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses the Go duration string found at path. An empty
// string is 0; negative durations are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0, got %s", path, d)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def standing in for an
// unset or zero value.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// DurationField binds one duration setting to where its parsed value goes.
// Dst may be nil when only validation is wanted.
type DurationField struct {
	Path string
	Raw  string
	Dst  *time.Duration
}

// ParseDurations parses fields in order and reports every bad one.
func ParseDurations(fields ...DurationField) error {
	var errs []error
	for _, f := range fields {
		d, err := ParseDurationField(f.Path, f.Raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if f.Dst != nil {
			*f.Dst = d
		}
	}
	return errors.Join(errs...)
}

// Timeouts lists the admin server timeouts in a fixed order.
func (a AdminConfig) Timeouts(read, write, idle *time.Duration) []DurationField {
	return []DurationField{
		{Path: "admin.read_timeout", Raw: a.ReadTimeout, Dst: read},
		{Path: "admin.write_timeout", Raw: a.WriteTimeout, Dst: write},
		{Path: "admin.idle_timeout", Raw: a.IdleTimeout, Dst: idle},
	}
}
