package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard five-field expressions, an optional seconds
// field, and descriptors like @hourly.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Schedule is a parsed ScheduleSpec.
type Schedule struct {
	Kind  string // cron | every | at
	expr  cron.Schedule
	every time.Duration
	at    time.Time
	loc   *time.Location
}

// ParseSchedule validates a spec and resolves its timezone. Exactly one of
// cron, every and at must be set.
func ParseSchedule(spec ScheduleSpec) (Schedule, error) {
	set := 0
	for _, v := range []string{spec.Cron, spec.Every, spec.At} {
		if strings.TrimSpace(v) != "" {
			set++
		}
	}
	if set == 0 {
		return Schedule{}, fmt.Errorf("schedule requires one of cron, every or at")
	}
	if set > 1 {
		return Schedule{}, fmt.Errorf("schedule must set only one of cron, every or at")
	}

	loc := time.Local
	if tz := strings.TrimSpace(spec.Timezone); tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return Schedule{}, fmt.Errorf("unknown timezone %q", tz)
		}
		loc = parsed
	}

	switch {
	case strings.TrimSpace(spec.Cron) != "":
		expr, err := cronParser.Parse(strings.TrimSpace(spec.Cron))
		if err != nil {
			return Schedule{}, fmt.Errorf("invalid cron expression %q: %w", spec.Cron, err)
		}
		return Schedule{Kind: "cron", expr: expr, loc: loc}, nil

	case strings.TrimSpace(spec.Every) != "":
		every, err := time.ParseDuration(strings.TrimSpace(spec.Every))
		if err != nil {
			return Schedule{}, fmt.Errorf("invalid every duration %q: %w", spec.Every, err)
		}
		if every < time.Second {
			return Schedule{}, fmt.Errorf("every duration %q is below one second", spec.Every)
		}
		return Schedule{Kind: "every", every: every, loc: loc}, nil

	default:
		at, err := parseAt(strings.TrimSpace(spec.At), loc)
		if err != nil {
			return Schedule{}, err
		}
		return Schedule{Kind: "at", at: at, loc: loc}, nil
	}
}

// Next returns the first run time strictly after the given instant. ok is
// false when the schedule has no further runs.
func (s Schedule) Next(after time.Time) (time.Time, bool) {
	switch s.Kind {
	case "cron":
		next := s.expr.Next(after.In(s.loc))
		return next, !next.IsZero()
	case "every":
		return after.Add(s.every), true
	case "at":
		if !s.at.After(after) {
			return time.Time{}, false
		}
		return s.at, true
	default:
		return time.Time{}, false
	}
}

func parseAt(value string, loc *time.Location) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("at schedule requires a timestamp")
	}
	if parsed, err := time.Parse(time.RFC3339, value); err == nil {
		return parsed, nil
	}
	if parsed, err := time.ParseInLocation("2006-01-02 15:04", value, loc); err == nil {
		return parsed, nil
	}
	return time.Time{}, fmt.Errorf("invalid at timestamp %q (want RFC3339 or \"2006-01-02 15:04\")", value)
}
