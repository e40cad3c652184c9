package trigger

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/teranos/cadence/logger"
)

// NextRun computes the next execution instant for the config, strictly after
// now. It never returns an error: a trigger that cannot produce a future
// instant (event triggers, malformed expressions, unparseable dates) yields
// nil, which callers treat as "not schedulable". now may be in any location;
// the result is always UTC.
func NextRun(c *Config, now time.Time) *time.Time {
	if c == nil {
		return nil
	}

	switch c.Type {
	case TypeCron:
		return nextCron(c.Cron, now)
	case TypeInterval:
		return nextInterval(c.Interval, now)
	case TypeOneTime:
		return nextOneTime(c.OneTime)
	case TypeEvent:
		// Event triggers fire on inbound signals only
		return nil
	default:
		logger.Warnw("Cannot compute next run for unknown trigger type", "type", c.Type)
		return nil
	}
}

func nextCron(c *Cron, now time.Time) *time.Time {
	if c == nil {
		return nil
	}

	loc := time.UTC
	if c.Timezone != "" {
		l, err := time.LoadLocation(c.Timezone)
		if err != nil {
			logger.Warnw("Unknown timezone in cron trigger, falling back to UTC",
				"timezone", c.Timezone,
				"error", err)
		} else {
			loc = l
		}
	}

	sched, err := cron.ParseStandard(c.Expression)
	if err != nil {
		logger.Warnw("Invalid cron expression",
			"expression", c.Expression,
			"error", err)
		return nil
	}

	next := sched.Next(now.In(loc))
	if next.IsZero() {
		return nil
	}
	next = next.UTC()
	return &next
}

func nextInterval(iv *Interval, now time.Time) *time.Time {
	if iv == nil || iv.Value <= 0 {
		return nil
	}

	var unit time.Duration
	switch iv.Unit {
	case UnitSeconds:
		unit = time.Second
	case UnitMinutes:
		unit = time.Minute
	case UnitHours:
		unit = time.Hour
	case UnitDays:
		unit = 24 * time.Hour
	default:
		// Unknown units degrade to seconds rather than failing the trigger
		unit = time.Second
	}

	next := now.Add(time.Duration(iv.Value) * unit).UTC()
	return &next
}

func nextOneTime(ot *OneTime) *time.Time {
	if ot == nil || ot.ExecuteAt == "" {
		return nil
	}

	at, err := ParseTime(ot.ExecuteAt)
	if err != nil {
		logger.Warnw("Invalid one_time execute_at",
			"execute_at", ot.ExecuteAt,
			"error", err)
		return nil
	}
	return &at
}

// ParseTime parses a stored timestamp. RFC 3339 is the canonical form;
// zone-less values are interpreted as UTC per the storage convention.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02T15:04:05", s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
