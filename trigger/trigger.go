// Package trigger defines subscription trigger configurations and computes
// next execution instants from them.
//
// A trigger is one of four kinds: cron, interval, one_time, or event. The
// wire format is a flat JSON object tagged by "type":
//
//	{"type":"cron","expression":"0 9 * * *","timezone":"Asia/Shanghai"}
//	{"type":"interval","value":1,"unit":"hours"}
//	{"type":"one_time","execute_at":"2026-01-20T14:55:00Z"}
//	{"type":"event","event_type":"git_push","git_push":{"repository":"...","branch":"..."}}
//
// All computed instants follow the naive-UTC storage convention: time.Time
// values are normalized to UTC before they leave this package.
package trigger

import (
	"encoding/json"

	"github.com/teranos/cadence/errors"
)

// Type identifies the trigger kind
type Type string

const (
	TypeCron     Type = "cron"
	TypeInterval Type = "interval"
	TypeOneTime  Type = "one_time"
	TypeEvent    Type = "event"
)

// IsValidType returns true if the string is a known trigger type
func IsValidType(s string) bool {
	switch Type(s) {
	case TypeCron, TypeInterval, TypeOneTime, TypeEvent:
		return true
	default:
		return false
	}
}

// Interval units
const (
	UnitSeconds = "seconds"
	UnitMinutes = "minutes"
	UnitHours   = "hours"
	UnitDays    = "days"
)

// Event types
const (
	EventWebhook = "webhook"
	EventGitPush = "git_push"
)

// Cron fires on a cron expression evaluated in an IANA timezone.
// An invalid or missing timezone falls back to UTC.
type Cron struct {
	Expression string
	Timezone   string
}

// Interval fires every Value Units from "now".
type Interval struct {
	Value int
	Unit  string
}

// OneTime fires once at an absolute instant. ExecuteAt is kept as the raw
// configured string; parsing happens at computation time so a bad value
// degrades to "cannot schedule" instead of a load failure.
type OneTime struct {
	ExecuteAt string
}

// GitPushFilter narrows a git_push event trigger to one repository/branch.
type GitPushFilter struct {
	Repository string `json:"repository,omitempty"`
	Branch     string `json:"branch,omitempty"`
}

// Event fires only on an inbound signal; it has no scheduled time.
type Event struct {
	EventType string
	GitPush   *GitPushFilter
}

// Config is the tagged union of all trigger kinds. Exactly one of the
// kind fields is non-nil, matching Type.
type Config struct {
	Type     Type
	Cron     *Cron
	Interval *Interval
	OneTime  *OneTime
	Event    *Event
}

// wire is the flat JSON shape consumed from subscription storage
type wire struct {
	Type       string         `json:"type"`
	Expression string         `json:"expression,omitempty"`
	Timezone   string         `json:"timezone,omitempty"`
	Value      int            `json:"value,omitempty"`
	Unit       string         `json:"unit,omitempty"`
	ExecuteAt  string         `json:"execute_at,omitempty"`
	EventType  string         `json:"event_type,omitempty"`
	GitPush    *GitPushFilter `json:"git_push,omitempty"`
}

// MarshalJSON implements json.Marshaler using the flat wire shape.
func (c Config) MarshalJSON() ([]byte, error) {
	w := wire{Type: string(c.Type)}
	switch c.Type {
	case TypeCron:
		if c.Cron != nil {
			w.Expression = c.Cron.Expression
			w.Timezone = c.Cron.Timezone
		}
	case TypeInterval:
		if c.Interval != nil {
			w.Value = c.Interval.Value
			w.Unit = c.Interval.Unit
		}
	case TypeOneTime:
		if c.OneTime != nil {
			w.ExecuteAt = c.OneTime.ExecuteAt
		}
	case TypeEvent:
		if c.Event != nil {
			w.EventType = c.Event.EventType
			w.GitPush = c.Event.GitPush
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler for the flat wire shape.
func (c *Config) UnmarshalJSON(data []byte) error {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return errors.Wrap(err, "unmarshal trigger config")
	}

	*c = Config{Type: Type(w.Type)}
	switch c.Type {
	case TypeCron:
		c.Cron = &Cron{Expression: w.Expression, Timezone: w.Timezone}
	case TypeInterval:
		c.Interval = &Interval{Value: w.Value, Unit: w.Unit}
	case TypeOneTime:
		c.OneTime = &OneTime{ExecuteAt: w.ExecuteAt}
	case TypeEvent:
		c.Event = &Event{EventType: w.EventType, GitPush: w.GitPush}
	default:
		return errors.Newf("unknown trigger type: %q", w.Type)
	}
	return nil
}

// Parse decodes a trigger config from its stored JSON form.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks that the config carries the fields its type requires.
func (c *Config) Validate() error {
	switch c.Type {
	case TypeCron:
		if c.Cron == nil || c.Cron.Expression == "" {
			return errors.NewInvalidRequestError("cron trigger requires an expression")
		}
	case TypeInterval:
		if c.Interval == nil || c.Interval.Value <= 0 {
			return errors.NewInvalidRequestError("interval trigger requires a positive value")
		}
	case TypeOneTime:
		if c.OneTime == nil || c.OneTime.ExecuteAt == "" {
			return errors.NewInvalidRequestError("one_time trigger requires execute_at")
		}
	case TypeEvent:
		if c.Event == nil || c.Event.EventType == "" {
			return errors.NewInvalidRequestError("event trigger requires event_type")
		}
	default:
		return errors.NewInvalidRequestError("unknown trigger type: %q", string(c.Type))
	}
	return nil
}
