package schedule

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/teranos/postpulse/errors"
)

// RecurrenceType names one of the supported recurrence rules
type RecurrenceType string

const (
	RecurrenceOnce    RecurrenceType = "once"
	RecurrenceDaily   RecurrenceType = "daily"
	RecurrenceWeekly  RecurrenceType = "weekly"
	RecurrenceMonthly RecurrenceType = "monthly"
)

// Defaults applied when a recurrence config omits a field
const (
	DefaultTimeOfDay  = "09:00"
	DefaultDayOfWeek  = 1 // Monday
	DefaultDayOfMonth = 1

	// MaxDayOfMonth keeps monthly runs inside every month, February included
	MaxDayOfMonth = 28
)

// ParseRecurrenceType validates a recurrence type string
func ParseRecurrenceType(s string) (RecurrenceType, error) {
	switch t := RecurrenceType(strings.ToLower(strings.TrimSpace(s))); t {
	case RecurrenceOnce, RecurrenceDaily, RecurrenceWeekly, RecurrenceMonthly:
		return t, nil
	}
	return "", errors.WithHint(
		errors.Wrapf(errors.ErrUnsupportedRecurrenceType, "recurrence type %q", s),
		"use one of: once, daily, weekly, monthly",
	)
}

// IsRecurring reports whether jobs of this type are rescheduled after success
func (t RecurrenceType) IsRecurring() bool {
	return t == RecurrenceDaily || t == RecurrenceWeekly || t == RecurrenceMonthly
}

// RecurrenceConfig is the persisted form of a recurrence rule.
// Absent fields fall back to the defaults above.
type RecurrenceConfig struct {
	Time       string `json:"time,omitempty" validate:"omitempty,datetime=15:04"`
	DayOfWeek  *int   `json:"dayOfWeek,omitempty" validate:"omitempty,gte=0,lte=6"`
	DayOfMonth *int   `json:"dayOfMonth,omitempty"`
}

// ParseRecurrenceConfig decodes the recurrence_config column. Empty input is an empty config.
func ParseRecurrenceConfig(raw string) (RecurrenceConfig, error) {
	var cfg RecurrenceConfig
	if strings.TrimSpace(raw) == "" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return cfg, errors.Mark(errors.Wrap(err, "failed to decode recurrence config"), errors.ErrInvalidArgument)
	}
	return cfg, nil
}

// JSON encodes the config for storage
func (c RecurrenceConfig) JSON() string {
	b, err := json.Marshal(c)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// TimeOfDay is a wall-clock "HH:MM" in 24h form
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM"
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return TimeOfDay{}, errors.NewInvalidArgumentError("time %q must be HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return TimeOfDay{}, errors.NewInvalidArgumentError("time %q has invalid hour", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return TimeOfDay{}, errors.NewInvalidArgumentError("time %q has invalid minute", s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Recurrence is a recurrence rule. The concrete type determines the
// RecurrenceType: OnceRule, DailyRule, WeeklyRule or MonthlyRule.
type Recurrence interface {
	Type() RecurrenceType
	Config() RecurrenceConfig
}

// OnceRule runs exactly once at a caller-supplied instant
type OnceRule struct {
	At time.Time
}

// DailyRule runs every day at Time
type DailyRule struct {
	Time TimeOfDay
}

// WeeklyRule runs every week on DayOfWeek at Time
type WeeklyRule struct {
	DayOfWeek time.Weekday
	Time      TimeOfDay
}

// MonthlyRule runs every month on DayOfMonth (1..28) at Time
type MonthlyRule struct {
	DayOfMonth int
	Time       TimeOfDay
}

func (OnceRule) Type() RecurrenceType    { return RecurrenceOnce }
func (DailyRule) Type() RecurrenceType   { return RecurrenceDaily }
func (WeeklyRule) Type() RecurrenceType  { return RecurrenceWeekly }
func (MonthlyRule) Type() RecurrenceType { return RecurrenceMonthly }

func (OnceRule) Config() RecurrenceConfig { return RecurrenceConfig{} }

func (r DailyRule) Config() RecurrenceConfig {
	return RecurrenceConfig{Time: r.Time.String()}
}

func (r WeeklyRule) Config() RecurrenceConfig {
	dow := int(r.DayOfWeek)
	return RecurrenceConfig{Time: r.Time.String(), DayOfWeek: &dow}
}

func (r MonthlyRule) Config() RecurrenceConfig {
	dom := r.DayOfMonth
	return RecurrenceConfig{Time: r.Time.String(), DayOfMonth: &dom}
}

// ClampDayOfMonth limits a day-of-month to [1, MaxDayOfMonth]
func ClampDayOfMonth(day int) int {
	if day < 1 {
		return 1
	}
	if day > MaxDayOfMonth {
		return MaxDayOfMonth
	}
	return day
}

// NewRecurrence builds the rule for a type and its config.
// scheduledTime is required for once and ignored otherwise.
func NewRecurrence(t RecurrenceType, cfg RecurrenceConfig, scheduledTime *time.Time) (Recurrence, error) {
	if t == RecurrenceOnce {
		if scheduledTime == nil || scheduledTime.IsZero() {
			return nil, errors.NewInvalidArgumentError("once schedules require scheduled_time")
		}
		return OnceRule{At: *scheduledTime}, nil
	}

	timeStr := cfg.Time
	if timeStr == "" {
		timeStr = DefaultTimeOfDay
	}
	tod, err := ParseTimeOfDay(timeStr)
	if err != nil {
		return nil, err
	}

	switch t {
	case RecurrenceDaily:
		return DailyRule{Time: tod}, nil
	case RecurrenceWeekly:
		dow := DefaultDayOfWeek
		if cfg.DayOfWeek != nil {
			dow = *cfg.DayOfWeek
		}
		if dow < 0 || dow > 6 {
			return nil, errors.NewInvalidArgumentError("dayOfWeek must be 0-6 (0=Sunday), got %d", dow)
		}
		return WeeklyRule{DayOfWeek: time.Weekday(dow), Time: tod}, nil
	case RecurrenceMonthly:
		dom := DefaultDayOfMonth
		if cfg.DayOfMonth != nil {
			dom = *cfg.DayOfMonth
		}
		return MonthlyRule{DayOfMonth: ClampDayOfMonth(dom), Time: tod}, nil
	}

	_, err = ParseRecurrenceType(string(t))
	return nil, err
}

// Calculator computes next-run instants. All wall-clock arithmetic happens
// in loc; nonexistent or repeated local times follow time.Date normalization.
type Calculator struct {
	loc *time.Location
}

// NewCalculator creates a calculator for the given location (UTC when nil)
func NewCalculator(loc *time.Location) *Calculator {
	if loc == nil {
		loc = time.UTC
	}
	return &Calculator{loc: loc}
}

// Location returns the calculator's time zone
func (c *Calculator) Location() *time.Location {
	return c.loc
}

// NextRun returns the next occurrence of r strictly after ref.
// A once rule returns its instant unchanged.
func (c *Calculator) NextRun(r Recurrence, ref time.Time) (time.Time, error) {
	local := ref.In(c.loc)

	switch rule := r.(type) {
	case OnceRule:
		return rule.At, nil

	case DailyRule:
		next := c.at(local.Year(), local.Month(), local.Day(), rule.Time)
		if !next.After(ref) {
			next = c.at(local.Year(), local.Month(), local.Day()+1, rule.Time)
		}
		return next, nil

	case WeeklyRule:
		delta := (int(rule.DayOfWeek) - int(local.Weekday()) + 7) % 7
		next := c.at(local.Year(), local.Month(), local.Day()+delta, rule.Time)
		if !next.After(ref) {
			next = c.at(local.Year(), local.Month(), local.Day()+delta+7, rule.Time)
		}
		return next, nil

	case MonthlyRule:
		day := ClampDayOfMonth(rule.DayOfMonth)
		next := c.at(local.Year(), local.Month(), day, rule.Time)
		if !next.After(ref) {
			next = c.at(local.Year(), local.Month()+1, day, rule.Time)
		}
		return next, nil
	}

	return time.Time{}, errors.Wrapf(errors.ErrUnsupportedRecurrenceType, "recurrence rule %T", r)
}

// ComputeNextRun parses a stored type/config pair and returns the next run after ref
func (c *Calculator) ComputeNextRun(recurrenceType string, configJSON string, ref time.Time) (time.Time, error) {
	t, err := ParseRecurrenceType(recurrenceType)
	if err != nil {
		return time.Time{}, err
	}
	if t == RecurrenceOnce {
		return time.Time{}, errors.NewInvalidArgumentError("once schedules have no computed next run")
	}
	cfg, err := ParseRecurrenceConfig(configJSON)
	if err != nil {
		return time.Time{}, err
	}
	rule, err := NewRecurrence(t, cfg, nil)
	if err != nil {
		return time.Time{}, err
	}
	return c.NextRun(rule, ref)
}

func (c *Calculator) at(year int, month time.Month, day int, tod TimeOfDay) time.Time {
	return time.Date(year, month, day, tod.Hour, tod.Minute, 0, 0, c.loc)
}
