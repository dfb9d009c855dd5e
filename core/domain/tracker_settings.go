package domain

import (
	"errors"
	"fmt"
	"time"
	_ "time/tzdata"
)

var (
	ErrInvalidWorkingHours = errors.New("invalid working hours")
	ErrInvalidSettings     = errors.New("invalid followup settings")
)

const holidayLayout = "2006-01-02"

// WorkingHoursConfig is the window inside which followups may be sent.
type WorkingHoursConfig struct {
	Enabled  bool           `json:"enabled" koanf:"enabled"`
	Timezone string         `json:"timezone" koanf:"timezone"`
	Start    string         `json:"start" koanf:"start"` // HH:MM, inclusive
	End      string         `json:"end" koanf:"end"`     // HH:MM, exclusive
	Days     []time.Weekday `json:"days" koanf:"days"`
	Holidays []string       `json:"holidays,omitempty" koanf:"holidays"` // YYYY-MM-DD
}

// DefaultWorkingHours is Mon-Fri 09:00-17:00 UTC.
func DefaultWorkingHours() WorkingHoursConfig {
	return WorkingHoursConfig{
		Enabled:  true,
		Timezone: "UTC",
		Start:    "09:00",
		End:      "17:00",
		Days:     []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
	}
}

// WorkingHours is a parsed WorkingHoursConfig.
type WorkingHours struct {
	Location    *time.Location
	StartMinute int
	EndMinute   int
	Days        map[time.Weekday]bool
	Holidays    map[string]bool
}

// Validate checks the config without keeping the parsed form.
func (w WorkingHoursConfig) Validate() error {
	_, err := w.Parse()
	return err
}

// Parse validates the config and returns the parsed window.
func (w WorkingHoursConfig) Parse() (*WorkingHours, error) {
	tz := w.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q", ErrInvalidWorkingHours, tz)
	}

	start, err := parseClock(w.Start)
	if err != nil {
		return nil, fmt.Errorf("%w: start: %v", ErrInvalidWorkingHours, err)
	}
	end, err := parseClock(w.End)
	if err != nil {
		return nil, fmt.Errorf("%w: end: %v", ErrInvalidWorkingHours, err)
	}
	if start >= end {
		return nil, fmt.Errorf("%w: start %s must be before end %s", ErrInvalidWorkingHours, w.Start, w.End)
	}

	if len(w.Days) == 0 {
		return nil, fmt.Errorf("%w: no working days", ErrInvalidWorkingHours)
	}
	days := make(map[time.Weekday]bool, len(w.Days))
	for _, d := range w.Days {
		if d < time.Sunday || d > time.Saturday {
			return nil, fmt.Errorf("%w: weekday %d", ErrInvalidWorkingHours, d)
		}
		days[d] = true
	}

	holidays := make(map[string]bool, len(w.Holidays))
	for _, h := range w.Holidays {
		if _, err := time.Parse(holidayLayout, h); err != nil {
			return nil, fmt.Errorf("%w: holiday %q", ErrInvalidWorkingHours, h)
		}
		holidays[h] = true
	}

	return &WorkingHours{
		Location:    loc,
		StartMinute: start,
		EndMinute:   end,
		Days:        days,
		Holidays:    holidays,
	}, nil
}

// IsWorkingDay reports whether t's local date is a configured weekday and
// not a holiday.
func (w *WorkingHours) IsWorkingDay(t time.Time) bool {
	local := t.In(w.Location)
	return w.Days[local.Weekday()] && !w.Holidays[local.Format(holidayLayout)]
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("%q is not HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// FollowupSettings is the process-wide followup policy. Every write creates
// a new version.
type FollowupSettings struct {
	Version         int                `json:"version"`
	Enabled         bool               `json:"enabled" koanf:"enabled"`
	MaxFollowups    int                `json:"max_followups" koanf:"max_followups"`
	FirstDelayHours float64            `json:"first_delay_hours" koanf:"first_delay_hours"`
	IntervalHours   float64            `json:"interval_hours" koanf:"interval_hours"`
	WorkingHours    WorkingHoursConfig `json:"working_hours" koanf:"working_hours"`
	UpdatedBy       string             `json:"updated_by,omitempty"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// DefaultFollowupSettings returns the settings used before any write.
func DefaultFollowupSettings() FollowupSettings {
	return FollowupSettings{
		Enabled:         true,
		MaxFollowups:    3,
		FirstDelayHours: 72,
		IntervalHours:   96,
		WorkingHours:    DefaultWorkingHours(),
	}
}

// Validate checks limits and the working-hours window.
func (s FollowupSettings) Validate() error {
	if s.MaxFollowups < 1 || s.MaxFollowups > 10 {
		return fmt.Errorf("%w: max_followups must be between 1 and 10", ErrInvalidSettings)
	}
	if s.FirstDelayHours <= 0 || s.IntervalHours <= 0 {
		return fmt.Errorf("%w: delays must be positive", ErrInvalidSettings)
	}
	return s.WorkingHours.Validate()
}

// DelayFor returns the delay in hours before followup n, counted from the
// previous send.
func (s FollowupSettings) DelayFor(n int) float64 {
	if n <= 1 {
		return s.FirstDelayHours
	}
	return s.IntervalHours
}
