// Package scheduling computes followup send times inside working hours.
package scheduling

import (
	"time"

	"tracker_server/core/domain"
)

const (
	maxDayAdvance = 14
	fallbackDelay = 24 * time.Hour
)

// Options controls a single send-time computation.
type Options struct {
	EnforceWorkingHours bool
	WorkingHours        *domain.WorkingHours
}

// OptionsFrom builds options from versioned settings.
func OptionsFrom(s domain.FollowupSettings) (Options, error) {
	if !s.WorkingHours.Enabled {
		return Options{}, nil
	}
	wh, err := s.WorkingHours.Parse()
	if err != nil {
		return Options{}, err
	}
	return Options{EnforceWorkingHours: true, WorkingHours: wh}, nil
}

// NextSendTime returns the first valid send slot at or after base+delay.
func NextSendTime(base time.Time, delayHours float64, opts Options) domain.ScheduleSlot {
	target := base.Add(time.Duration(delayHours * float64(time.Hour)))
	slot := domain.ScheduleSlot{
		ScheduledFor:      target,
		OriginalTarget:    target,
		DelayAppliedHours: delayHours,
	}
	if !opts.EnforceWorkingHours || opts.WorkingHours == nil {
		return slot
	}

	scheduled, ok := nextWorkingSlot(target, opts.WorkingHours)
	if !ok {
		scheduled = base.Add(fallbackDelay)
	}
	if !scheduled.Equal(target) {
		slot.ScheduledFor = scheduled
		slot.Adjusted = true
		slot.DelayAppliedHours = scheduled.Sub(base).Hours()
	}
	return slot
}

// nextWorkingSlot walks forward day by day from t, clamping to the window
// start, until it lands inside working hours.
func nextWorkingSlot(t time.Time, wh *domain.WorkingHours) (time.Time, bool) {
	cur := t.In(wh.Location)
	for i := 0; i <= maxDayAdvance; i++ {
		if wh.IsWorkingDay(cur) {
			minute := cur.Hour()*60 + cur.Minute()
			if minute < wh.StartMinute {
				return atMinute(cur, wh.StartMinute), true
			}
			if minute < wh.EndMinute {
				return cur, true
			}
		}
		cur = atMinute(cur.AddDate(0, 0, 1), wh.StartMinute)
	}
	return time.Time{}, false
}

func atMinute(t time.Time, minute int) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, minute/60, minute%60, 0, 0, t.Location())
}
