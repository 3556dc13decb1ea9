package models

import (
	"fmt"
	"time"
)

// WorkingHours describes the daily window and day-of-week set inside which
// non-urgent actions are allowed to fire, in the subject's timezone.
type WorkingHours struct {
	Timezone string `json:"timezone"`
	// Days is indexed by time.Weekday (Sunday = 0).
	Days        [7]bool `json:"days"`
	StartMinute int     `json:"start_minute"` // minutes from midnight, inclusive
	EndMinute   int     `json:"end_minute"`   // minutes from midnight, exclusive
}

// DefaultWorkingHours is Monday through Friday, 09:00-18:00 UTC.
func DefaultWorkingHours() WorkingHours {
	return WorkingHours{
		Timezone:    "UTC",
		Days:        [7]bool{false, true, true, true, true, true, false},
		StartMinute: 9 * 60,
		EndMinute:   18 * 60,
	}
}

// Validate checks the window for internal consistency.
func (w WorkingHours) Validate() error {
	if w.StartMinute < 0 || w.StartMinute >= 24*60 {
		return fmt.Errorf("working hours start minute out of range: %d", w.StartMinute)
	}
	if w.EndMinute <= w.StartMinute || w.EndMinute > 24*60 {
		return fmt.Errorf("working hours end minute out of range: %d", w.EndMinute)
	}
	if _, err := w.Location(); err != nil {
		return err
	}
	hasDay := false
	for _, d := range w.Days {
		hasDay = hasDay || d
	}
	if !hasDay {
		return fmt.Errorf("working hours must include at least one working day")
	}
	return nil
}

// Location resolves the configured timezone, defaulting to UTC when unset.
func (w WorkingHours) Location() (*time.Location, error) {
	if w.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid working hours timezone %q: %w", w.Timezone, err)
	}
	return loc, nil
}

// Contains reports whether t falls on a working day inside the
// [start, end) window.
func (w WorkingHours) Contains(t time.Time) bool {
	loc, err := w.Location()
	if err != nil {
		return false
	}
	local := t.In(loc)
	if !w.Days[local.Weekday()] {
		return false
	}
	minute := local.Hour()*60 + local.Minute()
	return minute >= w.StartMinute && minute < w.EndMinute
}

// NextOpen returns t unchanged when it is already inside the window,
// otherwise the next working-hours start at or after t. A window with no
// working days returns t unchanged; callers validate before relying on it.
func (w WorkingHours) NextOpen(t time.Time) time.Time {
	if w.Contains(t) {
		return t
	}
	loc, err := w.Location()
	if err != nil {
		return t
	}
	local := t.In(loc)
	for day := 0; day <= 7; day++ {
		candidate := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).
			AddDate(0, 0, day).
			Add(time.Duration(w.StartMinute) * time.Minute)
		if candidate.Before(local) || !w.Days[candidate.Weekday()] {
			continue
		}
		return candidate
	}
	return t
}
