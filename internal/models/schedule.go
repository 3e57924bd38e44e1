package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidSchedule is returned when a schedule entry cannot be used.
var ErrInvalidSchedule = errors.New("invalid schedule entry")

// weekdayCodes are the single-letter day codes used by the schedule importer.
var weekdayCodes = map[string]time.Weekday{
	"M": time.Monday,
	"T": time.Tuesday,
	"W": time.Wednesday,
	"R": time.Thursday,
	"F": time.Friday,
	"S": time.Saturday,
	"U": time.Sunday,
}

// ParseWeekday converts an importer day code (M T W R F S U) to a time.Weekday.
func ParseWeekday(code string) (time.Weekday, error) {
	d, ok := weekdayCodes[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return 0, fmt.Errorf("%w: weekday code %q", ErrInvalidSchedule, code)
	}
	return d, nil
}

// TimeOfDay is a wall-clock time without a date.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("%w: time %q", ErrInvalidSchedule, s)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// ScheduleEntry maps a source series id to its destination series and class meeting pattern.
type ScheduleEntry struct {
	SeriesID            string         `json:"series_id"`
	DestinationSeriesID string         `json:"destination_series_id"`
	SubjectLabel        string         `json:"subject_label"`
	Days                []time.Weekday `json:"scheduled_days"`
	Times               []TimeOfDay    `json:"scheduled_times"`
}

// ScheduleRow is the raw persisted form of a schedule entry.
type ScheduleRow struct {
	SeriesID            string
	DestinationSeriesID string
	SubjectLabel        string
	Days                []string
	Times               []string
}

// Entry parses the row into a ScheduleEntry, rejecting unusable values.
func (r ScheduleRow) Entry() (*ScheduleEntry, error) {
	if strings.TrimSpace(r.SeriesID) == "" {
		return nil, fmt.Errorf("%w: empty series id", ErrInvalidSchedule)
	}
	if strings.TrimSpace(r.DestinationSeriesID) == "" {
		return nil, fmt.Errorf("%w: series %s has no destination", ErrInvalidSchedule, r.SeriesID)
	}
	entry := &ScheduleEntry{
		SeriesID:            r.SeriesID,
		DestinationSeriesID: strings.TrimSpace(r.DestinationSeriesID),
		SubjectLabel:        r.SubjectLabel,
	}
	for _, code := range r.Days {
		d, err := ParseWeekday(code)
		if err != nil {
			return nil, err
		}
		entry.Days = append(entry.Days, d)
	}
	for _, s := range r.Times {
		t, err := ParseTimeOfDay(s)
		if err != nil {
			return nil, err
		}
		entry.Times = append(entry.Times, t)
	}
	return entry, nil
}

// Matches reports whether start (converted to loc) falls on a scheduled day within window
// of a scheduled time. An entry without days or times matches nothing.
func (e *ScheduleEntry) Matches(start time.Time, loc *time.Location, window time.Duration) bool {
	if loc != nil {
		start = start.In(loc)
	}
	dayOK := false
	for _, d := range e.Days {
		if d == start.Weekday() {
			dayOK = true
			break
		}
	}
	if !dayOK {
		return false
	}
	for _, t := range e.Times {
		scheduled := time.Date(start.Year(), start.Month(), start.Day(), t.Hour, t.Minute, 0, 0, start.Location())
		delta := start.Sub(scheduled)
		if delta < 0 {
			delta = -delta
		}
		if delta <= window {
			return true
		}
	}
	return false
}
