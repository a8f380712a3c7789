package scheduler

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
)

// Trigger decides when a job is next due.
type Trigger interface {
	// Next returns the first fire time strictly after the given instant.
	Next(after time.Time) time.Time

	// Describe renders the cadence for logs and status output.
	Describe() string
}

// DailyAt fires once a day at a fixed wall-clock time.
type DailyAt struct {
	Hour   int
	Minute int
}

// ParseDailyAt parses a "HH:MM" clock string.
func ParseDailyAt(s string) (DailyAt, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return DailyAt{}, eris.Wrapf(err, "scheduler: parse daily time %q", s)
	}
	return DailyAt{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// Next returns today's fire time, or tomorrow's when it has passed.
func (d DailyAt) Next(after time.Time) time.Time {
	next := time.Date(after.Year(), after.Month(), after.Day(), d.Hour, d.Minute, 0, 0, after.Location())
	if next.After(after) {
		return next
	}
	return next.AddDate(0, 0, 1)
}

// Describe renders the cadence.
func (d DailyAt) Describe() string {
	return fmt.Sprintf("daily at %02d:%02d", d.Hour, d.Minute)
}

// Every fires at a fixed interval.
type Every struct {
	Interval time.Duration
}

// Next returns the instant one interval later.
func (e Every) Next(after time.Time) time.Time {
	return after.Add(e.Interval)
}

// Describe renders the cadence.
func (e Every) Describe() string {
	return "every " + e.Interval.String()
}
