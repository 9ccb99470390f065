package jobs

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule computes the next activation after a given time.
type Schedule interface {
	Next(after time.Time) time.Time
	String() string
}

type every time.Duration

// Every fires at a fixed interval. Non-positive intervals are rejected by
// the controller.
func Every(d time.Duration) Schedule {
	return every(d)
}

func (e every) Next(after time.Time) time.Time {
	if e <= 0 {
		return time.Time{}
	}
	return after.Add(time.Duration(e))
}

func (e every) String() string {
	return "every " + time.Duration(e).String()
}

type cronSchedule struct {
	expr  string
	sched cron.Schedule
}

// Cron parses a standard five-field cron expression or a descriptor such
// as "@hourly" or "@every 30s".
func Cron(expr string) (Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return cronSchedule{expr: expr, sched: sched}, nil
}

// MustCron is Cron for expressions known to be valid.
func MustCron(expr string) Schedule {
	s, err := Cron(expr)
	if err != nil {
		panic(err)
	}
	return s
}

func (c cronSchedule) Next(after time.Time) time.Time {
	return c.sched.Next(after)
}

func (c cronSchedule) String() string {
	return c.expr
}
