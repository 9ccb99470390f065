// Package jobs runs polling and scheduled background jobs for the bus.
//
// A job failing on one tick is recorded and logged, and the next tick runs
// as usual. Deactivation asks every job to stop and waits for a bounded grace
// period before abandoning the stragglers.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrJobExecution matches every *ExecutionError.
	ErrJobExecution = errors.New("protobus: job execution failed")
	// ErrStopTimeout is returned when jobs outlive the grace period.
	ErrStopTimeout = errors.New("protobus: jobs did not stop within the grace period")
	// ErrStillRunning is returned by Activate while a job abandoned by an
	// earlier Deactivate has not exited.
	ErrStillRunning = errors.New("protobus: job from a previous activation is still running")
	// ErrInvalidJob is returned for jobs that cannot be run.
	ErrInvalidJob = errors.New("protobus: invalid job")
)

// DefaultGracePeriod bounds how long Deactivate waits for running jobs.
const DefaultGracePeriod = 5 * time.Second

// Runnable is the work a job performs on each tick.
type Runnable func(ctx context.Context) error

// Kind distinguishes polling from scheduled jobs in logs and metrics.
type Kind string

const (
	KindPolling   Kind = "polling"
	KindScheduled Kind = "scheduled"
)

// PollingJob polls an external source every Interval.
type PollingJob struct {
	ID       string
	Interval time.Duration
	Run      Runnable
	// RunImmediately runs the first tick on activation instead of after one interval.
	RunImmediately bool
}

func (j PollingJob) validate() error {
	switch {
	case j.ID == "":
		return fmt.Errorf("%w: polling job id is required", ErrInvalidJob)
	case j.Run == nil:
		return fmt.Errorf("%w: polling job %q has no runnable", ErrInvalidJob, j.ID)
	case j.Interval <= 0:
		return fmt.Errorf("%w: polling job %q needs a positive interval", ErrInvalidJob, j.ID)
	}
	return nil
}

// ScheduledJob fires on a fixed or cron schedule.
type ScheduledJob struct {
	ID       string
	Schedule Schedule
	Run      Runnable
}

func (j ScheduledJob) validate() error {
	switch {
	case j.ID == "":
		return fmt.Errorf("%w: scheduled job id is required", ErrInvalidJob)
	case j.Run == nil:
		return fmt.Errorf("%w: scheduled job %q has no runnable", ErrInvalidJob, j.ID)
	case j.Schedule == nil:
		return fmt.Errorf("%w: scheduled job %q has no schedule", ErrInvalidJob, j.ID)
	}
	if e, ok := j.Schedule.(every); ok && e <= 0 {
		return fmt.Errorf("%w: scheduled job %q needs a positive interval", ErrInvalidJob, j.ID)
	}
	return nil
}

// ExecutionError wraps the failure of a single tick.
type ExecutionError struct {
	JobID string
	RunID string
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("job %s run %s: %v", e.JobID, e.RunID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func (e *ExecutionError) Is(target error) bool {
	return target == ErrJobExecution
}

// PanicError is the error recorded when a runnable panics.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
