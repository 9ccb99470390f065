package jobs

import (
	"context"
	"time"

	"github.com/drblury/protobus/internal/runtime/logging"
	"github.com/drblury/protobus/internal/runtime/metrics"
)

// RunContext describes one tick of a job to hooks.
type RunContext struct {
	// JobID is the ID of the job being run.
	JobID string
	// Kind is polling or scheduled.
	Kind Kind
	// RunID is a ULID unique to this tick.
	RunID string
	// Context is the context passed to the runnable.
	Context context.Context
	// StartedAt is when the tick started.
	StartedAt time.Time
	// Duration is how long the tick took (only set in OnRunDone and OnRunError).
	Duration time.Duration
}

// Hooks defines callbacks for job run events.
// All hooks are optional - nil hooks are simply not called.
type Hooks struct {
	// OnRunStart is called before the runnable is invoked.
	OnRunStart func(rc RunContext)
	// OnRunDone is called when the runnable returns nil.
	OnRunDone func(rc RunContext)
	// OnRunError is called with the *ExecutionError of a failed tick.
	OnRunError func(rc RunContext, err error)
}

// Merge combines two Hooks. The hooks from 'other' are called after the
// hooks from 'h'.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnRunStart: chainRunHooks(h.OnRunStart, other.OnRunStart),
		OnRunDone:  chainRunHooks(h.OnRunDone, other.OnRunDone),
		OnRunError: chainErrorHooks(h.OnRunError, other.OnRunError),
	}
}

func chainRunHooks(a, b func(RunContext)) func(RunContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(rc RunContext) {
		a(rc)
		b(rc)
	}
}

func chainErrorHooks(a, b func(RunContext, error)) func(RunContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(rc RunContext, err error) {
		a(rc, err)
		b(rc, err)
	}
}

func (h Hooks) start(rc RunContext) {
	if h.OnRunStart != nil {
		h.OnRunStart(rc)
	}
}

func (h Hooks) done(rc RunContext) {
	if h.OnRunDone != nil {
		h.OnRunDone(rc)
	}
}

func (h Hooks) failed(rc RunContext, err error) {
	if h.OnRunError != nil {
		h.OnRunError(rc, err)
	}
}

// LoggingHooks returns pre-built hooks that log job runs.
func LoggingHooks(logger logging.ServiceLogger) Hooks {
	return Hooks{
		OnRunStart: func(rc RunContext) {
			logger.Debug("Job started", logging.LogFields{
				"job":    rc.JobID,
				"kind":   string(rc.Kind),
				"run_id": rc.RunID,
			})
		},
		OnRunDone: func(rc RunContext) {
			logger.Debug("Job completed", logging.LogFields{
				"job":         rc.JobID,
				"kind":        string(rc.Kind),
				"run_id":      rc.RunID,
				"duration_ms": rc.Duration.Milliseconds(),
			})
		},
		OnRunError: func(rc RunContext, err error) {
			logger.Error("Job failed", err, logging.LogFields{
				"job":         rc.JobID,
				"kind":        string(rc.Kind),
				"run_id":      rc.RunID,
				"duration_ms": rc.Duration.Milliseconds(),
			})
		},
	}
}

// MetricsHooks returns pre-built hooks that record run counts and durations.
func MetricsHooks(m *metrics.Metrics) Hooks {
	return Hooks{
		OnRunDone: func(rc RunContext) {
			m.RecordJobRun(rc.JobID, string(rc.Kind), rc.Duration, nil)
		},
		OnRunError: func(rc RunContext, err error) {
			m.RecordJobRun(rc.JobID, string(rc.Kind), rc.Duration, err)
		},
	}
}
