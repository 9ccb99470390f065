// Package bus sequences the activation and deactivation of every
// transport-related subsystem as one unit, gated by the enabled flag.
//
// Activation runs transports, then subscriptions, then polling jobs. A stage
// failure aborts activation and rolls back the stages already started, in
// reverse. Scheduled jobs are outside that sequence: the controller stops
// them on Deactivate only while the bus is disabled.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/drblury/protobus/internal/runtime/logging"
	"github.com/drblury/protobus/internal/runtime/metrics"
)

// ErrTransitionInProgress is returned when Activate or Deactivate is called
// while another transition is running.
var ErrTransitionInProgress = errors.New("protobus: bus lifecycle transition in progress")

// Stage names used in logs, errors and metrics.
const (
	StageTransports    = "transports"
	StageSubscriptions = "subscriptions"
	StagePollingJobs   = "polling_jobs"
	StageScheduledJobs = "scheduled_jobs"
)

// Phases of a stage transition.
const (
	PhaseActivate   = "activate"
	PhaseDeactivate = "deactivate"
	PhaseRollback   = "rollback"
)

// Deactivator stops a subsystem.
type Deactivator interface {
	Deactivate(ctx context.Context, log logging.ActivationLog) error
}

// Activator starts and stops a subsystem.
type Activator interface {
	Activate(ctx context.Context, log logging.ActivationLog) error
	Deactivator
}

// Settings are read once at construction and never change.
type Settings struct {
	Enabled bool
}

// Stages holds the subsystems the controller drives. Nil stages are skipped.
type Stages struct {
	Transports    Activator
	Subscriptions Activator
	PollingJobs   Activator
	ScheduledJobs Deactivator
}

// State of the controller.
type State int

const (
	Disabled State = iota
	Inactive
	Activating
	Active
	Deactivating
	Failed
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Inactive:
		return "inactive"
	case Activating:
		return "activating"
	case Active:
		return "active"
	case Deactivating:
		return "deactivating"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StageError names the stage and phase a failure came from.
type StageError struct {
	Stage string
	Phase string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("bus %s %s: %v", e.Phase, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Option configures a Controller.
type Option func(*Controller)

// WithMetrics records stage durations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

type stage struct {
	name string
	unit Activator
}

// Controller is the bus lifecycle controller.
type Controller struct {
	settings Settings
	stages   Stages
	metrics  *metrics.Metrics

	// mu guards state only. Stages run without it.
	mu    sync.Mutex
	state State
}

// New returns a controller in the Disabled or Inactive state.
func New(settings Settings, stages Stages, opts ...Option) *Controller {
	c := &Controller{settings: settings, stages: stages, state: Inactive}
	if !settings.Enabled {
		c.state = Disabled
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enabled reports the enabled flag the controller was built with.
func (c *Controller) Enabled() bool {
	return c.settings.Enabled
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) ordered() []stage {
	var out []stage
	for _, s := range []stage{
		{StageTransports, c.stages.Transports},
		{StageSubscriptions, c.stages.Subscriptions},
		{StagePollingJobs, c.stages.PollingJobs},
	} {
		if s.unit != nil {
			out = append(out, s)
		}
	}
	return out
}

// Activate starts every stage in order. A disabled bus writes a single trace
// entry and does nothing else.
func (c *Controller) Activate(ctx context.Context, log logging.ActivationLog) error {
	if !c.settings.Enabled {
		log.Trace("Skipping activation because the bus is disabled", nil)
		return nil
	}

	c.mu.Lock()
	switch c.state {
	case Active:
		c.mu.Unlock()
		log.Trace("Bus already active", nil)
		return nil
	case Activating, Deactivating:
		c.mu.Unlock()
		return ErrTransitionInProgress
	}
	c.state = Activating
	c.mu.Unlock()

	started := time.Now()
	var activated []stage
	for _, s := range c.ordered() {
		err := c.run(s.name, PhaseActivate, func() error { return s.unit.Activate(ctx, log) })
		if err != nil {
			log.Error("Bus activation failed", err, logging.LogFields{"stage": s.name})
			rollbackErr := c.deactivateAll(context.WithoutCancel(ctx), log, activated, PhaseRollback)
			c.setState(Failed)
			return errors.Join(err, rollbackErr)
		}
		activated = append(activated, s)
	}

	c.setState(Active)
	log.Info("Bus activated", logging.LogFields{
		"stages":      len(activated),
		"duration_ms": time.Since(started).Milliseconds(),
	})
	return nil
}

// Deactivate stops the bus.
//
// While disabled, it stops the scheduled jobs and nothing else. While
// enabled and active, it stops polling jobs, subscriptions and transports in
// that order and joins their errors; scheduled jobs are left running.
//
// The scheduled-job guard keys on the configured flag, not on whether the
// bus was ever active. This asymmetry is deliberate and must be kept: with
// the bus enabled, whoever started the scheduled jobs stops them
// (Service.Stop does).
func (c *Controller) Deactivate(ctx context.Context, log logging.ActivationLog) error {
	if !c.settings.Enabled {
		log.Trace("Shutting down the scheduled jobs", nil)
		if c.stages.ScheduledJobs == nil {
			return nil
		}
		return c.run(StageScheduledJobs, PhaseDeactivate, func() error {
			return c.stages.ScheduledJobs.Deactivate(ctx, log)
		})
	}

	c.mu.Lock()
	switch c.state {
	case Inactive, Failed:
		state := c.state
		c.mu.Unlock()
		log.Trace("Bus not active", logging.LogFields{"state": state.String()})
		return nil
	case Activating, Deactivating:
		c.mu.Unlock()
		return ErrTransitionInProgress
	}
	c.state = Deactivating
	c.mu.Unlock()

	err := c.deactivateAll(ctx, log, c.ordered(), PhaseDeactivate)
	c.setState(Inactive)
	if err != nil {
		log.Error("Bus deactivation finished with errors", err, nil)
		return err
	}
	log.Info("Bus deactivated", nil)
	return nil
}

// deactivateAll stops stages in reverse order, continuing past failures.
func (c *Controller) deactivateAll(ctx context.Context, log logging.ActivationLog, stages []stage, phase string) error {
	var errs []error
	for i := len(stages) - 1; i >= 0; i-- {
		s := stages[i]
		if err := c.run(s.name, phase, func() error { return s.unit.Deactivate(ctx, log) }); err != nil {
			log.Warn("Stage failed to stop", err, logging.LogFields{"stage": s.name, "phase": phase})
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) run(name, phase string, fn func() error) error {
	start := time.Now()
	err := fn()
	c.metrics.RecordStage(name, phase, time.Since(start), err)
	if err != nil {
		return &StageError{Stage: name, Phase: phase, Err: err}
	}
	return nil
}
