package jobs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/protobus/internal/runtime/logging"
	"github.com/drblury/protobus/internal/runtime/metrics"
)

const tracerName = "github.com/drblury/protobus/jobs"

// Options configures a PollingJobActivator or ScheduledJobController.
type Options struct {
	// GracePeriod bounds Deactivate. Defaults to DefaultGracePeriod.
	GracePeriod time.Duration
	// Hooks run after the built-in logging and metrics hooks.
	Hooks   Hooks
	Logger  logging.ServiceLogger
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
}

func (o Options) withDefaults() Options {
	if o.GracePeriod <= 0 {
		o.GracePeriod = DefaultGracePeriod
	}
	if o.Logger == nil {
		o.Logger = logging.NopServiceLogger()
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer(tracerName)
	}
	return o
}

// group is the lifecycle shared by both job kinds.
type group struct {
	kind    Kind
	runners []*runner
	grace   time.Duration

	mu     sync.Mutex
	active bool
	cancel context.CancelFunc
}

func newGroup(kind Kind, runners []*runner, opts Options) (*group, error) {
	seen := make(map[string]struct{}, len(runners))
	hooks := LoggingHooks(opts.Logger).Merge(MetricsHooks(opts.Metrics)).Merge(opts.Hooks)
	for _, r := range runners {
		if _, dup := seen[r.id]; dup {
			return nil, fmt.Errorf("%w: duplicate %s job id %q", ErrInvalidJob, kind, r.id)
		}
		seen[r.id] = struct{}{}
		r.kind = kind
		r.hooks = hooks
		r.tracer = opts.Tracer
	}
	return &group{kind: kind, runners: runners, grace: opts.GracePeriod}, nil
}

func (g *group) activate(ctx context.Context, log logging.ActivationLog) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active {
		log.Trace("Jobs already active", logging.LogFields{"kind": string(g.kind)})
		return nil
	}

	if busy := g.awaitStragglers(ctx); len(busy) > 0 {
		log.Error("Jobs from the previous activation are still running", ErrStillRunning, logging.LogFields{
			"kind": string(g.kind),
			"jobs": strings.Join(busy, ", "),
		})
		return fmt.Errorf("%w: %s", ErrStillRunning, strings.Join(busy, ", "))
	}

	// Jobs run until Deactivate, not until the activation context ends.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	for _, r := range g.runners {
		r.start(loopCtx)
	}
	g.cancel = cancel
	g.active = true

	log.Info("Started jobs", logging.LogFields{
		"kind":  string(g.kind),
		"count": len(g.runners),
	})
	return nil
}

// awaitStragglers waits up to the grace period for loops abandoned by an
// earlier deactivate and returns the ids of those still running.
func (g *group) awaitStragglers(ctx context.Context) []string {
	deadline := time.NewTimer(g.grace)
	defer deadline.Stop()

wait:
	for _, r := range g.runners {
		if !r.running() {
			continue
		}
		select {
		case <-r.doneCh():
		case <-deadline.C:
			break wait
		case <-ctx.Done():
			break wait
		}
	}

	var busy []string
	for _, r := range g.runners {
		if r.running() {
			busy = append(busy, r.id)
		}
	}
	return busy
}

func (g *group) deactivate(ctx context.Context, log logging.ActivationLog) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.active {
		log.Trace("Jobs already stopped", logging.LogFields{"kind": string(g.kind)})
		return nil
	}
	g.cancel()
	g.active = false

	deadline := time.NewTimer(g.grace)
	defer deadline.Stop()

	expired := false
	var abandoned []string
	for _, r := range g.runners {
		done := r.doneCh()
		if !expired {
			select {
			case <-done:
				continue
			case <-deadline.C:
				expired = true
			case <-ctx.Done():
				expired = true
			}
		}
		select {
		case <-done:
		default:
			abandoned = append(abandoned, r.id)
		}
	}

	if len(abandoned) > 0 {
		for _, id := range abandoned {
			log.Warn("Abandoning job that did not stop in time", ErrStopTimeout, logging.LogFields{
				"job":          id,
				"kind":         string(g.kind),
				"grace_period": g.grace.String(),
			})
		}
		return fmt.Errorf("%w: %s", ErrStopTimeout, strings.Join(abandoned, ", "))
	}

	log.Info("Stopped jobs", logging.LogFields{
		"kind":  string(g.kind),
		"count": len(g.runners),
	})
	return nil
}

func (g *group) isActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

func (g *group) status() []Status {
	out := make([]Status, 0, len(g.runners))
	for _, r := range g.runners {
		out = append(out, r.status())
	}
	return out
}

// PollingJobActivator starts and stops the polling jobs.
type PollingJobActivator struct {
	g *group
}

// NewPollingJobActivator validates jobs and returns an inactive activator.
func NewPollingJobActivator(opts Options, jobs ...PollingJob) (*PollingJobActivator, error) {
	opts = opts.withDefaults()
	runners := make([]*runner, 0, len(jobs))
	for _, j := range jobs {
		if err := j.validate(); err != nil {
			return nil, err
		}
		interval := j.Interval
		runners = append(runners, &runner{
			id:        j.ID,
			run:       j.Run,
			immediate: j.RunImmediately,
			next:      func(now time.Time) time.Time { return now.Add(interval) },
		})
	}
	g, err := newGroup(KindPolling, runners, opts)
	if err != nil {
		return nil, err
	}
	return &PollingJobActivator{g: g}, nil
}

// Activate starts one goroutine per job.
func (a *PollingJobActivator) Activate(ctx context.Context, log logging.ActivationLog) error {
	return a.g.activate(ctx, log)
}

// Deactivate stops the jobs, waiting up to the grace period.
func (a *PollingJobActivator) Deactivate(ctx context.Context, log logging.ActivationLog) error {
	return a.g.deactivate(ctx, log)
}

func (a *PollingJobActivator) Active() bool     { return a.g.isActive() }
func (a *PollingJobActivator) Status() []Status { return a.g.status() }
func (a *PollingJobActivator) Len() int         { return len(a.g.runners) }

// ScheduledJobController starts and stops the scheduled jobs.
type ScheduledJobController struct {
	g *group
}

// NewScheduledJobController validates jobs and returns an inactive controller.
func NewScheduledJobController(opts Options, jobs ...ScheduledJob) (*ScheduledJobController, error) {
	opts = opts.withDefaults()
	runners := make([]*runner, 0, len(jobs))
	for _, j := range jobs {
		if err := j.validate(); err != nil {
			return nil, err
		}
		runners = append(runners, &runner{
			id:   j.ID,
			run:  j.Run,
			next: j.Schedule.Next,
		})
	}
	g, err := newGroup(KindScheduled, runners, opts)
	if err != nil {
		return nil, err
	}
	return &ScheduledJobController{g: g}, nil
}

// Activate starts one goroutine per job.
func (c *ScheduledJobController) Activate(ctx context.Context, log logging.ActivationLog) error {
	return c.g.activate(ctx, log)
}

// Deactivate stops the jobs, waiting up to the grace period.
func (c *ScheduledJobController) Deactivate(ctx context.Context, log logging.ActivationLog) error {
	return c.g.deactivate(ctx, log)
}

func (c *ScheduledJobController) Active() bool     { return c.g.isActive() }
func (c *ScheduledJobController) Status() []Status { return c.g.status() }
func (c *ScheduledJobController) Len() int         { return len(c.g.runners) }
