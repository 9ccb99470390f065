package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/protobus/internal/runtime/ids"
)

// runner drives one job between Activate and Deactivate.
type runner struct {
	id        string
	kind      Kind
	run       Runnable
	next      func(now time.Time) time.Time
	immediate bool
	hooks     Hooks
	tracer    trace.Tracer

	state    atomic.Int32
	runs     atomic.Int64
	failures atomic.Int64

	mu      sync.Mutex
	lastErr error
	lastRun time.Time
	nextRun time.Time
	done    chan struct{}
	// gen identifies the current loop. Writes from an older loop are ignored.
	gen uint64
}

// running reports whether the previous loop has not exited yet.
func (r *runner) running() bool {
	done := r.doneCh()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

func (r *runner) start(ctx context.Context) {
	done := make(chan struct{})
	r.mu.Lock()
	r.done = done
	r.gen++
	gen := r.gen
	r.state.Store(int32(Idle))
	r.mu.Unlock()
	go r.loop(ctx, gen, done)
}

func (r *runner) setState(gen uint64, s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen == gen {
		r.state.Store(int32(s))
	}
}

func (r *runner) doneCh() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

func (r *runner) loop(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)
	defer r.setState(gen, Stopped)

	if r.immediate {
		r.tick(ctx, gen)
	}
	for {
		now := time.Now()
		next := r.next(now)
		if next.IsZero() {
			return
		}
		r.mu.Lock()
		r.nextRun = next
		r.mu.Unlock()

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if ctx.Err() != nil {
			return
		}
		r.tick(ctx, gen)
	}
}

func (r *runner) tick(ctx context.Context, gen uint64) {
	rc := RunContext{
		JobID:     r.id,
		Kind:      r.kind,
		RunID:     ids.CreateULID(),
		Context:   ctx,
		StartedAt: time.Now(),
	}
	r.setState(gen, Running)
	r.hooks.start(rc)

	spanCtx, span := r.tracer.Start(ctx, "protobus.job",
		trace.WithAttributes(
			attribute.String("protobus.job.id", r.id),
			attribute.String("protobus.job.kind", string(r.kind)),
			attribute.String("protobus.job.run_id", rc.RunID),
		),
	)
	defer span.End()

	err := invoke(spanCtx, r.run)
	rc.Duration = time.Since(rc.StartedAt)
	r.runs.Add(1)

	// A runnable returning the cancellation it was handed is stopping, not failing.
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		err = nil
	}

	r.mu.Lock()
	r.lastRun = rc.StartedAt
	if err != nil {
		err = &ExecutionError{JobID: r.id, RunID: rc.RunID, Err: err}
		r.lastErr = err
	}
	r.mu.Unlock()

	if err != nil {
		r.failures.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.setState(gen, Faulted)
		r.hooks.failed(rc, err)
		return
	}
	r.setState(gen, Idle)
	r.hooks.done(rc)
}

func invoke(ctx context.Context, run Runnable) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v}
		}
	}()
	return run(ctx)
}

func (r *runner) status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		ID:        r.id,
		Kind:      r.kind,
		State:     State(r.state.Load()),
		Runs:      r.runs.Load(),
		Failures:  r.failures.Load(),
		LastError: r.lastErr,
		LastRun:   r.lastRun,
		NextRun:   r.nextRun,
	}
}
