package jobs

import "time"

// State of a single job.
type State int32

const (
	Idle State = iota
	Running
	Faulted
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Faulted:
		return "faulted"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Status is a point-in-time snapshot of one job.
type Status struct {
	ID        string
	Kind      Kind
	State     State
	Runs      int64
	Failures  int64
	LastError error
	LastRun   time.Time
	NextRun   time.Time
}
