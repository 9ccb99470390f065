package logging

import (
	"sync"
	"time"
)

// ActivationLog is handed to every lifecycle stage while the bus activates or
// deactivates. Trace is the only call the lifecycle core relies on; the other
// levels let stages report degraded and fatal conditions.
type ActivationLog interface {
	Trace(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Warn(msg string, err error, fields LogFields)
	Error(msg string, err error, fields LogFields)
}

// Level of a recorded activation entry.
type Level string

const (
	LevelTrace Level = "trace"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// ActivationEntry is one line of an ActivationRecord.
type ActivationEntry struct {
	Level   Level
	Message string
	Err     error
	Fields  LogFields
	At      time.Time
}

// ActivationRecord keeps every entry written during activation so it can be
// inspected afterwards, and forwards each entry to a ServiceLogger.
// It is safe for concurrent use.
type ActivationRecord struct {
	base ServiceLogger

	mu      sync.Mutex
	entries []ActivationEntry
}

// NewActivationRecord returns a record forwarding to base. A nil base only records.
func NewActivationRecord(base ServiceLogger) *ActivationRecord {
	if base == nil {
		base = NopServiceLogger()
	}
	return &ActivationRecord{base: base}
}

func (r *ActivationRecord) Trace(msg string, fields LogFields) {
	r.append(LevelTrace, msg, nil, fields)
	r.base.Trace(msg, fields)
}

func (r *ActivationRecord) Info(msg string, fields LogFields) {
	r.append(LevelInfo, msg, nil, fields)
	r.base.Info(msg, fields)
}

// Warn is forwarded at the base logger's warn level when it implements
// WarnLogger, and as an info line tagged level=warn otherwise.
func (r *ActivationRecord) Warn(msg string, err error, fields LogFields) {
	r.append(LevelWarn, msg, err, fields)
	if w, ok := r.base.(WarnLogger); ok {
		w.Warn(msg, err, fields)
		return
	}
	r.base.Info(msg, warnFields(fields, err))
}

func (r *ActivationRecord) Error(msg string, err error, fields LogFields) {
	r.append(LevelError, msg, err, fields)
	r.base.Error(msg, err, fields)
}

// Entries returns a copy of everything recorded so far.
func (r *ActivationRecord) Entries() []ActivationEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ActivationEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Count returns the number of entries at the given level.
func (r *ActivationRecord) Count(level Level) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.Level == level {
			n++
		}
	}
	return n
}

// HasErrors reports whether any error entry was recorded.
func (r *ActivationRecord) HasErrors() bool {
	return r.Count(LevelError) > 0
}

func (r *ActivationRecord) append(level Level, msg string, err error, fields LogFields) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, ActivationEntry{
		Level:   level,
		Message: msg,
		Err:     err,
		Fields:  fields,
		At:      time.Now(),
	})
}
