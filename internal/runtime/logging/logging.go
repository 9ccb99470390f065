package logging

import (
	"log/slog"
	"maps"

	"github.com/ThreeDotsLabs/watermill"
)

// LogFields represents structured logging key/value pairs used by the bus.
type LogFields map[string]any

// ServiceLogger is the minimal logging contract required by bus services.
// It maps directly onto Watermill's logging needs so applications can adapt
// their existing loggers without depending on slog.
type ServiceLogger interface {
	With(fields LogFields) ServiceLogger
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
	Trace(msg string, fields LogFields)
}

// WarnLogger is implemented by ServiceLoggers with a native warning level.
// ActivationRecord uses it for Warn entries when available.
type WarnLogger interface {
	Warn(msg string, err error, fields LogFields)
}

var logLevelMapping = map[slog.Level]slog.Level{
	slog.LevelDebug: slog.LevelDebug,
	slog.LevelInfo:  slog.LevelInfo,
	slog.LevelWarn:  slog.LevelWarn,
	slog.LevelError: slog.LevelError,
}

// NewSlogServiceLogger wraps a slog.Logger so it satisfies ServiceLogger.
func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	if log == nil {
		panic("protobus: slog logger cannot be nil")
	}
	return &watermillServiceLogger{
		inner: watermill.NewSlogLoggerWithLevelMapping(log, logLevelMapping),
		slog:  log,
	}
}

// NewWatermillServiceLogger wraps an existing Watermill LoggerAdapter.
func NewWatermillServiceLogger(logger watermill.LoggerAdapter) ServiceLogger {
	if logger == nil {
		panic("protobus: watermill logger cannot be nil")
	}
	return &watermillServiceLogger{inner: logger}
}

// NopServiceLogger discards everything.
func NopServiceLogger() ServiceLogger {
	return &watermillServiceLogger{inner: watermill.NopLogger{}}
}

type watermillServiceLogger struct {
	inner watermill.LoggerAdapter
	// slog is set for slog-backed loggers and carries the same fields as inner.
	slog *slog.Logger
}

func (w *watermillServiceLogger) With(fields LogFields) ServiceLogger {
	child := &watermillServiceLogger{inner: w.inner.With(toWatermillFields(fields))}
	if w.slog != nil {
		child.slog = w.slog.With(slogArgs(fields)...)
	}
	return child
}

// Warn logs at slog's warn level when slog-backed. Watermill has no warn
// level, so other loggers get an info line tagged level=warn.
func (w *watermillServiceLogger) Warn(msg string, err error, fields LogFields) {
	if w.slog != nil {
		args := slogArgs(fields)
		if err != nil {
			args = append(args, "error", err)
		}
		w.slog.Warn(msg, args...)
		return
	}
	w.inner.Info(msg, toWatermillFields(warnFields(fields, err)))
}

func (w *watermillServiceLogger) Debug(msg string, fields LogFields) {
	w.inner.Debug(msg, toWatermillFields(fields))
}

func (w *watermillServiceLogger) Info(msg string, fields LogFields) {
	w.inner.Info(msg, toWatermillFields(fields))
}

func (w *watermillServiceLogger) Error(msg string, err error, fields LogFields) {
	w.inner.Error(msg, err, toWatermillFields(fields))
}

func (w *watermillServiceLogger) Trace(msg string, fields LogFields) {
	w.inner.Trace(msg, toWatermillFields(fields))
}

type serviceLoggerAdapter struct {
	base ServiceLogger
}

// NewWatermillAdapter converts a ServiceLogger into a Watermill LoggerAdapter so
// transports built on Watermill reuse the same logger.
func NewWatermillAdapter(log ServiceLogger) watermill.LoggerAdapter {
	if log == nil {
		panic("protobus: ServiceLogger cannot be nil")
	}
	return &serviceLoggerAdapter{base: log}
}

func (s *serviceLoggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	s.base.Error(msg, err, fromWatermillFields(fields))
}

func (s *serviceLoggerAdapter) Info(msg string, fields watermill.LogFields) {
	s.base.Info(msg, fromWatermillFields(fields))
}

func (s *serviceLoggerAdapter) Debug(msg string, fields watermill.LogFields) {
	s.base.Debug(msg, fromWatermillFields(fields))
}

func (s *serviceLoggerAdapter) Trace(msg string, fields watermill.LogFields) {
	s.base.Trace(msg, fromWatermillFields(fields))
}

func (s *serviceLoggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &serviceLoggerAdapter{base: s.base.With(fromWatermillFields(fields))}
}

func toWatermillFields(fields LogFields) watermill.LogFields {
	if len(fields) == 0 {
		return nil
	}
	return watermill.LogFields(fields)
}

func fromWatermillFields(fields watermill.LogFields) LogFields {
	if len(fields) == 0 {
		return nil
	}
	return LogFields(fields)
}

func slogArgs(fields LogFields) []any {
	args := make([]any, 0, 2*len(fields))
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}

func warnFields(fields LogFields, err error) LogFields {
	out := make(LogFields, len(fields)+2)
	maps.Copy(out, fields)
	out["level"] = "warn"
	if err != nil {
		out["error"] = err.Error()
	}
	return out
}
