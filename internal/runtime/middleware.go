package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/protobus/endpoint"
	idspkg "github.com/drblury/protobus/internal/runtime/ids"
	loggingpkg "github.com/drblury/protobus/internal/runtime/logging"
	"github.com/drblury/protobus/transport"
)

// MetadataKeyCorrelationID groups envelopes that belong to one conversation.
const MetadataKeyCorrelationID = "correlation_id"

// HandlerMiddleware wraps a Handler.
type HandlerMiddleware func(Handler) Handler

// MiddlewareBuilder constructs a handler middleware using the provided service instance.
type MiddlewareBuilder func(*Service) (HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware should be registered on a Service.
type MiddlewareRegistration struct {
	Name       string
	Middleware HandlerMiddleware
	Builder    MiddlewareBuilder
}

// RetryMiddlewareConfig customises the retry middleware behaviour.
type RetryMiddlewareConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func (cfg RetryMiddlewareConfig) withDefaults() RetryMiddlewareConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Second
	}
	return cfg
}

// DefaultMiddlewares returns the standard middleware chain used by the
// Service constructor, outermost first.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		PoisonQueueMiddleware(nil),
		RetryMiddleware(RetryMiddlewareConfig{}),
		RecovererMiddleware(),
	}
}

// CorrelationIDMiddleware ensures each handled envelope carries a correlation identifier.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "correlation_id",
		Middleware: correlationIDMiddleware,
	}
}

// LogMessagesMiddleware logs the type and headers of handled envelopes.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Service) (HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

// TracerMiddleware wraps handler execution in an OpenTelemetry consumer span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "tracer",
		Middleware: tracerMiddleware(otel.Tracer("github.com/drblury/protobus/runtime")),
	}
}

// RetryMiddleware retries handler execution in-process with exponential
// backoff. Unprocessable errors are never retried.
func RetryMiddleware(cfg RetryMiddlewareConfig) MiddlewareRegistration {
	normalized := cfg.withDefaults()
	return MiddlewareRegistration{
		Name: "retry",
		Middleware: FromWatermill(middleware.Retry{
			MaxRetries:      normalized.MaxRetries,
			InitialInterval: normalized.InitialInterval,
			MaxInterval:     normalized.MaxInterval,
			Multiplier:      2,
			ShouldRetry: func(params middleware.RetryParams) bool {
				var unprocessable *UnprocessableMessageError
				if errors.As(params.Err, &unprocessable) {
					return false
				}
				if normalized.RetryIf != nil {
					return normalized.RetryIf(params.Err)
				}
				return true
			},
		}.Middleware),
	}
}

// PoisonQueueMiddleware forwards envelopes whose error matches filter to the
// configured poison queue and reports them as handled. Without a configured
// PoisonQueue it is skipped.
func PoisonQueueMiddleware(filter func(error) bool) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "poison_queue",
		Builder: func(s *Service) (HandlerMiddleware, error) {
			if s.Conf == nil || s.Conf.PoisonQueue == "" {
				return nil, nil
			}
			dest, err := endpoint.ParseAny(s.Conf.PoisonQueue)
			if err != nil {
				return nil, err
			}
			f := filter
			if f == nil {
				f = func(err error) bool {
					var unprocessable *UnprocessableMessageError
					return errors.As(err, &unprocessable)
				}
			}
			return s.poisonQueueMiddleware(dest, f), nil
		},
	}
}

// RecovererMiddleware converts panics into handler errors so they can be
// retried or sent to the poison queue.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: FromWatermill(middleware.Recoverer),
	}
}

// FromWatermill runs a Watermill router middleware around a Handler. The
// envelope is presented to the middleware as a message carrying the
// handler's context.
func FromWatermill(mw message.HandlerMiddleware) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, env transport.Envelope) error {
			msg := env.ToMessage(endpoint.Address{})
			msg.SetContext(ctx)
			_, err := mw(func(m *message.Message) ([]*message.Message, error) {
				return nil, next(m.Context(), env)
			})(msg)
			return err
		}
	}
}

// RegisterMiddleware appends the supplied middleware to the handler chain.
// Middlewares registered first run outermost.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	var mw HandlerMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	s.handlersMu.Lock()
	s.middlewares = append(s.middlewares, mw)
	s.handlersMu.Unlock()
	return nil
}

func chain(h Handler, middlewares []HandlerMiddleware) Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// correlationIDMiddleware injects a correlation ID into the envelope headers when missing.
func correlationIDMiddleware(h Handler) Handler {
	return func(ctx context.Context, env transport.Envelope) error {
		if env.Headers.Get(MetadataKeyCorrelationID) == "" {
			env = env.WithHeader(MetadataKeyCorrelationID, idspkg.CreateULID())
		}
		return h(ctx, env)
	}
}

// logMessagesMiddleware logs all handled envelopes with their headers.
func logMessagesMiddleware(logger loggingpkg.ServiceLogger) HandlerMiddleware {
	return func(h Handler) Handler {
		return func(ctx context.Context, env transport.Envelope) error {
			logger.Debug("Processing message", loggingpkg.LogFields{
				"message_id":   env.ID,
				"message_type": env.MessageType.String(),
				"headers":      env.Headers,
				"size":         len(env.Payload),
			})
			return h(ctx, env)
		}
	}
}

// tracerMiddleware wraps message handling with an OpenTelemetry span.
func tracerMiddleware(tracer trace.Tracer) HandlerMiddleware {
	return func(h Handler) Handler {
		return func(ctx context.Context, env transport.Envelope) error {
			ctx, span := tracer.Start(ctx, "protobus.handle",
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(
					attribute.String("protobus.message.id", env.ID),
					attribute.String("protobus.message.type", env.MessageType.String()),
				),
			)
			defer span.End()

			err := h(ctx, env)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return err
		}
	}
}

func (s *Service) poisonQueueMiddleware(dest endpoint.Address, filter func(error) bool) HandlerMiddleware {
	return func(h Handler) Handler {
		return func(ctx context.Context, env transport.Envelope) error {
			err := h(ctx, env)
			if err == nil || !filter(err) {
				return err
			}
			poisoned := env.WithHeader(MetadataKeyPoisonReason, err.Error())
			if _, sendErr := s.Send(ctx, poisoned, dest); sendErr != nil {
				return errors.Join(err, sendErr)
			}
			s.Logger.Info("Moved message to poison queue", loggingpkg.LogFields{
				"message_id":   env.ID,
				"message_type": env.MessageType.String(),
				"poison_queue": dest.String(),
				"reason":       err.Error(),
			})
			return nil
		}
	}
}

// MetadataKeyPoisonReason carries the handler error on poisoned envelopes.
const MetadataKeyPoisonReason = "protobus_poison_reason"
