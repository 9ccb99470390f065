package protobus

import (
	"github.com/drblury/protobus/endpoint"
	runtimepkg "github.com/drblury/protobus/internal/runtime"
	configpkg "github.com/drblury/protobus/internal/runtime/config"
	errspkg "github.com/drblury/protobus/internal/runtime/errors"
	idspkg "github.com/drblury/protobus/internal/runtime/ids"
	jsoncodec "github.com/drblury/protobus/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/protobus/internal/runtime/logging"
	metadatapkg "github.com/drblury/protobus/internal/runtime/metadata"
	"github.com/drblury/protobus/jobs"
	"github.com/drblury/protobus/routing"
	"github.com/drblury/protobus/transport"

	// Registers every transport family with transport.DefaultRegistry.
	_ "github.com/drblury/protobus/transport/transports"
)

type (
	Config              = configpkg.Config
	RouteConfig         = configpkg.RouteConfig
	SubscriptionConfig  = configpkg.SubscriptionConfig
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	ServiceStatus       = runtimepkg.ServiceStatus
	Sender              = runtimepkg.Sender

	Handler             = runtimepkg.Handler
	HandlerRegistration = runtimepkg.HandlerRegistration

	HandlerMiddleware      = runtimepkg.HandlerMiddleware
	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	Address     = endpoint.Address
	MessageType = routing.MessageType
	Rule        = routing.Rule
	Route       = routing.Route
	Envelope    = transport.Envelope
	SendResult  = transport.SendResult
	Metadata    = metadatapkg.Metadata

	LogFields        = loggingpkg.LogFields
	ServiceLogger    = loggingpkg.ServiceLogger
	WarnLogger       = loggingpkg.WarnLogger
	ActivationLog    = loggingpkg.ActivationLog
	ActivationRecord = loggingpkg.ActivationRecord

	PollingJob   = jobs.PollingJob
	ScheduledJob = jobs.ScheduledJob
	JobHooks     = jobs.Hooks
	RunContext   = jobs.RunContext

	UnprocessableMessageError = runtimepkg.UnprocessableMessageError

	HandlerInfo           = runtimepkg.HandlerInfo
	HandlerStats          = runtimepkg.HandlerStats
	ConfigValidationError = errspkg.ConfigValidationError

	// Error classification
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory
)

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	ValidateConfig = configpkg.ValidateConfig

	RegisterHandler         = runtimepkg.RegisterHandler
	RegisterFallbackHandler = runtimepkg.RegisterFallbackHandler

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	PoisonQueueMiddleware   = runtimepkg.PoisonQueueMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware
	FromWatermill           = runtimepkg.FromWatermill

	Unprocessable = runtimepkg.Unprocessable

	ParseAddress     = endpoint.Parse
	MustParseAddress = endpoint.MustParse
	NewEnvelope      = transport.NewEnvelope

	// Job schedules and hooks
	Every        = jobs.Every
	Cron         = jobs.Cron
	MustCron     = jobs.MustCron
	LoggingHooks = jobs.LoggingHooks
	MetricsHooks = jobs.MetricsHooks

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrServiceRequired    = errspkg.ErrServiceRequired
	ErrHandlerRequired    = errspkg.ErrHandlerRequired
	ErrHandlerExists      = errspkg.ErrHandlerExists
	ErrMessageTypeMissing = errspkg.ErrMessageTypeMissing
	ErrConfigRequired     = errspkg.ErrConfigRequired
	ErrLoggerRequired     = errspkg.ErrLoggerRequired
	ErrBusDisabled        = errspkg.ErrBusDisabled
	ErrBusNotActive       = errspkg.ErrBusNotActive
	ErrRedeliver          = transport.ErrRedeliver

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewActivationRecord  = loggingpkg.NewActivationRecord

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// Metadata keys set by the default middleware chain.
const (
	MetadataKeyCorrelationID = runtimepkg.MetadataKeyCorrelationID
	MetadataKeyPoisonReason  = runtimepkg.MetadataKeyPoisonReason
)

// Subscription store kinds for Config.SubscriptionStore.
const (
	StoreMemory   = configpkg.StoreMemory
	StoreFile     = configpkg.StoreFile
	StoreSQLite   = configpkg.StoreSQLite
	StorePostgres = configpkg.StorePostgres
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone          = runtimepkg.ErrorCategoryNone
	ErrorCategoryUnprocessable = runtimepkg.ErrorCategoryUnprocessable
	ErrorCategoryTransport     = runtimepkg.ErrorCategoryTransport
	ErrorCategoryDownstream    = runtimepkg.ErrorCategoryDownstream
	ErrorCategoryOther         = runtimepkg.ErrorCategoryOther
)

// RegisterHandlerFor registers h for the message type derived from T.
func RegisterHandlerFor[T any](svc *Service, h Handler) error {
	return runtimepkg.RegisterHandlerFor[T](svc, h)
}

// TypeFor derives the MessageType of T.
func TypeFor[T any]() MessageType {
	return routing.TypeFor[T]()
}

// Redeliver wraps err so the transport redelivers the envelope.
func Redeliver(err error) error {
	return &redeliverError{err: err}
}

type redeliverError struct {
	err error
}

func (e *redeliverError) Error() string {
	if e.err == nil {
		return transport.ErrRedeliver.Error()
	}
	return transport.ErrRedeliver.Error() + ": " + e.err.Error()
}

func (e *redeliverError) Unwrap() []error {
	return []error{transport.ErrRedeliver, e.err}
}
