package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrServiceRequired    = sterrors.New("protobus: bus service is required")
	ErrConfigRequired     = sterrors.New("protobus: configuration is required")
	ErrLoggerRequired     = sterrors.New("protobus: logger is required")
	ErrEnvelopeRequired   = sterrors.New("protobus: envelope is required")
	ErrMessageTypeMissing = sterrors.New("protobus: envelope message type is required")
	ErrHandlerRequired    = sterrors.New("protobus: handler function is required")
	ErrBusDisabled        = sterrors.New("protobus: bus is disabled")
	ErrBusNotActive       = sterrors.New("protobus: bus is not active")
	ErrHandlerExists      = sterrors.New("protobus: handler already registered")
)

// ConfigValidationError wraps the joined validation failures of a Config.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("protobus: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
