package transport

import (
	"errors"
	"fmt"

	"github.com/drblury/protobus/endpoint"
)

var (
	// ErrBindFailure marks a transport that could not open its receive side
	// or validate its send side during activation.
	ErrBindFailure = errors.New("protobus: transport bind failure")

	// ErrNotActive is returned when sending through an inactive transport.
	ErrNotActive = errors.New("protobus: transport not active")

	// ErrNoTransport is returned when no transport owns a destination's protocol.
	ErrNoTransport = errors.New("protobus: no transport for protocol")

	// ErrRedeliver may be wrapped by a Receiver to request redelivery
	// instead of acknowledging the message.
	ErrRedeliver = errors.New("protobus: redeliver message")

	// ErrUnknownProtocol is returned by the registry for unregistered schemes.
	ErrUnknownProtocol = errors.New("protobus: unknown transport protocol")
)

// BindError reports which transport and address failed to activate.
type BindError struct {
	Protocol string
	Address  endpoint.Address
	Err      error
}

func (e *BindError) Error() string {
	if e.Address.IsZero() {
		return fmt.Sprintf("protobus: transport %s failed to activate: %v", e.Protocol, e.Err)
	}
	return fmt.Sprintf("protobus: transport %s failed to bind %s: %v", e.Protocol, e.Address, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

func (e *BindError) Is(target error) bool {
	return target == ErrBindFailure
}
