package runtime

import (
	"context"

	"github.com/drblury/protobus/bus"
	"github.com/drblury/protobus/endpoint"
	errspkg "github.com/drblury/protobus/internal/runtime/errors"
	"github.com/drblury/protobus/transport"
)

// Sender is the outbound surface of a Service.
type Sender interface {
	Send(ctx context.Context, env transport.Envelope, dest endpoint.Address) (transport.SendResult, error)
	Route(ctx context.Context, env transport.Envelope) ([]transport.SendResult, error)
	Publish(ctx context.Context, env transport.Envelope) ([]transport.SendResult, error)
}

var _ Sender = (*Service)(nil)

// Send delivers env point-to-point to dest.
func (s *Service) Send(ctx context.Context, env transport.Envelope, dest endpoint.Address) (transport.SendResult, error) {
	if err := s.checkSendable(env); err != nil {
		return transport.SendResult{Destination: dest, MessageID: env.ID, Err: err}, err
	}
	return s.transports.Send(ctx, env, dest)
}

// Route sends env to every destination the routing table yields for its type.
// No route is an empty result, not an error.
func (s *Service) Route(ctx context.Context, env transport.Envelope) ([]transport.SendResult, error) {
	if err := s.checkSendable(env); err != nil {
		return nil, err
	}
	return s.sendAll(ctx, env, s.routes.DestinationsFor(env.MessageType))
}

// Publish sends env to the routing table's destinations and to every
// subscriber of its type, each endpoint once.
func (s *Service) Publish(ctx context.Context, env transport.Envelope) ([]transport.SendResult, error) {
	if err := s.checkSendable(env); err != nil {
		return nil, err
	}
	return s.sendAll(ctx, env, s.PublishDestinations(env))
}

// PublishDestinations returns the endpoints Publish would send env to.
func (s *Service) PublishDestinations(env transport.Envelope) []endpoint.Address {
	routed := s.routes.DestinationsFor(env.MessageType)
	subscribed := s.registry.SubscribersOf(env.MessageType)

	seen := make(map[string]struct{}, len(routed)+len(subscribed))
	out := make([]endpoint.Address, 0, len(routed)+len(subscribed))
	for _, list := range [][]endpoint.Address{routed, subscribed} {
		for _, addr := range list {
			if _, dup := seen[addr.Key()]; dup {
				continue
			}
			seen[addr.Key()] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}

func (s *Service) sendAll(ctx context.Context, env transport.Envelope, dests []endpoint.Address) ([]transport.SendResult, error) {
	if len(dests) == 0 {
		return []transport.SendResult{}, nil
	}
	return s.transports.SendAll(ctx, env, dests)
}

func (s *Service) checkSendable(env transport.Envelope) error {
	if s == nil {
		return errspkg.ErrServiceRequired
	}
	if !s.Conf.Enabled {
		return errspkg.ErrBusDisabled
	}
	if env.MessageType.IsZero() {
		return errspkg.ErrMessageTypeMissing
	}
	if s.controller.State() != bus.Active {
		return errspkg.ErrBusNotActive
	}
	return nil
}
