// Package nats provides a NATS Core transport. An address names the server
// (host:port) and the subject (queue name); instances listening on the same
// subject share a queue group so each message is handled once.
package nats

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/protobus/endpoint"
	"github.com/drblury/protobus/transport"
)

// TransportName is the scheme this transport owns.
const TransportName = "nats"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the NATS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build creates the NATS pub/sub factories.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.PubSub, error) {
	marshaler := &nats.NATSMarshaler{}
	options := natsOptions(cfg)

	return transport.PubSub{
		NewPublisher: func(dest endpoint.Address) (message.Publisher, error) {
			return PublisherFactory(
				nats.PublisherConfig{
					URL:         ServerURL(dest),
					NatsOptions: options,
					Marshaler:   marshaler,
					JetStream:   nats.JetStreamConfig{Disabled: true},
				},
				logger,
			)
		},
		NewSubscriber: func(local endpoint.Address) (message.Subscriber, error) {
			return SubscriberFactory(
				nats.SubscriberConfig{
					URL:              ServerURL(local),
					QueueGroupPrefix: "protobus",
					SubscribersCount: 1,
					NatsOptions:      options,
					Unmarshaler:      marshaler,
					JetStream:        nats.JetStreamConfig{Disabled: true},
				},
				logger,
			)
		},
	}, nil
}

// ServerURL is the NATS server URL for addr.
func ServerURL(addr endpoint.Address) string {
	return fmt.Sprintf("nats://%s", addr.HostPort())
}

func natsOptions(cfg transport.Config) []nc.Option {
	var options []nc.Option
	if cfg == nil {
		return options
	}
	if name := cfg.GetNATSClientName(); name != "" {
		options = append(options, nc.Name(name))
	}
	if n := cfg.GetNATSMaxReconnects(); n != 0 {
		options = append(options, nc.MaxReconnects(n))
	}
	return options
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
