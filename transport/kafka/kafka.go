// Package kafka provides a Kafka transport. An address names a bootstrap
// broker (host:port) and the topic (queue name).
package kafka

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/protobus/endpoint"
	"github.com/drblury/protobus/transport"
)

// TransportName is the scheme this transport owns.
const TransportName = "kafka"

// DefaultConsumerGroup is used when the config names none.
const DefaultConsumerGroup = "protobus"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the Kafka transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build creates the Kafka pub/sub factories.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.PubSub, error) {
	consumerGroup := DefaultConsumerGroup
	if cfg != nil && cfg.GetKafkaConsumerGroup() != "" {
		consumerGroup = cfg.GetKafkaConsumerGroup()
	}

	return transport.PubSub{
		NewPublisher: func(dest endpoint.Address) (message.Publisher, error) {
			return PublisherFactory(
				kafka.PublisherConfig{
					Brokers:   []string{dest.HostPort()},
					Marshaler: kafka.DefaultMarshaler{},
				},
				logger,
			)
		},
		NewSubscriber: func(local endpoint.Address) (message.Subscriber, error) {
			return SubscriberFactory(
				kafka.SubscriberConfig{
					Brokers:       []string{local.HostPort()},
					Unmarshaler:   kafka.DefaultMarshaler{},
					ConsumerGroup: consumerGroup,
				},
				logger,
			)
		},
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
