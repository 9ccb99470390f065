// Package transport defines the runtime units that move envelopes between
// endpoint addresses. Each transport family (lq.tcp, memory, nats, kafka,
// amqp, sqs) lives in its own sub-package and registers a Builder for its
// scheme with the transport registry.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/protobus/endpoint"
)

// PubSub is what a family Builder produces: factories for the Watermill
// publishers and subscribers that serve individual addresses.
type PubSub struct {
	// NewPublisher connects to the peer or broker serving dest.
	NewPublisher func(dest endpoint.Address) (message.Publisher, error)

	// NewSubscriber opens the receive side for a local address.
	NewSubscriber func(local endpoint.Address) (message.Subscriber, error)

	// SendTopic maps a destination to the topic passed to Publish.
	// Defaults to the queue name.
	SendTopic func(dest endpoint.Address) string

	// ListenTopic maps a local address to the topic passed to Subscribe.
	// Defaults to the queue name.
	ListenTopic func(local endpoint.Address) string

	// ConnectionKey groups addresses that share one publisher or subscriber.
	// Defaults to host:port.
	ConnectionKey func(addr endpoint.Address) string

	// Close releases resources shared by every publisher and subscriber. Optional.
	Close func() error
}

func (p PubSub) withDefaults() PubSub {
	if p.SendTopic == nil {
		p.SendTopic = QueueTopic
	}
	if p.ListenTopic == nil {
		p.ListenTopic = QueueTopic
	}
	if p.ConnectionKey == nil {
		p.ConnectionKey = func(addr endpoint.Address) string { return addr.HostPort() }
	}
	return p
}

func (p PubSub) validate() error {
	var errs []error
	if p.NewPublisher == nil {
		errs = append(errs, errors.New("publisher factory is required"))
	}
	if p.NewSubscriber == nil {
		errs = append(errs, errors.New("subscriber factory is required"))
	}
	return errors.Join(errs...)
}

// QueueTopic uses the queue name as the topic.
func QueueTopic(addr endpoint.Address) string {
	return addr.QueueName
}

// Builder creates the pub/sub factories for one family from config.
// Each transport package provides one and registers it for its scheme.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (PubSub, error)

// Config provides the configuration values needed by transports.
// This interface allows transports to access only the config they need
// without depending on the full config package. Broker and peer locations
// come from endpoint addresses, not from here.
type Config interface {
	// NATS
	GetNATSClientName() string
	GetNATSMaxReconnects() int

	// Kafka
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQUser() string
	GetRabbitMQPassword() string
	GetRabbitMQVHost() string

	// AWS
	GetAWSRegion() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string

	// Lifecycle
	GetBindTimeout() time.Duration
	GetShutdownTimeout() time.Duration
}

// Listener is implemented by subscribers that own a listening socket. Listen
// is called once after every topic has been subscribed and must report a
// bind failure within bindTimeout.
type Listener interface {
	Listen(ctx context.Context, bindTimeout time.Duration) error
}

// Receiver consumes envelopes delivered by receive loops.
type Receiver interface {
	Receive(ctx context.Context, env Envelope) error
}

// ReceiverFunc adapts a function into a Receiver.
type ReceiverFunc func(ctx context.Context, env Envelope) error

func (f ReceiverFunc) Receive(ctx context.Context, env Envelope) error {
	return f(ctx, env)
}

// SendResult describes one delivered envelope.
type SendResult struct {
	Destination endpoint.Address
	Protocol    string
	MessageID   string
	Duration    time.Duration
	Err         error
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
