package transport

// Capabilities describes the features supported by a transport family.
// Use this to introspect what operations are available at runtime.
type Capabilities struct {
	// Name is the human-readable name of the transport.
	Name string

	// Scheme is the endpoint URI scheme the family owns.
	Scheme string

	// Listens indicates the family opens a local socket on activation, so a
	// bind failure is possible.
	Listens bool

	// Brokered indicates addresses point at a broker rather than the peer itself.
	Brokered bool

	// SupportsOrdering indicates the transport guarantees message ordering per queue.
	SupportsOrdering bool

	// SupportsAck indicates the transport supports explicit message acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the transport supports negative acknowledgment (redelivery).
	SupportsNack bool

	// Durable indicates queued messages survive a restart of the broker.
	Durable bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Predefined capability sets for the built-in families.
var (
	// LQTCPCapabilities for the default lq.tcp scheme, HTTP over TCP.
	LQTCPCapabilities = Capabilities{
		Name:    "lq.tcp",
		Scheme:  "lq.tcp",
		Listens: true,
	}

	// MemoryCapabilities for the in-process Go channel transport.
	MemoryCapabilities = Capabilities{
		Name:             "memory",
		Scheme:           "memory",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	// NATSCapabilities for NATS Core.
	NATSCapabilities = Capabilities{
		Name:           "nats",
		Scheme:         "nats",
		Brokered:       true,
		MaxMessageSize: 1048576, // Default 1MB
	}

	// KafkaCapabilities for Apache Kafka.
	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		Scheme:           "kafka",
		Brokered:         true,
		SupportsOrdering: true,
		SupportsAck:      true,
		Durable:          true,
		MaxMessageSize:   1048576, // Default 1MB
	}

	// AMQPCapabilities for RabbitMQ.
	AMQPCapabilities = Capabilities{
		Name:             "rabbitmq",
		Scheme:           "amqp",
		Brokered:         true,
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
		Durable:          true,
	}

	// SQSCapabilities for AWS SQS.
	SQSCapabilities = Capabilities{
		Name:           "sqs",
		Scheme:         "sqs",
		Brokered:       true,
		SupportsAck:    true,
		SupportsNack:   true,
		Durable:        true,
		MaxMessageSize: 262144, // 256KB
	}
)

// GetCapabilities returns the capabilities for a scheme.
// Uses the registry to look up capabilities registered by each transport package.
// Returns a zero Capabilities struct if the scheme is unknown.
func GetCapabilities(scheme string) Capabilities {
	return DefaultRegistry.GetCapabilities(scheme)
}
