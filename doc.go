// Package protobus is an embedded message bus runtime on top of Watermill.
// It addresses queue endpoints with URIs such as lq.tcp://host:port/queue,
// routes outbound envelopes through a sealed routing table, keeps a registry
// of remote subscribers and drives transports, subscriptions, polling jobs
// and scheduled jobs through one lifecycle gated by Config.Enabled.
//
// A minimal setup fills Config, creates a Service, registers handlers and
// calls Start:
//
//	svc := protobus.NewService(&protobus.Config{
//		Enabled: true,
//		Listen:  []string{"lq.tcp://localhost:2424/orders"},
//		Routes: []protobus.RouteConfig{{
//			Module:       "example.com/contracts/billing",
//			Destinations: []string{"lq.tcp://billing:2424/invoices"},
//		}},
//	}, logger, ctx, protobus.ServiceDependencies{})
//
//	protobus.RegisterHandlerFor[contracts.OrderPlaced](svc, handleOrder)
//	svc.Start(ctx)
//
// # Transports
//
// Every transport family registers itself with the default registry:
//   - lq.tcp: HTTP over TCP, one listener per host:port
//   - memory: in-process Go channels for tests and single-process setups
//   - nats: NATS core subjects
//   - kafka: Kafka topics with consumer groups
//   - amqp: RabbitMQ durable queues
//   - sqs: AWS SQS, with custom endpoints for LocalStack
//
// # Lifecycle
//
// Activation starts transports, then the subscription registry, then polling
// jobs, and rolls back in reverse order when a stage fails. A disabled bus
// writes a single trace entry on activation and does nothing else.
// Scheduled jobs run independently of the enabled flag; deactivating a
// disabled bus stops them, and Service.Stop stops them for an enabled one.
//
// # Sending
//
// Service.Send delivers to one address, Service.Route to every destination
// the routing table yields for the envelope's type, and Service.Publish to
// those destinations plus every registered subscriber.
package protobus
