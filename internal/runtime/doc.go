/*
Package runtime hosts a protobus Service.

# Service (service.go)

Service builds, from one Config:
  - a transport.Set with one transport per protocol seen in the configuration
  - the sealed routing table
  - the subscription registry and its store
  - polling and scheduled job controllers
  - the bus lifecycle controller driving all of the above

# Handlers (registration.go, middleware.go)

Inbound envelopes arrive through Service.Receive. Subscription control
envelopes update the registry; everything else runs through the middleware
chain to the handler registered for the envelope's message type, or to the
fallback handler. The default chain adds correlation IDs, debug logging,
tracing, poison queue forwarding, retries and panic recovery.

# Sending (publisher.go)

Send, Route and Publish check that the bus is enabled and active before
handing envelopes to the transport set.

# Stats (models.go, resources.go)

Each handler keeps latency percentiles, throughput, an error breakdown and
a resource usage sample, exposed through Service.Status.

# Sub-packages

  - config/: Service configuration with validation
  - errors/: Sentinel errors and error types
  - ids/: ULID generation for envelope IDs
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface, adapters and activation records
  - metadata/: Envelope header utilities
  - metrics/: Prometheus collectors
*/
package runtime
