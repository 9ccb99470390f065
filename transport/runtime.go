package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/protobus/endpoint"
	"github.com/drblury/protobus/internal/runtime/logging"
	"github.com/drblury/protobus/internal/runtime/metrics"
)

const tracerName = "github.com/drblury/protobus/transport"

// Options configure a Transport beyond its family config.
type Options struct {
	// Listen are the local addresses this transport receives on.
	Listen []endpoint.Address
	// Receiver gets every inbound envelope. Nil drops inbound traffic.
	Receiver Receiver
	Metrics  *metrics.Metrics
	Logger   watermill.LoggerAdapter
	Tracer   trace.Tracer
}

// Transport owns the physical send and receive side of one protocol. It is
// activated and deactivated as a unit; sending is safe from many goroutines.
type Transport struct {
	protocol string
	builder  Builder
	cfg      Config
	listen   []endpoint.Address
	receiver Receiver
	metrics  *metrics.Metrics
	logger   watermill.LoggerAdapter
	tracer   trace.Tracer

	// mu serialises Activate and Deactivate.
	mu          sync.Mutex
	active      atomic.Bool
	built       bool
	subscribers map[string]message.Subscriber
	subOrder    []string
	subAddr     map[string]endpoint.Address
	cancel      context.CancelFunc
	loops       *sync.WaitGroup

	// pubMu guards the send side so receive loops can keep sending while
	// Deactivate waits for them.
	pubMu      sync.Mutex
	pubsub     PubSub
	publishers map[string]message.Publisher
}

// New creates an inactive transport for protocol.
func New(protocol string, builder Builder, cfg Config, opts Options) *Transport {
	if opts.Logger == nil {
		opts.Logger = watermill.NopLogger{}
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	return &Transport{
		protocol: strings.ToLower(protocol),
		builder:  builder,
		cfg:      cfg,
		listen:   append([]endpoint.Address(nil), opts.Listen...),
		receiver: opts.Receiver,
		metrics:  opts.Metrics,
		logger:   opts.Logger.With(watermill.LogFields{"protocol": protocol}),
		tracer:   opts.Tracer,
	}
}

// NewFromRegistry looks up the builder for protocol in reg.
func NewFromRegistry(reg *Registry, protocol string, cfg Config, opts Options) (*Transport, error) {
	if reg == nil {
		reg = DefaultRegistry
	}
	builder, err := reg.Builder(protocol)
	if err != nil {
		return nil, err
	}
	return New(protocol, builder, cfg, opts), nil
}

// Protocol returns the scheme this transport owns.
func (t *Transport) Protocol() string {
	return t.protocol
}

// Owns reports whether addr belongs to this transport.
func (t *Transport) Owns(addr endpoint.Address) bool {
	return strings.EqualFold(addr.Protocol, t.protocol)
}

// Listen returns the local addresses this transport receives on.
func (t *Transport) Listen() []endpoint.Address {
	return append([]endpoint.Address(nil), t.listen...)
}

// Active reports whether Activate has completed successfully.
func (t *Transport) Active() bool {
	return t.active.Load()
}

// Activate builds the family's pub/sub factories, subscribes every local
// address, starts one receive loop per address and finally opens the
// listening sockets. Any failure releases what was opened and is returned
// as a *BindError.
func (t *Transport) Activate(ctx context.Context, log logging.ActivationLog) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active.Load() {
		return nil
	}
	log.Trace("Activating transport", logging.LogFields{"protocol": t.protocol, "listen": len(t.listen)})

	for _, addr := range t.listen {
		if !t.Owns(addr) {
			return t.failLocked(ctx, log, &BindError{Protocol: t.protocol, Address: addr, Err: fmt.Errorf("address protocol %q does not match", addr.Protocol)})
		}
	}
	if t.builder == nil {
		return t.failLocked(ctx, log, &BindError{Protocol: t.protocol, Err: errors.New("no builder")})
	}

	ps, err := t.builder(ctx, t.cfg, t.logger)
	if err == nil {
		err = ps.validate()
	}
	if err != nil {
		return t.failLocked(ctx, log, &BindError{Protocol: t.protocol, Err: err})
	}
	ps = ps.withDefaults()
	t.pubMu.Lock()
	t.pubsub = ps
	t.publishers = make(map[string]message.Publisher)
	t.pubMu.Unlock()
	t.built = true
	t.subscribers = make(map[string]message.Subscriber)
	t.subAddr = make(map[string]endpoint.Address)
	t.subOrder = nil

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	t.loops = &sync.WaitGroup{}

	for _, addr := range t.listen {
		sub, err := t.subscriberLocked(addr)
		if err != nil {
			return t.failLocked(ctx, log, &BindError{Protocol: t.protocol, Address: addr, Err: err})
		}
		msgs, err := sub.Subscribe(loopCtx, ps.ListenTopic(addr))
		if err != nil {
			return t.failLocked(ctx, log, &BindError{Protocol: t.protocol, Address: addr, Err: err})
		}
		t.loops.Add(1)
		go t.receiveLoop(loopCtx, t.loops, addr, msgs)
	}

	bindTimeout := t.bindTimeout()
	for _, key := range t.subOrder {
		listener, ok := t.subscribers[key].(Listener)
		if !ok {
			continue
		}
		if err := listener.Listen(ctx, bindTimeout); err != nil {
			return t.failLocked(ctx, log, &BindError{Protocol: t.protocol, Address: t.subAddr[key], Err: err})
		}
		log.Trace("Listening", logging.LogFields{"protocol": t.protocol, "address": key})
	}

	t.active.Store(true)
	log.Trace("Transport activated", logging.LogFields{"protocol": t.protocol})
	return nil
}

func (t *Transport) failLocked(ctx context.Context, log logging.ActivationLog, err error) error {
	log.Error("Transport activation failed", err, logging.LogFields{"protocol": t.protocol})
	if releaseErr := t.releaseLocked(ctx, log); releaseErr != nil {
		log.Warn("Releasing partially activated transport failed", releaseErr, logging.LogFields{"protocol": t.protocol})
	}
	return err
}

// Deactivate stops the receive loops, waits for them up to the shutdown
// timeout and closes every publisher and subscriber. It is idempotent and
// safe after a failed Activate.
func (t *Transport) Deactivate(ctx context.Context, log logging.ActivationLog) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active.Load() && !t.built {
		log.Trace("Transport already inactive", logging.LogFields{"protocol": t.protocol})
		return nil
	}
	log.Trace("Deactivating transport", logging.LogFields{"protocol": t.protocol})
	err := t.releaseLocked(ctx, log)
	if err != nil {
		log.Error("Transport deactivation reported errors", err, logging.LogFields{"protocol": t.protocol})
	}
	return err
}

func (t *Transport) releaseLocked(ctx context.Context, log logging.ActivationLog) error {
	t.active.Store(false)
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}

	var errs []error
	for _, key := range t.subOrder {
		if err := t.subscribers[key].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close subscriber %s: %w", key, err))
		}
	}

	if t.loops != nil {
		if !waitTimeout(ctx, t.loops, t.shutdownTimeout()) {
			log.Warn("Abandoning receive loops after grace period", context.DeadlineExceeded, logging.LogFields{
				"protocol": t.protocol,
				"grace":    t.shutdownTimeout().String(),
			})
		}
		t.loops = nil
	}

	t.pubMu.Lock()
	for key, pub := range t.publishers {
		if err := pub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher %s: %w", key, err))
		}
	}
	if t.built && t.pubsub.Close != nil {
		if err := t.pubsub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	t.publishers = nil
	t.pubsub = PubSub{}
	t.pubMu.Unlock()

	t.subscribers = nil
	t.subAddr = nil
	t.subOrder = nil
	t.built = false
	return errors.Join(errs...)
}

func waitTimeout(ctx context.Context, wg *sync.WaitGroup, grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (t *Transport) subscriberLocked(addr endpoint.Address) (message.Subscriber, error) {
	t.pubMu.Lock()
	ps := t.pubsub
	t.pubMu.Unlock()

	key := ps.ConnectionKey(addr)
	if sub, ok := t.subscribers[key]; ok {
		return sub, nil
	}
	sub, err := ps.NewSubscriber(addr)
	if err != nil {
		return nil, err
	}
	t.subscribers[key] = sub
	t.subAddr[key] = addr
	t.subOrder = append(t.subOrder, key)
	return sub, nil
}

func (t *Transport) publisher(dest endpoint.Address) (message.Publisher, func(endpoint.Address) string, error) {
	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	if !t.active.Load() || t.publishers == nil {
		return nil, nil, ErrNotActive
	}
	key := t.pubsub.ConnectionKey(dest)
	if pub, ok := t.publishers[key]; ok {
		return pub, t.pubsub.SendTopic, nil
	}
	pub, err := t.pubsub.NewPublisher(dest)
	if err != nil {
		return nil, nil, err
	}
	t.publishers[key] = pub
	return pub, t.pubsub.SendTopic, nil
}

// Send publishes env to dest. The destination must belong to this transport.
func (t *Transport) Send(ctx context.Context, env Envelope, dest endpoint.Address) (SendResult, error) {
	result := SendResult{Destination: dest, Protocol: t.protocol, MessageID: env.ID}
	if !t.Owns(dest) {
		result.Err = fmt.Errorf("%w: %s is not served by %s", ErrNoTransport, dest.Protocol, t.protocol)
		return result, result.Err
	}
	if err := env.Validate(); err != nil {
		result.Err = err
		return result, err
	}

	ctx, span := t.tracer.Start(ctx, "protobus.send",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", t.protocol),
			attribute.String("messaging.destination.name", dest.String()),
			attribute.String("messaging.message.type", env.MessageType.String()),
		),
	)
	defer span.End()

	start := time.Now()
	err := t.publish(ctx, env, dest, &result)
	result.Duration = time.Since(start)
	result.Err = err
	t.metrics.RecordSend(t.protocol, result.Duration, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	span.SetAttributes(attribute.String("messaging.message.id", result.MessageID))
	return result, nil
}

func (t *Transport) publish(ctx context.Context, env Envelope, dest endpoint.Address, result *SendResult) error {
	pub, topicOf, err := t.publisher(dest)
	if err != nil {
		return err
	}
	msg := env.ToMessage(dest)
	msg.SetContext(ctx)
	result.MessageID = msg.UUID
	if err := pub.Publish(topicOf(dest), msg); err != nil {
		return fmt.Errorf("publish to %s: %w", dest, err)
	}
	return nil
}

func (t *Transport) receiveLoop(ctx context.Context, wg *sync.WaitGroup, addr endpoint.Address, msgs <-chan *message.Message) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			t.handle(ctx, addr, msg)
		}
	}
}

func (t *Transport) handle(ctx context.Context, addr endpoint.Address, msg *message.Message) {
	fields := watermill.LogFields{"address": addr.String(), "message_uuid": msg.UUID}

	env, err := FromMessage(msg)
	if err != nil {
		t.logger.Error("Dropping malformed message", err, fields)
		t.metrics.RecordReceive(t.protocol, err)
		msg.Ack()
		return
	}
	if t.receiver == nil {
		t.logger.Trace("No receiver configured, dropping message", fields)
		msg.Ack()
		return
	}

	err = t.receiver.Receive(ctx, env)
	t.metrics.RecordReceive(t.protocol, err)
	switch {
	case err == nil:
		msg.Ack()
	case errors.Is(err, ErrRedeliver):
		t.logger.Info("Receiver requested redelivery", fields)
		msg.Nack()
	default:
		t.logger.Error("Receiver failed", err, fields)
		msg.Ack()
	}
}

func (t *Transport) bindTimeout() time.Duration {
	if t.cfg == nil || t.cfg.GetBindTimeout() <= 0 {
		return 250 * time.Millisecond
	}
	return t.cfg.GetBindTimeout()
}

func (t *Transport) shutdownTimeout() time.Duration {
	if t.cfg == nil || t.cfg.GetShutdownTimeout() <= 0 {
		return 10 * time.Second
	}
	return t.cfg.GetShutdownTimeout()
}
