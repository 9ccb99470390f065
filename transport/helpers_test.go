package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/protobus/endpoint"
	"github.com/drblury/protobus/internal/runtime/logging"
)

// Mock config for testing
type mockConfig struct {
	bindTimeout     time.Duration
	shutdownTimeout time.Duration
}

func (m *mockConfig) GetNATSClientName() string         { return "" }
func (m *mockConfig) GetNATSMaxReconnects() int         { return 0 }
func (m *mockConfig) GetKafkaConsumerGroup() string     { return "" }
func (m *mockConfig) GetRabbitMQUser() string           { return "" }
func (m *mockConfig) GetRabbitMQPassword() string       { return "" }
func (m *mockConfig) GetRabbitMQVHost() string          { return "" }
func (m *mockConfig) GetAWSRegion() string              { return "" }
func (m *mockConfig) GetAWSAccessKeyID() string         { return "" }
func (m *mockConfig) GetAWSSecretAccessKey() string     { return "" }
func (m *mockConfig) GetBindTimeout() time.Duration     { return m.bindTimeout }
func (m *mockConfig) GetShutdownTimeout() time.Duration { return m.shutdownTimeout }

func testConfig() *mockConfig {
	return &mockConfig{bindTimeout: 50 * time.Millisecond, shutdownTimeout: time.Second}
}

func newLog() *logging.ActivationRecord {
	return logging.NewActivationRecord(nil)
}

func memAddr(uri string) endpoint.Address {
	addr, err := endpoint.ParseFor("memory", uri)
	if err != nil {
		panic(err)
	}
	return addr
}

// Mock publisher and subscriber
type mockPublisher struct {
	mu      sync.Mutex
	topics  []string
	closed  atomic.Bool
	failing error
}

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error {
	if m.failing != nil {
		return m.failing
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for range messages {
		m.topics = append(m.topics, topic)
	}
	return nil
}

func (m *mockPublisher) Close() error {
	m.closed.Store(true)
	return nil
}

// listeningSubscriber adds a Listen step to a gochannel subscriber.
type listeningSubscriber struct {
	message.Subscriber
	listenErr error
	listened  atomic.Int32
	closed    atomic.Bool
}

func (l *listeningSubscriber) Listen(ctx context.Context, bindTimeout time.Duration) error {
	l.listened.Add(1)
	return l.listenErr
}

func (l *listeningSubscriber) Close() error {
	l.closed.Store(true)
	return l.Subscriber.Close()
}

// channelBuilder wires every address to one shared gochannel.
type channelBuilder struct {
	subscribersBuilt atomic.Int32
	publishersBuilt  atomic.Int32
	listenErr        error
	buildErr         error
	last             *listeningSubscriber
	mu               sync.Mutex
}

func (b *channelBuilder) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (PubSub, error) {
	if b.buildErr != nil {
		return PubSub{}, b.buildErr
	}
	ch := gochannel.NewGoChannel(gochannel.Config{}, logger)
	return PubSub{
		NewPublisher: func(dest endpoint.Address) (message.Publisher, error) {
			b.publishersBuilt.Add(1)
			return ch, nil
		},
		NewSubscriber: func(local endpoint.Address) (message.Subscriber, error) {
			b.subscribersBuilt.Add(1)
			sub := &listeningSubscriber{Subscriber: ch, listenErr: b.listenErr}
			b.mu.Lock()
			b.last = sub
			b.mu.Unlock()
			return sub, nil
		},
		Close: ch.Close,
	}, nil
}

func (b *channelBuilder) lastSubscriber() *listeningSubscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// collectingReceiver records envelopes and can fail on demand.
type collectingReceiver struct {
	mu       sync.Mutex
	received []Envelope
	failures int
	failWith error
	notify   chan Envelope
}

func newCollectingReceiver() *collectingReceiver {
	return &collectingReceiver{notify: make(chan Envelope, 16)}
}

func (r *collectingReceiver) Receive(ctx context.Context, env Envelope) error {
	r.mu.Lock()
	r.received = append(r.received, env)
	var err error
	if r.failures > 0 {
		r.failures--
		err = r.failWith
	}
	r.mu.Unlock()
	r.notify <- env
	return err
}

func (r *collectingReceiver) wait(timeout time.Duration) (Envelope, error) {
	select {
	case env := <-r.notify:
		return env, nil
	case <-time.After(timeout):
		return Envelope{}, errors.New("timed out waiting for envelope")
	}
}
