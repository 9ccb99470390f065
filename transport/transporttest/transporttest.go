// Package transporttest provides stubs shared by the transport family tests.
package transporttest

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/protobus/internal/runtime/logging"
)

// Config is a settable transport.Config.
type Config struct {
	NATSClientName     string
	NATSMaxReconnects  int
	KafkaConsumerGroup string
	RabbitMQUser       string
	RabbitMQPassword   string
	RabbitMQVHost      string
	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	BindTimeout        time.Duration
	ShutdownTimeout    time.Duration
}

func (c *Config) GetNATSClientName() string         { return c.NATSClientName }
func (c *Config) GetNATSMaxReconnects() int         { return c.NATSMaxReconnects }
func (c *Config) GetKafkaConsumerGroup() string     { return c.KafkaConsumerGroup }
func (c *Config) GetRabbitMQUser() string           { return c.RabbitMQUser }
func (c *Config) GetRabbitMQPassword() string       { return c.RabbitMQPassword }
func (c *Config) GetRabbitMQVHost() string          { return c.RabbitMQVHost }
func (c *Config) GetAWSRegion() string              { return c.AWSRegion }
func (c *Config) GetAWSAccessKeyID() string         { return c.AWSAccessKeyID }
func (c *Config) GetAWSSecretAccessKey() string     { return c.AWSSecretAccessKey }
func (c *Config) GetBindTimeout() time.Duration     { return c.BindTimeout }
func (c *Config) GetShutdownTimeout() time.Duration { return c.ShutdownTimeout }

// Publisher records published topics.
type Publisher struct {
	mu     sync.Mutex
	Topics []string
	Closed bool
}

func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for range messages {
		p.Topics = append(p.Topics, topic)
	}
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	return nil
}

// Subscriber returns an idle channel per topic.
type Subscriber struct {
	mu     sync.Mutex
	Topics []string
	Closed bool
}

func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Topics = append(s.Topics, topic)
	return make(chan *message.Message), nil
}

func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

// NewLog returns an activation log that only records.
func NewLog() *logging.ActivationRecord {
	return logging.NewActivationRecord(nil)
}
