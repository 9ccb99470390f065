// Package rabbitmq provides the amqp transport on RabbitMQ durable queues.
// An address names the broker (host:port) and the queue; credentials and the
// virtual host come from config.
package rabbitmq

import (
	"context"
	"errors"
	"net/url"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/protobus/endpoint"
	"github.com/drblury/protobus/transport"
)

// TransportName is the scheme this transport owns.
const TransportName = "amqp"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

var closeConnection = func(conn *amqp.ConnectionWrapper) error {
	return conn.Close()
}

func init() {
	Register()
}

// Register registers the RabbitMQ transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.AMQPCapabilities)
}

// Build creates the amqp pub/sub factories. Publishers and subscribers for
// the same broker share one connection, closed when the transport deactivates.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.PubSub, error) {
	pool := &connectionPool{cfg: cfg, logger: logger, conns: make(map[string]*amqp.ConnectionWrapper)}

	return transport.PubSub{
		NewPublisher: func(dest endpoint.Address) (message.Publisher, error) {
			conn, uri, err := pool.get(dest)
			if err != nil {
				return nil, err
			}
			return PublisherFactory(amqp.NewDurableQueueConfig(uri), logger, conn)
		},
		NewSubscriber: func(local endpoint.Address) (message.Subscriber, error) {
			conn, uri, err := pool.get(local)
			if err != nil {
				return nil, err
			}
			return SubscriberFactory(amqp.NewDurableQueueConfig(uri), logger, conn)
		},
		Close: pool.close,
	}, nil
}

// BrokerURI builds the AMQP URI for addr's broker.
func BrokerURI(cfg transport.Config, addr endpoint.Address) string {
	u := url.URL{Scheme: "amqp", Host: addr.HostPort()}
	if cfg != nil {
		if user := cfg.GetRabbitMQUser(); user != "" {
			u.User = url.UserPassword(user, cfg.GetRabbitMQPassword())
		}
		if vhost := cfg.GetRabbitMQVHost(); vhost != "" {
			u.Path = "/" + vhost
			u.RawPath = "/" + url.PathEscape(vhost)
		}
	}
	return u.String()
}

type connectionPool struct {
	cfg    transport.Config
	logger watermill.LoggerAdapter

	mu    sync.Mutex
	conns map[string]*amqp.ConnectionWrapper
}

func (p *connectionPool) get(addr endpoint.Address) (*amqp.ConnectionWrapper, string, error) {
	uri := BrokerURI(p.cfg, addr)
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[addr.HostPort()]; ok {
		return conn, uri, nil
	}
	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   uri,
		TLSConfig: nil,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, p.logger)
	if err != nil {
		return nil, "", err
	}
	p.conns[addr.HostPort()] = conn
	return conn, uri, nil
}

func (p *connectionPool) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for key, conn := range p.conns {
		if err := closeConnection(conn); err != nil {
			errs = append(errs, err)
		}
		delete(p.conns, key)
	}
	return errors.Join(errs...)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.AMQPCapabilities
}
