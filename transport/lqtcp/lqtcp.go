// Package lqtcp provides the default lq.tcp transport: each local address
// is served by an HTTP listener on host:port with one route per queue, and
// sends are HTTP POSTs to the destination's host:port and queue path.
package lqtcp

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/protobus/endpoint"
	"github.com/drblury/protobus/transport"
)

// TransportName is the scheme this transport owns.
const TransportName = endpoint.DefaultScheme

const bindPollInterval = 5 * time.Millisecond

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	sub, err := http.NewSubscriber(addr, config, logger)
	if err != nil {
		return nil, err
	}
	return &listeningSubscriber{Subscriber: sub}, nil
}

func init() {
	Register()
}

// Register registers the lq.tcp transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.LQTCPCapabilities)
}

// Build creates the lq.tcp pub/sub factories.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.PubSub, error) {
	return transport.PubSub{
		NewPublisher: func(dest endpoint.Address) (message.Publisher, error) {
			return PublisherFactory(
				http.PublisherConfig{
					MarshalMessageFunc: http.DefaultMarshalMessageFunc,
				},
				logger,
			)
		},
		NewSubscriber: func(local endpoint.Address) (message.Subscriber, error) {
			return SubscriberFactory(
				local.HostPort(),
				http.SubscriberConfig{
					UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
				},
				logger,
			)
		},
		SendTopic:   SendURL,
		ListenTopic: ListenPath,
	}, nil
}

// SendURL is the URL a message for dest is posted to.
func SendURL(dest endpoint.Address) string {
	return "http://" + dest.HostPort() + ListenPath(dest)
}

// ListenPath is the route a local queue is served on.
func ListenPath(local endpoint.Address) string {
	return "/" + local.QueueName
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.LQTCPCapabilities
}

// listeningSubscriber starts the HTTP server once every queue route is
// registered and reports a bind failure synchronously.
type listeningSubscriber struct {
	*http.Subscriber
}

func (s *listeningSubscriber) Listen(ctx context.Context, bindTimeout time.Duration) error {
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.StartHTTPServer()
	}()

	deadline := time.NewTimer(bindTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(bindPollInterval)
	defer poll.Stop()

	for {
		select {
		case err := <-serveErr:
			if err == nil || errors.Is(err, nethttp.ErrServerClosed) {
				return errors.New("listener closed during bind")
			}
			return fmt.Errorf("listen: %w", err)
		case <-poll.C:
			if s.Addr() != nil {
				return nil
			}
		case <-deadline.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
