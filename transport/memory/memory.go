// Package memory provides an in-process transport on Watermill Go channels.
// All addresses of one activated transport share a channel, so it suits
// tests and single-process deployments.
package memory

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/protobus/endpoint"
	"github.com/drblury/protobus/transport"
)

// TransportName is the scheme this transport owns.
const TransportName = "memory"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register registers the memory transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.MemoryCapabilities)
}

// Build creates one shared channel. Topics are canonical addresses so that
// two logical endpoints with the same queue name stay apart.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.PubSub, error) {
	pub, sub := Factory(gochannel.Config{OutputChannelBuffer: 64}, logger)
	return transport.PubSub{
		NewPublisher:  func(endpoint.Address) (message.Publisher, error) { return pub, nil },
		NewSubscriber: func(endpoint.Address) (message.Subscriber, error) { return sub, nil },
		SendTopic:     Topic,
		ListenTopic:   Topic,
		ConnectionKey: func(endpoint.Address) string { return TransportName },
		Close: func() error {
			if err := sub.Close(); err != nil {
				return err
			}
			return pub.Close()
		},
	}, nil
}

// Topic is the channel topic for addr.
func Topic(addr endpoint.Address) string {
	return addr.Key()
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.MemoryCapabilities
}
