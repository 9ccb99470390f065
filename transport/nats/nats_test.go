package nats

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/protobus/endpoint"
	"github.com/drblury/protobus/transport"
	"github.com/drblury/protobus/transport/transporttest"
)

func natsAddr(t *testing.T, uri string) endpoint.Address {
	t.Helper()
	addr, err := endpoint.ParseFor(TransportName, uri)
	require.NoError(t, err)
	return addr
}

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	defer func() { transport.DefaultRegistry = original }()
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "nats", caps.Name)
	assert.True(t, caps.Brokered)
	assert.False(t, caps.SupportsReliableDelivery())
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.NATSCapabilities, Capabilities())
	assert.Equal(t, "nats", TransportName)
}

func TestBuild(t *testing.T) {
	t.Run("creates factories with mocked watermill constructors", func(t *testing.T) {
		originalPubFactory := PublisherFactory
		originalSubFactory := SubscriberFactory
		defer func() {
			PublisherFactory = originalPubFactory
			SubscriberFactory = originalSubFactory
		}()

		mockPub := &transporttest.Publisher{}
		mockSub := &transporttest.Subscriber{}
		var pubCfg nats.PublisherConfig
		var subCfg nats.SubscriberConfig

		PublisherFactory = func(config nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			pubCfg = config
			return mockPub, nil
		}
		SubscriberFactory = func(config nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			subCfg = config
			return mockSub, nil
		}

		cfg := &transporttest.Config{NATSClientName: "billing", NATSMaxReconnects: 5}
		ps, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)

		pub, err := ps.NewPublisher(natsAddr(t, "nats://broker:4222/orders"))
		require.NoError(t, err)
		sub, err := ps.NewSubscriber(natsAddr(t, "nats://local:4223/invoices"))
		require.NoError(t, err)

		assert.Equal(t, mockPub, pub)
		assert.Equal(t, mockSub, sub)
		assert.Equal(t, "nats://broker:4222", pubCfg.URL)
		assert.Equal(t, "nats://local:4223", subCfg.URL)
		assert.Len(t, pubCfg.NatsOptions, 2)
		assert.True(t, pubCfg.JetStream.Disabled)
		assert.True(t, subCfg.JetStream.Disabled)
		assert.NotNil(t, subCfg.Unmarshaler)
	})

	t.Run("returns error when publisher factory fails", func(t *testing.T) {
		originalPubFactory := PublisherFactory
		defer func() { PublisherFactory = originalPubFactory }()

		PublisherFactory = func(config nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}

		ps, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		require.NoError(t, err)
		_, err = ps.NewPublisher(natsAddr(t, "nats://broker:4222/orders"))
		assert.ErrorContains(t, err, "publisher error")
	})

	t.Run("subscriber failure surfaces as bind error", func(t *testing.T) {
		originalSubFactory := SubscriberFactory
		defer func() { SubscriberFactory = originalSubFactory }()

		SubscriberFactory = func(config nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("nats: no servers available for connection")
		}

		tr := transport.New(TransportName, Build, &transporttest.Config{}, transport.Options{
			Listen: []endpoint.Address{natsAddr(t, "nats://local:4222/orders")},
		})
		err := tr.Activate(context.Background(), transporttest.NewLog())
		assert.ErrorIs(t, err, transport.ErrBindFailure)
	})
}

func TestNatsOptionsDefaults(t *testing.T) {
	assert.Empty(t, natsOptions(&transporttest.Config{}))
	assert.Empty(t, natsOptions(nil))
}
