package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/protobus/endpoint"
	"github.com/drblury/protobus/transport"
	"github.com/drblury/protobus/transport/transporttest"
)

func kafkaAddr(t *testing.T, uri string) endpoint.Address {
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
	assert.Equal(t, "kafka", caps.Name)
	assert.True(t, caps.SupportsOrdering)
	assert.True(t, caps.Durable)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.KafkaCapabilities, Capabilities())
	assert.Equal(t, "kafka", TransportName)
}

func TestBuild(t *testing.T) {
	t.Run("creates factories with mocked watermill constructors", func(t *testing.T) {
		originalPubFactory := PublisherFactory
		originalSubFactory := SubscriberFactory
		defer func() {
			PublisherFactory = originalPubFactory
			SubscriberFactory = originalSubFactory
		}()

		var pubCfg kafka.PublisherConfig
		var subCfg kafka.SubscriberConfig
		PublisherFactory = func(config kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			pubCfg = config
			return &transporttest.Publisher{}, nil
		}
		SubscriberFactory = func(config kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			subCfg = config
			return &transporttest.Subscriber{}, nil
		}

		ps, err := Build(context.Background(), &transporttest.Config{KafkaConsumerGroup: "billing"}, watermill.NopLogger{})
		require.NoError(t, err)

		_, err = ps.NewPublisher(kafkaAddr(t, "kafka://broker-1:9092/orders"))
		require.NoError(t, err)
		_, err = ps.NewSubscriber(kafkaAddr(t, "kafka://broker-2:9092/invoices"))
		require.NoError(t, err)

		assert.Equal(t, []string{"broker-1:9092"}, pubCfg.Brokers)
		assert.Equal(t, []string{"broker-2:9092"}, subCfg.Brokers)
		assert.Equal(t, "billing", subCfg.ConsumerGroup)
		assert.Equal(t, "orders", ps.SendTopic(kafkaAddr(t, "kafka://broker-1:9092/orders")))
	})

	t.Run("defaults the consumer group", func(t *testing.T) {
		originalSubFactory := SubscriberFactory
		defer func() { SubscriberFactory = originalSubFactory }()

		var subCfg kafka.SubscriberConfig
		SubscriberFactory = func(config kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			subCfg = config
			return &transporttest.Subscriber{}, nil
		}

		ps, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		require.NoError(t, err)
		_, err = ps.NewSubscriber(kafkaAddr(t, "kafka://broker:9092/orders"))
		require.NoError(t, err)
		assert.Equal(t, DefaultConsumerGroup, subCfg.ConsumerGroup)
	})

	t.Run("returns error when publisher factory fails", func(t *testing.T) {
		originalPubFactory := PublisherFactory
		defer func() { PublisherFactory = originalPubFactory }()

		PublisherFactory = func(config kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}

		ps, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		require.NoError(t, err)
		_, err = ps.NewPublisher(kafkaAddr(t, "kafka://broker:9092/orders"))
		assert.ErrorContains(t, err, "publisher error")
	})
}
