package lqtcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	watermillhttp "github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/protobus/endpoint"
	"github.com/drblury/protobus/internal/runtime/logging"
	"github.com/drblury/protobus/routing"
	"github.com/drblury/protobus/transport"
	"github.com/drblury/protobus/transport/transporttest"
)

func testConfig() *transporttest.Config {
	return &transporttest.Config{BindTimeout: 500 * time.Millisecond, ShutdownTimeout: time.Second}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	defer func() { transport.DefaultRegistry = original }()
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	assert.True(t, transport.DefaultRegistry.Has("lq.tcp"))
	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "lq.tcp", caps.Name)
	assert.True(t, caps.Listens)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.LQTCPCapabilities, Capabilities())
	assert.Equal(t, "lq.tcp", TransportName)
}

func TestTopics(t *testing.T) {
	addr := endpoint.MustParse("lq.tcp://localhost:2424/some_queue")
	assert.Equal(t, "http://localhost:2424/some_queue", SendURL(addr))
	assert.Equal(t, "/some_queue", ListenPath(addr))

	v6 := endpoint.MustParse("lq.tcp://[::1]:2424/q")
	assert.Equal(t, "http://[::1]:2424/q", SendURL(v6))
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
		var boundAddr string

		PublisherFactory = func(config watermillhttp.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			assert.NotNil(t, config.MarshalMessageFunc)
			return mockPub, nil
		}
		SubscriberFactory = func(addr string, config watermillhttp.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			boundAddr = addr
			return mockSub, nil
		}

		ps, err := Build(context.Background(), testConfig(), watermill.NopLogger{})
		require.NoError(t, err)

		local := endpoint.MustParse("lq.tcp://0.0.0.0:2424/orders")
		pub, err := ps.NewPublisher(local)
		require.NoError(t, err)
		sub, err := ps.NewSubscriber(local)
		require.NoError(t, err)

		assert.Equal(t, mockPub, pub)
		assert.Equal(t, mockSub, sub)
		assert.Equal(t, "0.0.0.0:2424", boundAddr)
	})

	t.Run("returns error when publisher factory fails", func(t *testing.T) {
		originalPubFactory := PublisherFactory
		defer func() { PublisherFactory = originalPubFactory }()

		PublisherFactory = func(config watermillhttp.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}

		ps, err := Build(context.Background(), testConfig(), watermill.NopLogger{})
		require.NoError(t, err)
		_, err = ps.NewPublisher(endpoint.MustParse("lq.tcp://peer:1/q"))
		assert.ErrorContains(t, err, "publisher error")
	})
}

func TestEndToEnd(t *testing.T) {
	port := freePort(t)
	local := endpoint.MustParse(fmt.Sprintf("lq.tcp://127.0.0.1:%d/some_queue", port))
	received := make(chan transport.Envelope, 1)

	tr := transport.New(TransportName, Build, testConfig(), transport.Options{
		Listen: []endpoint.Address{local},
		Receiver: transport.ReceiverFunc(func(ctx context.Context, env transport.Envelope) error {
			received <- env
			return nil
		}),
	})
	log := logging.NewActivationRecord(nil)
	require.NoError(t, tr.Activate(context.Background(), log))
	defer func() { require.NoError(t, tr.Deactivate(context.Background(), log)) }()

	mt := routing.MessageType{Module: "example.com/contracts/users", Name: "NewUser"}
	env := transport.NewEnvelope(mt, []byte(`{"name":"ada"}`)).WithHeader("tenant", "acme")
	_, err := tr.Send(context.Background(), env, local)
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, env.ID, got.ID)
		assert.Equal(t, mt, got.MessageType)
		assert.Equal(t, env.Payload, got.Payload)
		assert.Equal(t, "acme", got.Headers.Get("tenant"))
	case <-time.After(2 * time.Second):
		t.Fatal("message was not received")
	}
}

func TestBindFailure(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()
	port := occupied.Addr().(*net.TCPAddr).Port

	local := endpoint.MustParse(fmt.Sprintf("lq.tcp://127.0.0.1:%d/orders", port))
	tr := transport.New(TransportName, Build, testConfig(), transport.Options{Listen: []endpoint.Address{local}})
	log := logging.NewActivationRecord(nil)

	err = tr.Activate(context.Background(), log)
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrBindFailure)
	var bindErr *transport.BindError
	require.ErrorAs(t, err, &bindErr)
	assert.True(t, local.Equal(bindErr.Address))
	assert.False(t, tr.Active())
	assert.NoError(t, tr.Deactivate(context.Background(), log))
}
