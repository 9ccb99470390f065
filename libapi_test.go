package protobus

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/protobus/transport"
)

type orderPlaced struct{}

func TestHandlerExportsPropagateErrors(t *testing.T) {
	noop := func(context.Context, Envelope) error { return nil }

	assert.ErrorIs(t, RegisterHandler(nil, HandlerRegistration{Handler: noop}), ErrServiceRequired)
	assert.ErrorIs(t, RegisterHandlerFor[orderPlaced](nil, noop), ErrServiceRequired)
	assert.ErrorIs(t, RegisterFallbackHandler(nil, noop), ErrServiceRequired)
}

func TestDefaultRegistryHasEveryFamily(t *testing.T) {
	for _, scheme := range []string{"lq.tcp", "memory", "nats", "kafka", "amqp", "sqs"} {
		assert.True(t, transport.DefaultRegistry.Has(scheme), scheme)
	}
}

func TestAddressExports(t *testing.T) {
	addr, err := ParseAddress("lq.tcp://localhost:2424/orders")
	require.NoError(t, err)
	assert.Equal(t, "orders", addr.QueueName)
	assert.Equal(t, addr, MustParseAddress(addr.String()))
}

func TestTypeForExport(t *testing.T) {
	mt := TypeFor[orderPlaced]()
	assert.Equal(t, "orderPlaced", mt.Name)
	assert.Equal(t, "github.com/drblury/protobus", mt.Module)
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	_, err := Marshal(payload)
	require.NoError(t, err)
	_, err = MarshalIndent(payload, "", "  ")
	require.NoError(t, err)
	require.NoError(t, Unmarshal([]byte(`{"hello":"world"}`), &payload))
}

func TestMetadataExport(t *testing.T) {
	md := NewMetadata("key", "value")
	assert.Equal(t, "value", md.Get("key"))
}

func TestRedeliver(t *testing.T) {
	cause := errors.New("database locked")
	err := Redeliver(cause)

	assert.ErrorIs(t, err, ErrRedeliver)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "database locked")
	assert.ErrorIs(t, Redeliver(nil), ErrRedeliver)
}

func TestErrorCategoryConstants(t *testing.T) {
	assert.Equal(t, ErrorCategory("none"), ErrorCategoryNone)
	assert.Equal(t, ErrorCategory("unprocessable"), ErrorCategoryUnprocessable)
	assert.Equal(t, ErrorCategory("transport"), ErrorCategoryTransport)
	assert.Equal(t, ErrorCategory("downstream"), ErrorCategoryDownstream)
	assert.Equal(t, ErrorCategory("other"), ErrorCategoryOther)
}

func TestDisabledServiceViaFacade(t *testing.T) {
	log := NewSlogServiceLogger(slog.New(slog.DiscardHandler))
	svc, err := TryNewService(&Config{Listen: []string{"memory://local:0/inbox"}}, log, t.Context(), ServiceDependencies{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })

	require.NoError(t, svc.Activate(t.Context()))
	assert.Len(t, svc.LastActivation().Entries(), 1)
	assert.Equal(t, "disabled", svc.Status().State)
}
