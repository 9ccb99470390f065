package transports

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drblury/protobus/transport"
)

func TestAllFamiliesRegistered(t *testing.T) {
	for _, scheme := range []string{"lq.tcp", "memory", "nats", "kafka", "amqp", "sqs"} {
		assert.True(t, transport.DefaultRegistry.Has(scheme), scheme)
		assert.Equal(t, scheme, transport.GetCapabilities(scheme).Scheme)
	}
}
