package transports

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRegistryHoldsBuiltins(t *testing.T) {
	reg := NewRegistry()
	assert.Equal(t, []string{"aws", "channel", "http", "kafka", "nats", "rabbitmq"}, reg.Names())
	assert.True(t, reg.GetCapabilities("rabbitmq").SupportsPriority)
}
