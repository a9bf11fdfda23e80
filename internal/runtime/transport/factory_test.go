package transport

import (
	"context"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/commandflow/internal/runtime/config"
	"github.com/drblury/commandflow/internal/runtime/logging"
	"github.com/drblury/commandflow/transport"
	"github.com/drblury/commandflow/transport/transporttest"
)

func TestDefaultFactoryBuildsChannel(t *testing.T) {
	cfg := &config.Config{Transport: config.TransportConfig{PubSubSystem: "channel"}}

	tr, err := DefaultFactory().Build(context.Background(), cfg, logging.NewDiscardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	assert.NotNil(t, tr.Publisher)
	assert.NotNil(t, tr.Subscriber)
	assert.NotNil(t, tr.Classify)
	assert.Equal(t, transport.ChannelCapabilities, tr.Capabilities)
}

func TestBuiltinCapabilities(t *testing.T) {
	assert.Equal(t, transport.ChannelCapabilities, BuiltinCapabilities("channel"))
	assert.False(t, BuiltinCapabilities("aws").RequiresDLQEmulation())
	assert.True(t, BuiltinCapabilities("nats").RequiresDLQEmulation())
	assert.Equal(t, transport.Capabilities{Name: "custom"}, BuiltinCapabilities("custom"))
}

func TestDefaultFactoryErrors(t *testing.T) {
	_, err := DefaultFactory().Build(context.Background(), nil, nil)
	assert.ErrorContains(t, err, "config is required")

	cfg := &config.Config{Transport: config.TransportConfig{PubSubSystem: "carrier-pigeon"}}
	_, err = DefaultFactory().Build(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "unknown transport")
}

func TestRegistryFactoryUsesGivenRegistry(t *testing.T) {
	pub := &transporttest.Publisher{}
	reg := transport.NewRegistry()
	reg.Register("fake", func(ctx context.Context, cfg transport.Config, _ watermill.LoggerAdapter) (transport.Transport, error) {
		return transport.Transport{Publisher: pub, Subscriber: &transporttest.Subscriber{}}, nil
	})

	cfg := &config.Config{Transport: config.TransportConfig{PubSubSystem: "fake"}}
	tr, err := RegistryFactory(reg).Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.Same(t, pub, tr.Publisher)
}

func TestStaticFactory(t *testing.T) {
	pub := &transporttest.Publisher{}
	tr, err := Static(transport.Transport{Publisher: pub}).Build(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Same(t, pub, tr.Publisher)
}
