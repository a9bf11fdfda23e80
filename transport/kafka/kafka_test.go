package kafka

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/commandflow/transport"
	"github.com/drblury/commandflow/transport/transporttest"
)

func TestRegister(t *testing.T) {
	reg := transport.NewRegistry()
	Register(reg)

	assert.True(t, reg.Has(TransportName))
	assert.Equal(t, transport.KafkaCapabilities, reg.GetCapabilities(TransportName))
	assert.Equal(t, transport.KafkaCapabilities, Capabilities())
}

func TestBuild(t *testing.T) {
	t.Run("creates transport with mocked factories", func(t *testing.T) {
		stubFactories(t)

		var pubCfg kafka.PublisherConfig
		var subCfgs []kafka.SubscriberConfig
		PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			pubCfg = cfg
			return &transporttest.Publisher{}, nil
		}
		SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			subCfgs = append(subCfgs, cfg)
			return &transporttest.Subscriber{}, nil
		}

		cfg := &transporttest.Config{KafkaBrokers: []string{"localhost:9092"}, KafkaClientID: "billing-1", KafkaConsumerGroup: "billing"}
		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)

		assert.NotNil(t, tr.Publisher)
		assert.NotNil(t, tr.Subscriber)
		assert.NotNil(t, tr.Broadcast)
		assert.NotSame(t, tr.Subscriber, tr.BroadcastSubscriber())
		assert.NotNil(t, tr.Classify)
		assert.Equal(t, []string{"localhost:9092"}, pubCfg.Brokers)
		require.NotNil(t, pubCfg.OverwriteSaramaConfig)
		assert.Equal(t, "billing-1", pubCfg.OverwriteSaramaConfig.ClientID)

		require.Len(t, subCfgs, 2)
		commands, broadcast := subCfgs[0], subCfgs[1]
		assert.Equal(t, "billing", commands.ConsumerGroup)
		require.NotNil(t, commands.OverwriteSaramaConfig)
		assert.Equal(t, "billing-1", commands.OverwriteSaramaConfig.ClientID)
		assert.Empty(t, broadcast.ConsumerGroup)
		require.NotNil(t, broadcast.OverwriteSaramaConfig)
		assert.Equal(t, sarama.OffsetNewest, broadcast.OverwriteSaramaConfig.Consumer.Offsets.Initial)
	})

	t.Run("requires brokers", func(t *testing.T) {
		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "brokers are required")
	})

	t.Run("returns error when publisher factory fails", func(t *testing.T) {
		stubFactories(t)
		PublisherFactory = func(kafka.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}

		_, err := Build(context.Background(), &transporttest.Config{KafkaBrokers: []string{"localhost:9092"}}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher error")
	})

	t.Run("closes publisher when subscriber factory fails", func(t *testing.T) {
		stubFactories(t)
		pub := &transporttest.Publisher{}
		PublisherFactory = func(kafka.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
			return pub, nil
		}
		SubscriberFactory = func(kafka.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}

		_, err := Build(context.Background(), &transporttest.Config{KafkaBrokers: []string{"localhost:9092"}}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
		assert.True(t, pub.Closed())
	})
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want transport.ErrorClass
	}{
		{"throttled", sarama.ErrThrottlingQuotaExceeded, transport.ClassRateLimited},
		{"too large", fmt.Errorf("cannot produce: %w", sarama.ErrMessageSizeTooLarge), transport.ClassFatal},
		{"leader moved", sarama.ErrNotLeaderForPartition, transport.ClassRetryable},
		{"out of brokers", sarama.ErrOutOfBrokers, transport.ClassRetryable},
		{"closed client", sarama.ErrClosedClient, transport.ClassFatal},
		{"producer errors", sarama.ProducerErrors{{Err: sarama.ErrTopicAuthorizationFailed}}, transport.ClassFatal},
		{"cancelled", context.Canceled, transport.ClassFatal},
		{"unknown", errors.New("boom"), transport.ClassRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func stubFactories(t *testing.T) {
	t.Helper()
	originalPub, originalSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		PublisherFactory = originalPub
		SubscriberFactory = originalSub
	})
}
