// Package rabbitmq provides a RabbitMQ/AMQP transport for commandflow.
package rabbitmq

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/commandflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

// Register adds the RabbitMQ transport to reg, or to the default registry when reg is nil.
func Register(reg *transport.Registry) {
	if reg == nil {
		reg = transport.DefaultRegistry
	}
	reg.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// Build creates a new RabbitMQ transport. Every topic is a fanout exchange:
// command listeners share one durable queue per topic, while the broadcast
// subscriber binds a transient queue suffixed with the service id.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetRabbitMQURL()
	if url == "" {
		return transport.Transport{}, errors.New("rabbitmq url is required")
	}

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	commands := amqp.NewDurablePubSubConfig(url, amqp.GenerateQueueNameTopicName)

	publisher, err := PublisherFactory(commands, logger, conn)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(commands, logger, conn)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	broadcastCfg := amqp.NewNonDurablePubSubConfig(url, amqp.GenerateQueueNameTopicNameWithSuffix(cfg.GetServiceID()))
	broadcast, err := SubscriberFactory(broadcastCfg, logger, conn)
	if err != nil {
		_ = publisher.Close()
		_ = subscriber.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:    publisher,
		Subscriber:   subscriber,
		Broadcast:    broadcast,
		Classify:     Classify,
		Capabilities: Capabilities(),
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}

// Classify sorts amqp091 failures into transport error classes. Server
// exceptions that the broker marks recoverable are retried; resource alarms
// are treated as throttling.
func Classify(err error) transport.ErrorClass {
	if errors.Is(err, amqp091.ErrClosed) {
		return transport.ClassRetryable
	}
	var amqpErr *amqp091.Error
	if !errors.As(err, &amqpErr) {
		return transport.DefaultClassify(err)
	}
	switch amqpErr.Code {
	case amqp091.ResourceError, amqp091.ResourceLocked:
		return transport.ClassRateLimited
	case amqp091.ContentTooLarge,
		amqp091.AccessRefused,
		amqp091.NotFound,
		amqp091.PreconditionFailed,
		amqp091.NotAllowed:
		return transport.ClassFatal
	}
	if amqpErr.Recover {
		return transport.ClassRetryable
	}
	return transport.ClassFatal
}
