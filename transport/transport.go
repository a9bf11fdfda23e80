// Package transport defines the broker boundary used by commandflow services.
// Each broker lives in its own sub-package and registers a Builder with a
// Registry; the runtime only sees watermill publishers and subscribers plus a
// Classifier that sorts broker failures into retry classes.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

var (
	ErrPublisherRequired = errors.New("commandflow: transport has no publisher")
	ErrTopicRequired     = errors.New("commandflow: transport topic is required")
)

// Transport combines a publisher and subscriber pair produced by a Builder.
//
// Subscriber delivers each message to one instance of the service (competing
// consumers). Broadcast, when set, delivers each message to every instance and
// carries master-job negotiation traffic; brokers that fan out natively leave it
// nil and BroadcastSubscriber falls back to Subscriber.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	Broadcast  message.Subscriber
	// Classify sorts publish failures. DefaultClassify is used when nil.
	Classify Classifier
	// OnSubscribed, when set, runs once after the runtime has made all of its
	// subscriptions. Push-based brokers start their listeners here.
	OnSubscribed func() error
	// Capabilities describes the broker. Registry.Build fills it from the
	// registered capabilities when the builder leaves it empty.
	Capabilities Capabilities
}

// Subscribed runs the OnSubscribed hook, if any.
func (t Transport) Subscribed() error {
	if t.OnSubscribed == nil {
		return nil
	}
	return t.OnSubscribed()
}

// BroadcastSubscriber returns the fan-out subscriber.
func (t Transport) BroadcastSubscriber() message.Subscriber {
	if t.Broadcast != nil {
		return t.Broadcast
	}
	return t.Subscriber
}

// Transmit publishes msgs to topic. Failures are returned as *TransmitError so
// callers can decide whether to retry, back off or give up.
func (t Transport) Transmit(topic string, msgs ...*message.Message) error {
	if t.Publisher == nil {
		return ErrPublisherRequired
	}
	if topic == "" {
		return ErrTopicRequired
	}
	if len(msgs) == 0 {
		return nil
	}
	err := t.Publisher.Publish(topic, msgs...)
	if err == nil {
		return nil
	}
	classify := t.Classify
	if classify == nil {
		classify = DefaultClassify
	}
	return &TransmitError{Topic: topic, Class: classify(err), Err: err}
}

// Close closes the publisher and subscriber, joining their errors.
func (t Transport) Close() error {
	var errs []error
	if t.Publisher != nil {
		if err := t.Publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("publisher: %w", err))
		}
	}
	if t.Subscriber != nil {
		if err := t.Subscriber.Close(); err != nil {
			errs = append(errs, fmt.Errorf("subscriber: %w", err))
		}
	}
	if t.Broadcast != nil && t.Broadcast != t.Subscriber {
		if err := t.Broadcast.Close(); err != nil {
			errs = append(errs, fmt.Errorf("broadcast subscriber: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Builder is the function signature for creating a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports without
// depending on the full runtime config package.
type Config interface {
	GetPubSubSystem() string
	// GetServiceID identifies this instance; brokers use it to name
	// per-instance broadcast queues and consumer groups.
	GetServiceID() string

	GetKafkaBrokers() []string
	GetKafkaClientID() string
	GetKafkaConsumerGroup() string

	GetRabbitMQURL() string

	GetNATSURL() string

	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}
