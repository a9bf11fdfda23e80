// Package http provides an HTTP transport for commandflow. Publishing POSTs a
// message to HTTPPublisherURL+topic; subscribing serves one route per topic on
// HTTPServerAddress.
package http

import (
	"context"
	"errors"
	nethttp "net/http"
	"net/url"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/commandflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "http"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

// Register adds the HTTP transport to reg, or to the default registry when reg is nil.
func Register(reg *transport.Registry) {
	if reg == nil {
		reg = transport.DefaultRegistry
	}
	reg.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// Build creates a new HTTP transport. The subscriber's server starts from the
// OnSubscribed hook so every topic route exists before it accepts requests.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	serverAddr := cfg.GetHTTPServerAddress()
	publisherURL := cfg.GetHTTPPublisherURL()

	publisher, err := PublisherFactory(
		http.PublisherConfig{
			MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
				return http.DefaultMarshalMessageFunc(publisherURL+topic, msg)
			},
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		serverAddr,
		http.SubscriberConfig{
			UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:    publisher,
		Subscriber:   subscriber,
		Classify:     Classify,
		OnSubscribed: startServer(subscriber, logger),
		Capabilities: Capabilities(),
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}

func startServer(subscriber message.Subscriber, logger watermill.LoggerAdapter) func() error {
	return func() error {
		s, ok := subscriber.(*http.Subscriber)
		if !ok {
			return nil
		}
		go func() {
			if err := s.StartHTTPServer(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
				logger.Error("HTTP subscriber server stopped", err, nil)
			}
		}()
		return nil
	}
}

// Classify sorts HTTP publish failures. Transport-level failures and error
// responses are retried; a closed publisher is fatal.
func Classify(err error) transport.ErrorClass {
	if errors.Is(err, http.ErrPublisherClosed) {
		return transport.ClassFatal
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) || errors.Is(err, http.ErrErrorResponse) {
		return transport.ClassRetryable
	}
	return transport.DefaultClassify(err)
}
