// Package transports registers every built-in broker with a registry.
package transports

import (
	"github.com/drblury/commandflow/transport"
	"github.com/drblury/commandflow/transport/aws"
	"github.com/drblury/commandflow/transport/channel"
	"github.com/drblury/commandflow/transport/http"
	"github.com/drblury/commandflow/transport/kafka"
	"github.com/drblury/commandflow/transport/nats"
	"github.com/drblury/commandflow/transport/rabbitmq"
)

// RegisterAll adds the aws, channel, http, kafka, nats and rabbitmq
// transports to reg, or to the default registry when reg is nil.
func RegisterAll(reg *transport.Registry) {
	aws.Register(reg)
	channel.Register(reg)
	http.Register(reg)
	kafka.Register(reg)
	nats.Register(reg)
	rabbitmq.Register(reg)
}

// NewRegistry returns a registry holding every built-in transport.
func NewRegistry() *transport.Registry {
	reg := transport.NewRegistry()
	RegisterAll(reg)
	return reg
}
