package transport

// Capabilities describes what a broker guarantees. The runtime reads it to
// decide which delivery concerns it has to handle itself.
type Capabilities struct {
	// SupportsNativeDLQ reports that the broker moves poison messages aside on
	// its own. Otherwise listeners count redeliveries and flag dead letters.
	SupportsNativeDLQ bool

	// SupportsOrdering reports in-order delivery within a topic or partition.
	SupportsOrdering bool

	// SupportsTracing reports that trace headers travel with the message.
	SupportsTracing bool

	SupportsBatching bool

	// SupportsAck and SupportsNack report explicit settlement. Without nack a
	// failed payload is not redelivered by the broker.
	SupportsAck  bool
	SupportsNack bool

	// SupportsPriority reports broker-side priority queues. Priorities are
	// always carried as separate topics, so this is informational.
	SupportsPriority bool

	SupportsPartitioning bool

	// MaxMessageSize is the largest payload in bytes, 0 when unknown.
	MaxMessageSize int64

	Name    string
	Version string
}

// RequiresDLQEmulation reports whether listeners must track redeliveries and
// flag dead letters themselves.
func (c Capabilities) RequiresDLQEmulation() bool {
	return !c.SupportsNativeDLQ
}

// SupportsReliableDelivery reports at-least-once delivery (ack and nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsOrdering:     true,
		SupportsTracing:      true,
		SupportsBatching:     true,
		SupportsAck:          true,
		SupportsPartitioning: true,
		MaxMessageSize:       1 << 20,
	}

	// RabbitMQCapabilities assumes queues declared with a dead-letter exchange.
	RabbitMQCapabilities = Capabilities{
		Name:              "rabbitmq",
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		SupportsTracing:   true,
		SupportsAck:       true,
		SupportsNack:      true,
		SupportsPriority:  true,
	}

	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1 << 20,
	}

	// AWSCapabilities assumes SQS queues with a redrive policy.
	AWSCapabilities = Capabilities{
		Name:              "aws",
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		SupportsTracing:   true,
		SupportsBatching:  true,
		SupportsAck:       true,
		SupportsNack:      true,
		MaxMessageSize:    256 << 10,
	}

	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}
)

// GetCapabilities looks name up in the default registry. Unknown names yield
// capabilities carrying only the name.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
