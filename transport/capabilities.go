package transport

// Capabilities describes what an event transport guarantees.
type Capabilities struct {
	Name string

	// Durable transports keep events across process restarts.
	Durable bool

	// SupportsNativeDLQ is false when rejected events need the poison queue
	// middleware to avoid being lost.
	SupportsNativeDLQ bool

	SupportsOrdering bool
	SupportsTracing  bool
	SupportsAck      bool
	SupportsNack     bool
}

// RequiresDLQEmulation reports whether the poison queue middleware is the
// only place failed events end up.
func (c Capabilities) RequiresDLQEmulation() bool {
	return !c.SupportsNativeDLQ
}

// SupportsReliableDelivery reports at-least-once delivery (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

var (
	// ChannelCapabilities for the in-memory Go channel transport.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	// RabbitMQCapabilities for the watermill-amqp transport.
	RabbitMQCapabilities = Capabilities{
		Name:              "rabbitmq",
		Durable:           true,
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		SupportsTracing:   true,
		SupportsAck:       true,
		SupportsNack:      true,
	}
)

// GetCapabilities returns the capabilities for a transport by name from the
// default registry.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry.GetCapabilities(name)
}
