// Package transport builds the watermill publisher/subscriber pair that
// carries domain events between rpcflow services. Request/reply traffic does
// not go through here; it uses the broker connection directly.
package transport

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

var ErrConfigRequired = errors.New("transport: config is required")

// Transport combines a publisher and subscriber pair produced by a builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes the subscriber first so no handler publishes on a closed
// publisher.
func (t Transport) Close() error {
	var errs []error
	if t.Subscriber != nil {
		errs = append(errs, t.Subscriber.Close())
	}
	if t.Publisher != nil && any(t.Publisher) != any(t.Subscriber) {
		errs = append(errs, t.Publisher.Close())
	}
	return errors.Join(errs...)
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config is the subset of the service configuration transports read.
type Config interface {
	GetPubSubSystem() string
	GetRabbitMQURL() string
	// GetServiceName suffixes durable event queues so each service consumes
	// its own copy of a topic.
	GetServiceName() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
