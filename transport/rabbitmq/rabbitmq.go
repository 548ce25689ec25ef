// Package rabbitmq carries rpcflow domain events over durable RabbitMQ
// queues through watermill-amqp.
package rabbitmq

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/rpcflow/transport"
)

const (
	TransportName = "rabbitmq"
	Alias         = "amqp"
)

// DefaultPrefetch bounds unacked events per subscriber channel.
const DefaultPrefetch = 10

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

func init() {
	Register()
}

// Register adds the transport to the default registry under "rabbitmq" and "amqp".
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
	transport.DefaultRegistry.Alias(Alias, TransportName)
}

// PubSubConfig returns the durable fan-out configuration: each topic is an
// exchange and each service binds its own "<topic>_<service>" queue.
func PubSubConfig(url, serviceName string) amqp.Config {
	cfg := amqp.NewDurablePubSubConfig(url, amqp.GenerateQueueNameTopicNameWithSuffix(serviceName))
	cfg.Consume.Qos.PrefetchCount = DefaultPrefetch
	return cfg
}

// Build connects once and shares the connection between publisher and subscriber.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetRabbitMQURL()
	amqpConfig := PubSubConfig(url, cfg.GetServiceName())

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("rabbitmq: connect: %w", err)
	}

	publisher, err := PublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("rabbitmq: publisher: %w", err)
	}

	subscriber, err := SubscriberFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, fmt.Errorf("rabbitmq: subscriber: %w", err)
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}
