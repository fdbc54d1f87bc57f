// Package rabbitmq provides the RabbitMQ/AMQP transport. Each flowbind
// consumer group binds its own durable queue to the topic exchange.
package rabbitmq

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/flowbind/transport"
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

// Register adds the RabbitMQ transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

func init() {
	Register()
}

// Build creates a new RabbitMQ transport sharing one connection between the
// publisher and every subscriber.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetRabbitMQURL()

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	publisher, err := PublisherFactory(amqp.NewDurablePubSubConfig(url, amqp.GenerateQueueNameTopicName), logger, conn)
	if err != nil {
		return transport.Transport{}, err
	}

	newSubscriber := func(group string) (message.Subscriber, error) {
		return SubscriberFactory(amqp.NewDurablePubSubConfig(url, QueueName(group)), logger, conn)
	}

	subscriber, err := newSubscriber("")
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:     publisher,
		Subscriber:    subscriber,
		SubscriberFor: newSubscriber,
	}, nil
}

// QueueName names the queue of a consumer group: the topic, suffixed with the
// group when there is one.
func QueueName(group string) amqp.QueueNameGenerator {
	if group == "" {
		return amqp.GenerateQueueNameTopicName
	}
	return amqp.GenerateQueueNameTopicNameWithSuffix(group)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}
