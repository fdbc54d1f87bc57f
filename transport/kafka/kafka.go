// Package kafka provides the Kafka transport. Each flowbind consumer group
// gets its own Kafka consumer group, and consumed records carry the Kafka
// partition offset as their sequence.
package kafka

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/flowbind/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

// Register adds the Kafka transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

func init() {
	Register()
}

// Build creates a new Kafka transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()

	saramaCfg := kafka.DefaultSaramaSyncPublisherConfig()
	if clientID := cfg.GetKafkaClientID(); clientID != "" {
		saramaCfg.ClientID = clientID
	}

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: saramaCfg,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	newSubscriber := func(group string) (message.Subscriber, error) {
		return SubscriberFactory(
			kafka.SubscriberConfig{
				Brokers:       brokers,
				Unmarshaler:   kafka.DefaultMarshaler{},
				ConsumerGroup: ConsumerGroup(cfg.GetKafkaConsumerGroup(), group),
			},
			logger,
		)
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
		SequenceOf:    SequenceOf,
	}, nil
}

// ConsumerGroup joins the configured base group and a flowbind group.
func ConsumerGroup(base, group string) string {
	switch {
	case group == "":
		return base
	case base == "":
		return group
	default:
		return base + "." + group
	}
}

// SequenceOf returns the Kafka partition offset of a consumed message.
func SequenceOf(msg *message.Message) (int64, bool) {
	return kafka.MessagePartitionOffsetFromCtx(msg.Context())
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
