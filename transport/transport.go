// Package transport defines the pluggable broker backends used by flowbind.
// Each backend (kafka, rabbitmq, aws, ...) lives in its own sub-package and
// registers a Builder with the transport registry.
package transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport is the watermill publisher/subscriber pair of one backend plus the
// hooks flowbind needs to address partitions and read broker offsets.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	// SubscriberFor returns a subscriber dedicated to one consumer group so
	// that independent bindings on the same topic each see every message.
	// nil means Subscriber already fans out to every subscription.
	SubscriberFor func(group string) (message.Subscriber, error)

	// TopicName maps a logical topic and partition to the physical topic.
	// nil means DefaultTopicName.
	TopicName func(topic string, partition int) string

	// SequenceOf reads the broker assigned position of a consumed message,
	// for backends that have one.
	SequenceOf func(msg *message.Message) (int64, bool)
}

// PhysicalTopic resolves the broker topic for a logical topic and partition.
func (t Transport) PhysicalTopic(topic string, partition int) string {
	if t.TopicName != nil {
		return t.TopicName(topic, partition)
	}
	return DefaultTopicName(topic, partition)
}

// DefaultTopicName appends ".<partition>" to partitioned topics.
func DefaultTopicName(topic string, partition int) string {
	if partition < 0 {
		return topic
	}
	return fmt.Sprintf("%s.%d", topic, partition)
}

// HyphenTopicName is used by backends whose topic names cannot contain dots.
func HyphenTopicName(topic string, partition int) string {
	topic = strings.ReplaceAll(topic, ".", "-")
	if partition < 0 {
		return topic
	}
	return fmt.Sprintf("%s-%d", topic, partition)
}

// Builder is the function signature for creating a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports, so that
// backends do not depend on the full config package.
type Config interface {
	// GetPubSubSystem returns the transport type name.
	GetPubSubSystem() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaClientID() string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}
