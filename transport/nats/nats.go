// Package nats provides the NATS Core transport. Delivery is at most once:
// NATS Core has no acknowledgements or replay.
package nats

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/flowbind/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

// Register adds the NATS transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

func init() {
	Register()
}

// Build creates a new NATS Core transport. Consumer groups map to NATS queue
// groups, so processes sharing a group split the messages of a subject.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	marshaler := &nats.NATSMarshaler{}
	core := nats.JetStreamConfig{Disabled: true}

	publisher, err := PublisherFactory(
		nats.PublisherConfig{
			URL:       url,
			Marshaler: marshaler,
			JetStream: core,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	newSubscriber := func(group string) (message.Subscriber, error) {
		return SubscriberFactory(
			nats.SubscriberConfig{
				URL:              url,
				QueueGroupPrefix: group,
				Unmarshaler:      marshaler,
				JetStream:        core,
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
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
