package transport

// Capabilities describes what a transport backend guarantees. The broker uses
// them to warn about bindings whose delivery mode the backend cannot honour.
type Capabilities struct {
	// Name is the registry name of the transport.
	Name string

	// SupportsAck means an unacknowledged message is redelivered.
	SupportsAck bool

	// SupportsOrdering means messages of one physical topic arrive in publish order.
	SupportsOrdering bool

	// SupportsPartitioning means the backend partitions topics natively.
	SupportsPartitioning bool

	// SupportsReplay means a new subscription sees messages published before it.
	SupportsReplay bool

	// NativeOffsets means consumed messages carry a broker assigned sequence.
	NativeOffsets bool

	// ConcurrentAck means a subscriber receives further messages while
	// earlier ones are unacknowledged. Without it the consumer window is 1.
	ConcurrentAck bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// SupportsAtLeastOnce reports whether acknowledged modes get redelivery on crash.
func (c Capabilities) SupportsAtLeastOnce() bool {
	return c.SupportsAck
}

// SupportsResumption reports whether a restarted subscriber can pick up where
// it left off without relying only on the offset store.
func (c Capabilities) SupportsResumption() bool {
	return c.SupportsAck && (c.SupportsReplay || c.NativeOffsets)
}

// Predefined capability sets for the built-in transports.
var (
	ChannelCapabilities = Capabilities{
		Name:           "channel",
		SupportsAck:    true,
		SupportsReplay: true,
		ConcurrentAck:  true,
	}

	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsAck:          true,
		SupportsOrdering:     true,
		SupportsPartitioning: true,
		SupportsReplay:       true,
		NativeOffsets:        true,
		MaxMessageSize:       1048576,
	}

	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsAck:      true,
		SupportsOrdering: true,
	}

	NATSCapabilities = Capabilities{
		Name:           "nats",
		MaxMessageSize: 1048576,
	}

	JetStreamCapabilities = Capabilities{
		Name:             "nats-jetstream",
		SupportsAck:      true,
		SupportsOrdering: true,
		SupportsReplay:   true,
		NativeOffsets:    true,
		ConcurrentAck:    true,
		MaxMessageSize:   1048576,
	}

	AWSCapabilities = Capabilities{
		Name:           "aws",
		SupportsAck:    true,
		MaxMessageSize: 262144,
	}

	HTTPCapabilities = Capabilities{
		Name: "http",
	}
)

// GetCapabilities returns the capabilities registered for a transport name.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
