// Package transport is the broker boundary of the runtime: typed-agnostic
// records flowing in and out of (topic, partition) streams.
package transport

import (
	"context"

	"github.com/drblury/flowbind/internal/runtime/envelope"
	"github.com/drblury/flowbind/internal/runtime/metadata"
	"github.com/drblury/flowbind/internal/runtime/offset"
	pubtransport "github.com/drblury/flowbind/transport"
)

// Record is one encoded message as seen by the broker.
type Record struct {
	UUID     string
	Payload  []byte
	Metadata metadata.Metadata
	Offset   offset.Offset
}

// Consumer yields records of one (topic, partition). Committing an envelope
// acknowledges the record to the broker.
type Consumer interface {
	Records() <-chan envelope.Envelope[Record]
	// Err reports why Records closed, nil after Close.
	Err() error
	Close() error
}

// Producer writes records to one (topic, partition).
type Producer interface {
	// Send writes rec. confirm runs once the broker has durably accepted the
	// record, or later with an asynchronous failure. When Send returns an
	// error confirm is never called.
	Send(ctx context.Context, rec Record, confirm func(error)) error
	Close() error
}

// Transport opens consumers and producers. group names the consumer so that
// independent subscribers of a topic each see every record.
type Transport interface {
	OpenConsumer(ctx context.Context, group, topic string, partition int) (Consumer, error)
	OpenProducer(ctx context.Context, topic string, partition int) (Producer, error)
	Capabilities() pubtransport.Capabilities
	Close() error
}
