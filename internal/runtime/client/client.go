// Package client hands raw stream handles to callers that want to publish or
// consume without registering a handler. Streams opened here are not
// supervised: there is no restart, backoff or partition coordination, and
// failures surface through Err.
package client

import (
	"strings"

	"github.com/drblury/flowbind/internal/runtime/binding"
	"github.com/drblury/flowbind/internal/runtime/codec"
	errspkg "github.com/drblury/flowbind/internal/runtime/errors"
	"github.com/drblury/flowbind/internal/runtime/logging"
	"github.com/drblury/flowbind/internal/runtime/transport"
)

const tracerName = "github.com/drblury/flowbind/client"

// Factory creates publishers and subscribers on one transport.
type Factory struct {
	transport transport.Transport
	log       logging.ServiceLogger
}

// NewFactory returns a factory opening streams on t.
func NewFactory(t transport.Transport, log logging.ServiceLogger) (*Factory, error) {
	if t == nil {
		return nil, errspkg.ErrTransportRequired
	}
	return &Factory{transport: t, log: logging.OrNop(log)}, nil
}

// Option configures a publisher or subscriber. Options set the same markers
// a binding declaration carries and are validated by the same rules.
type Option func(*binding.Declaration)

// Partitioned marks the topic as partitioned. A positive count bounds the
// partition index passed to Open; zero accepts any index.
func Partitioned(count int) Option {
	return func(d *binding.Declaration) { d.Partitioned(count) }
}

// WithCodec overrides the payload codec. JSON is used by default.
func WithCodec(c codec.Codec) Option {
	return func(d *binding.Declaration) { d.WithCodec(c) }
}

// Named sets the name used in logs and, for subscribers, as the consumer
// group. Defaults to "client.<topic>".
func Named(name string) Option {
	return func(d *binding.Declaration) { d.Named(strings.TrimSpace(name)) }
}

func resolve(topic string, opts []Option) (binding.StreamShape, error) {
	decl := binding.Stream(topic).Named("client." + topic)
	for _, opt := range opts {
		opt(decl)
	}
	return decl.Resolve()
}

func (f *Factory) fields(o binding.StreamShape, partition int) logging.LogFields {
	return logging.PartitionFields(o.Name, partition)
}
