package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/flowbind/internal/runtime/binding"
	"github.com/drblury/flowbind/internal/runtime/envelope"
	errspkg "github.com/drblury/flowbind/internal/runtime/errors"
	"github.com/drblury/flowbind/internal/runtime/metadata"
	"github.com/drblury/flowbind/internal/runtime/offset"
	"github.com/drblury/flowbind/internal/runtime/transport"
)

var errStreamClosed = errors.New("flowbind: publish stream closed")

// Publisher writes messages of type M to one topic.
type Publisher[M any] struct {
	factory *Factory
	topic   string
	opts    binding.StreamShape
}

// NewPublisher validates the topic and options. Invalid input yields a
// *errors.BindingValidationError, or *errors.ValidationErrors when several
// rules are broken.
func NewPublisher[M any](f *Factory, topic string, opts ...Option) (*Publisher[M], error) {
	if f == nil {
		return nil, errspkg.ErrTransportRequired
	}
	o, err := resolve(topic, opts)
	if err != nil {
		return nil, err
	}
	return &Publisher[M]{factory: f, topic: topic, opts: o}, nil
}

// Topic returns the logical topic.
func (p *Publisher[M]) Topic() string { return p.topic }

// Open opens a stream to partition, or binding.NoPartition.
func (p *Publisher[M]) Open(ctx context.Context, partition int) (*PublishStream[M], error) {
	if err := p.opts.CheckPartition(partition); err != nil {
		return nil, err
	}
	producer, err := p.factory.transport.OpenProducer(ctx, p.topic, partition)
	if err != nil {
		return nil, errspkg.NewTransportError("open producer", p.topic, err)
	}
	p.factory.log.Debug("Publish stream opened", p.factory.fields(p.opts, partition))
	return &PublishStream[M]{
		producer:  producer,
		topic:     p.topic,
		partition: partition,
		opts:      p.opts,
		header:    metadata.New(metadata.KeyBinding, p.opts.Name, metadata.KeyCodec, p.opts.Codec.Name()),
	}, nil
}

// Through opens an unpartitioned stream, publishes every element of in and
// emits one Done per confirmed write. The stream is closed once in is drained
// or a write fails; the failure is returned by the stream's Err.
func (p *Publisher[M]) Through(ctx context.Context, in <-chan M) (*PublishStream[M], <-chan binding.Done, error) {
	stream, err := p.Open(ctx, binding.NoPartition)
	if err != nil {
		return nil, nil, err
	}
	return stream, stream.through(ctx, in, true), nil
}

// PublishStream is an open write handle on one (topic, partition).
type PublishStream[M any] struct {
	producer  transport.Producer
	topic     string
	partition int
	opts      binding.StreamShape
	header    metadata.Metadata

	mu     sync.Mutex
	err    error
	closed bool
}

// Send writes m and returns once the transport confirmed it.
func (s *PublishStream[M]) Send(ctx context.Context, m M) error {
	return s.send(ctx, m, offset.None)
}

// SendEnvelope writes env.Message at env.Offset and commits env once the
// transport confirmed the write.
func (s *PublishStream[M]) SendEnvelope(ctx context.Context, env envelope.Envelope[M]) error {
	if err := s.send(ctx, env.Message, env.Offset); err != nil {
		return err
	}
	env.Commit()
	return nil
}

func (s *PublishStream[M]) send(ctx context.Context, m M, off offset.Offset) error {
	s.mu.Lock()
	closed, failed := s.closed, s.err
	s.mu.Unlock()
	if closed {
		return errStreamClosed
	}
	if failed != nil {
		return failed
	}

	payload, err := s.opts.Codec.Marshal(m)
	if err != nil {
		return fmt.Errorf("flowbind: encode %s: %w", s.opts.Name, err)
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "flowbind.client.send", trace.WithAttributes(
		attribute.String("flowbind.binding", s.opts.Name),
		attribute.String("flowbind.topic", s.topic),
		attribute.Int("flowbind.partition", s.partition),
	))
	defer span.End()

	confirmed := make(chan error, 1)
	rec := transport.Record{Payload: payload, Metadata: s.header, Offset: off}
	if err := s.producer.Send(ctx, rec, func(err error) { confirmed <- err }); err != nil {
		err = errspkg.NewTransportError("send", s.topic, err)
		s.fail(err)
		return err
	}

	select {
	case err := <-confirmed:
		if err != nil {
			err = errspkg.NewTransportError("confirm", s.topic, err)
			s.fail(err)
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Through publishes every element of in and emits one Done per confirmed
// write. The returned channel closes when in is drained, ctx ends or a write
// fails.
func (s *PublishStream[M]) Through(ctx context.Context, in <-chan M) <-chan binding.Done {
	return s.through(ctx, in, false)
}

func (s *PublishStream[M]) through(ctx context.Context, in <-chan M, closeAfter bool) <-chan binding.Done {
	out := make(chan binding.Done)
	go func() {
		defer close(out)
		if closeAfter {
			defer s.Close()
		}
		for {
			select {
			case m, ok := <-in:
				if !ok {
					return
				}
				if err := s.Send(ctx, m); err != nil {
					if ctx.Err() == nil {
						s.fail(err)
					}
					return
				}
				select {
				case out <- binding.Done{}:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (s *PublishStream[M]) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Err returns the first write failure of the stream.
func (s *PublishStream[M]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close releases the producer. Further sends fail.
func (s *PublishStream[M]) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.producer.Close()
}
