package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/drblury/flowbind/internal/runtime/binding"
	"github.com/drblury/flowbind/internal/runtime/codec"
	"github.com/drblury/flowbind/internal/runtime/envelope"
	errspkg "github.com/drblury/flowbind/internal/runtime/errors"
	"github.com/drblury/flowbind/internal/runtime/transport"
)

// Subscriber reads messages of type M from one topic.
type Subscriber[M any] struct {
	factory *Factory
	topic   string
	opts    binding.StreamShape
}

// NewSubscriber validates the topic and options like NewPublisher.
func NewSubscriber[M any](f *Factory, topic string, opts ...Option) (*Subscriber[M], error) {
	if f == nil {
		return nil, errspkg.ErrTransportRequired
	}
	o, err := resolve(topic, opts)
	if err != nil {
		return nil, err
	}
	return &Subscriber[M]{factory: f, topic: topic, opts: o}, nil
}

// Topic returns the logical topic.
func (s *Subscriber[M]) Topic() string { return s.topic }

// Open starts consuming partition, or binding.NoPartition. Envelopes carry the
// broker offset and their Commit acknowledges the delivery.
func (s *Subscriber[M]) Open(ctx context.Context, partition int) (*Subscription[M], error) {
	if err := s.opts.CheckPartition(partition); err != nil {
		return nil, err
	}
	consumer, err := s.factory.transport.OpenConsumer(ctx, s.opts.Name, s.topic, partition)
	if err != nil {
		return nil, errspkg.NewTransportError("open consumer", s.topic, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription[M]{
		consumer: consumer,
		topic:    s.topic,
		out:      make(chan envelope.Envelope[M]),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go sub.pump(subCtx, s.opts.Codec)

	s.factory.log.Debug("Subscription opened", s.factory.fields(s.opts, partition))
	return sub, nil
}

// Subscription is an open read handle on one (topic, partition).
type Subscription[M any] struct {
	consumer transport.Consumer
	topic    string
	out      chan envelope.Envelope[M]
	cancel   context.CancelFunc
	done     chan struct{}

	mu  sync.Mutex
	err error
}

func (s *Subscription[M]) pump(ctx context.Context, c codec.Codec) {
	defer close(s.done)
	defer close(s.out)

	records := s.consumer.Records()
	for {
		select {
		case rec, ok := <-records:
			if !ok {
				if err := s.consumer.Err(); err != nil {
					s.fail(errspkg.NewTransportError("consume", s.topic, err))
				}
				return
			}
			msg, err := codec.DecodeAs[M](c, rec.Message.Payload)
			if err != nil {
				s.fail(fmt.Errorf("flowbind: decode %s at %s: %w", s.topic, rec.Offset, err))
				return
			}
			env := envelope.Map(rec, func(transport.Record) M { return msg })
			select {
			case s.out <- env:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Subscription[M]) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Envelopes yields decoded deliveries. It closes on Close, when the context
// passed to Open ends, or on the first failure.
func (s *Subscription[M]) Envelopes() <-chan envelope.Envelope[M] { return s.out }

// Err reports why Envelopes closed, nil after a clean Close.
func (s *Subscription[M]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops consuming. Uncommitted deliveries are redelivered to the next
// subscription of the same name where the transport supports it.
func (s *Subscription[M]) Close() error {
	s.cancel()
	<-s.done
	return s.consumer.Close()
}
