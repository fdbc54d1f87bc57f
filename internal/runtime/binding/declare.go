package binding

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/drblury/flowbind/internal/runtime/codec"
	"github.com/drblury/flowbind/internal/runtime/envelope"
	errspkg "github.com/drblury/flowbind/internal/runtime/errors"
)

// Declaration is the builder applications use to describe a binding. It is
// turned into a Descriptor by Registry.Register.
type Declaration struct {
	name        string
	topic       string
	direction   Direction
	element     Element
	mode        AckMode
	partitioned bool
	count       int
	params      []Param
	codec       codec.Codec
	rateLimit   rate.Limit
	burst       int

	source     sourceFunc
	sink       sinkFunc
	processor  processorFunc
	decoderFor func(codec.Codec) decodeFunc
}

// Publisher declares a fire-and-forget publisher producing bare messages.
func Publisher[M any](topic string, fn func(ctx context.Context, inv Invocation) (<-chan M, error)) *Declaration {
	d := newDeclaration[M](topic, Publishes, ElementMessage, AckFireAndForget)
	if fn != nil {
		d.source = func(ctx context.Context, inv Invocation) (<-chan envelope.Envelope[any], error) {
			in, err := fn(ctx, inv)
			if err != nil {
				return nil, err
			}
			if in == nil {
				return nil, errNoStream
			}
			return forward(ctx, in, func(m M) envelope.Envelope[any] { return envelope.New[any](m) }), nil
		}
	}
	return d
}

// EnvelopePublisher declares a resumable publisher. Each envelope's offset is
// saved once the transport confirms the write, and a restarted publisher is
// handed the last saved offset when it declares ParamOffset.
func EnvelopePublisher[M any](topic string, fn func(ctx context.Context, inv Invocation) (<-chan envelope.Envelope[M], error)) *Declaration {
	d := newDeclaration[M](topic, Publishes, ElementEnvelope, AckResumable)
	if fn != nil {
		d.source = func(ctx context.Context, inv Invocation) (<-chan envelope.Envelope[any], error) {
			in, err := fn(ctx, inv)
			if err != nil {
				return nil, err
			}
			if in == nil {
				return nil, errNoStream
			}
			return forward(ctx, in, eraseEnvelope[M]), nil
		}
	}
	return d
}

// Subscriber declares an at-most-once subscriber. Deliveries are committed
// before the handler receives them.
func Subscriber[M any](topic string, fn func(ctx context.Context, in <-chan M) error) *Declaration {
	d := newDeclaration[M](topic, Subscribes, ElementMessage, AckAtMostOnce)
	if fn != nil {
		d.sink = func(ctx context.Context, in <-chan envelope.Envelope[any]) error {
			return drive(ctx, in, func(env envelope.Envelope[any]) M { return as[M](env.Message) }, fn)
		}
	}
	return d
}

// Processor declares an at-least-once subscriber that emits one Done per input.
// A delivery is committed when its token is observed.
func Processor[M any](topic string, fn func(ctx context.Context, in <-chan M) <-chan Done) *Declaration {
	d := newDeclaration[M](topic, Subscribes, ElementMessage, AckImplicit)
	if fn != nil {
		d.processor = func(ctx context.Context, in <-chan envelope.Envelope[any]) <-chan Done {
			typed := forward(ctx, in, func(env envelope.Envelope[any]) M { return as[M](env.Message) })
			return fn(ctx, typed)
		}
	}
	return d
}

// EnvelopeSubscriber declares an at-least-once subscriber that commits each
// envelope explicitly.
func EnvelopeSubscriber[M any](topic string, fn func(ctx context.Context, in <-chan envelope.Envelope[M]) error) *Declaration {
	d := newDeclaration[M](topic, Subscribes, ElementEnvelope, AckExplicit)
	if fn != nil {
		d.sink = func(ctx context.Context, in <-chan envelope.Envelope[any]) error {
			return drive(ctx, in, func(env envelope.Envelope[any]) envelope.Envelope[M] {
				return envelope.Map(env, as[M])
			}, fn)
		}
	}
	return d
}

func newDeclaration[M any](topic string, dir Direction, el Element, mode AckMode) *Declaration {
	return &Declaration{
		topic:     topic,
		direction: dir,
		element:   el,
		mode:      mode,
		decoderFor: func(c codec.Codec) decodeFunc {
			return func(data []byte) (any, error) {
				return codec.DecodeAs[M](c, data)
			}
		},
	}
}

// Named sets the binding name. Unnamed bindings are named after their position
// in the handler's Bindings slice.
func (d *Declaration) Named(name string) *Declaration {
	d.name = name
	return d
}

// Partitioned marks the binding as partitioned. A positive count lets the
// coordinator spread partitions across processes; zero means partitioning is
// configured externally and a single pipeline runs. Negative counts are
// rejected.
func (d *Declaration) Partitioned(count int) *Declaration {
	d.partitioned = true
	d.count = count
	return d
}

// Params declares the parameters the binding receives.
func (d *Declaration) Params(params ...Param) *Declaration {
	d.params = append(d.params, params...)
	return d
}

// WithCodec overrides the payload codec. JSON is used by default.
func (d *Declaration) WithCodec(c codec.Codec) *Declaration {
	d.codec = c
	return d
}

// RateLimit caps a publisher at perSecond writes with the given burst.
func (d *Declaration) RateLimit(perSecond float64, burst int) *Declaration {
	d.rateLimit = rate.Limit(perSecond)
	d.burst = burst
	return d
}

// Topic returns the declared topic.
func (d *Declaration) Topic() string { return d.topic }

func (d *Declaration) describe(handler, name string) (Descriptor, []*errspkg.BindingValidationError) {
	if violations := d.validate(name); len(violations) > 0 {
		return Descriptor{}, violations
	}
	c := d.codec
	if c == nil {
		c = codec.JSON
	}
	return Descriptor{
		Name:           name,
		Handler:        handler,
		Topic:          d.topic,
		Direction:      d.direction,
		Element:        d.element,
		Mode:           d.mode,
		Partitioned:    d.partitioned,
		PartitionCount: d.count,
		Codec:          c,
		params:         append([]Param(nil), d.params...),
		rateLimit:      d.rateLimit,
		burst:          d.burst,
		source:         d.source,
		sink:           d.sink,
		processor:      d.processor,
		decode:         d.decoderFor(c),
	}, nil
}

// forward converts every element of in and passes it on until in closes or ctx
// ends. The returned channel is unbuffered.
func forward[T, U any](ctx context.Context, in <-chan T, convert func(T) U) <-chan U {
	out := make(chan U)
	go func() {
		defer close(out)
		for {
			select {
			case v, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- convert(v):
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

// drive feeds in to fn through a typed channel. It returns fn's result once in
// is exhausted, and ErrHandlerStopped when fn returns nil while input remains.
func drive[T any](ctx context.Context, in <-chan envelope.Envelope[any], convert func(envelope.Envelope[any]) T, fn func(context.Context, <-chan T) error) error {
	typed := make(chan T)
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- fn(ctx, typed)
	}()

	stopped := func(err error) error {
		if err == nil {
			return errspkg.ErrHandlerStopped
		}
		return err
	}

	for {
		select {
		case env, ok := <-in:
			if !ok {
				close(typed)
				return <-done
			}
			select {
			case typed <- convert(env):
			case err := <-done:
				return stopped(err)
			case <-ctx.Done():
				close(typed)
				return ctx.Err()
			}
		case err := <-done:
			return stopped(err)
		case <-ctx.Done():
			close(typed)
			return ctx.Err()
		}
	}
}

func eraseEnvelope[M any](env envelope.Envelope[M]) envelope.Envelope[any] {
	return envelope.Map(env, func(m M) any { return m })
}

func as[M any](v any) M {
	m, _ := v.(M)
	return m
}
