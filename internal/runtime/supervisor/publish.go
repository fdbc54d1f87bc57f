package supervisor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/flowbind/internal/runtime/ack"
	"github.com/drblury/flowbind/internal/runtime/binding"
	"github.com/drblury/flowbind/internal/runtime/envelope"
	errspkg "github.com/drblury/flowbind/internal/runtime/errors"
	"github.com/drblury/flowbind/internal/runtime/metadata"
	"github.com/drblury/flowbind/internal/runtime/offset"
	"github.com/drblury/flowbind/internal/runtime/offsetstore"
	"github.com/drblury/flowbind/internal/runtime/transport"
)

// publish runs one publisher run. Resumable publishers persist an offset only
// once the transport confirmed the write, and skip envelopes at or below the
// stored offset after a restart.
func (s *Supervisor) publish(p *pipeline) error {
	desc := p.desc
	part := p.key.Partition
	name := desc.QualifiedName()
	resumable := desc.Mode == binding.AckResumable
	storeKey := offsetstore.Key{Group: name, Topic: desc.Topic, Partition: part}

	stored := offset.None
	if resumable {
		var err error
		stored, err = s.store.Load(p.hardCtx, storeKey)
		if err != nil {
			return errspkg.NewTransportError("load offset", desc.Topic, err)
		}
	}

	producer, err := s.transport.OpenProducer(p.hardCtx, desc.Topic, part)
	if err != nil {
		return errspkg.NewTransportError("open producer", desc.Topic, err)
	}
	defer producer.Close()

	loopCtx, fail := context.WithCancelCause(p.drainCtx)
	defer fail(nil)

	var persist ack.PersistFunc
	if resumable {
		saveCtx := context.WithoutCancel(p.hardCtx)
		persist = func(off offset.Offset) error {
			if err := s.store.Save(saveCtx, storeKey, off); err != nil {
				err = errspkg.NewTransportError("save offset", desc.Topic, err)
				fail(err)
				return err
			}
			s.metrics.committed(p.key)
			return nil
		}
	}
	tracker := ack.NewTracker(s.conf.Window, persist)
	p.attach(tracker)

	src, err := openSource(loopCtx, desc, desc.Invocation(part, stored))
	if err != nil {
		return &errspkg.HandlerFault{Binding: name, Partition: part, Err: err}
	}

	s.enter(p, Running)

	limiter := desc.NewLimiter()
	tracer := otel.Tracer(tracerName)
	codecHeader := metadata.New(metadata.KeyBinding, name, metadata.KeyCodec, desc.Codec.Name())
	last := stored
	completed := false

	for {
		s.metrics.setInFlight(p.key, tracker.InFlight())
		if err := tracker.Acquire(loopCtx); err != nil {
			break
		}

		var env envelope.Envelope[any]
		var ok bool
		select {
		case env, ok = <-src:
		case <-loopCtx.Done():
		}
		if loopCtx.Err() != nil {
			tracker.Release()
			break
		}
		if !ok {
			tracker.Release()
			completed = true
			break
		}

		off := offset.None
		if resumable && !env.Offset.IsNone() {
			seen, err := committedBefore(stored, env.Offset)
			if err != nil {
				tracker.Release()
				fail(err)
				break
			}
			if seen {
				env.Commit()
				tracker.Release()
				continue
			}
			if err := checkIncreasing(last, env.Offset); err != nil {
				tracker.Release()
				fail(&errspkg.HandlerFault{Binding: name, Partition: part, Err: err})
				break
			}
			last = env.Offset
			off = env.Offset
		}

		payload, err := desc.Encode(env.Message)
		if err != nil {
			tracker.Release()
			fail(&errspkg.HandlerFault{Binding: name, Partition: part, Err: fmt.Errorf("encode: %w", err)})
			break
		}

		if limiter != nil {
			if err := limiter.Wait(loopCtx); err != nil {
				tracker.Release()
				break
			}
		}

		ticket := tracker.Track(off, env.Commit)
		rec := transport.Record{Payload: payload, Metadata: codecHeader, Offset: off}
		spanCtx, span := tracer.Start(loopCtx, "flowbind.publish", trace.WithAttributes(
			attribute.String("flowbind.binding", name),
			attribute.String("flowbind.topic", desc.Topic),
			attribute.Int("flowbind.partition", part),
			attribute.String("flowbind.offset", off.Text()),
		))
		err = producer.Send(context.WithoutCancel(spanCtx), rec, func(err error) {
			if err != nil {
				fail(errspkg.NewTransportError("confirm", desc.Topic, err))
				return
			}
			ticket.Commit()
		})
		span.End()
		if err != nil {
			ticket.Abandon()
			fail(errspkg.NewTransportError("send", desc.Topic, err))
			break
		}
		s.healthy(p)
	}

	// Confirmations of writes already handed to the transport are still
	// awaited, both on drain and on completion.
	if completed || p.stopping() {
		waitCtx := loopCtx
		if p.stopping() {
			waitCtx = p.hardCtx
		}
		if err := tracker.Wait(waitCtx); err != nil {
			s.log.Info("Abandoning unconfirmed writes", s.fields(p))
		}
		if cause := context.Cause(loopCtx); !p.stopping() && cause != nil {
			return cause
		}
		if completed {
			return errCompleted
		}
		return nil
	}
	return context.Cause(loopCtx)
}

func checkIncreasing(last, next offset.Offset) error {
	if last.IsNone() {
		return nil
	}
	ord, err := offset.Compare(next, last)
	if err != nil {
		return err
	}
	if ord != offset.Greater {
		return fmt.Errorf("offsets must increase: %s after %s", next, last)
	}
	return nil
}

func openSource(ctx context.Context, desc binding.Descriptor, inv binding.Invocation) (src <-chan envelope.Envelope[any], err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return desc.OpenSource(ctx, inv)
}
