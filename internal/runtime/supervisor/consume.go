package supervisor

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/flowbind/internal/runtime/ack"
	"github.com/drblury/flowbind/internal/runtime/binding"
	"github.com/drblury/flowbind/internal/runtime/envelope"
	errspkg "github.com/drblury/flowbind/internal/runtime/errors"
	"github.com/drblury/flowbind/internal/runtime/offset"
	"github.com/drblury/flowbind/internal/runtime/offsetstore"
	"github.com/drblury/flowbind/internal/runtime/transport"
)

const tracerName = "github.com/drblury/flowbind"

var errSurplusDone = errors.New("flowbind: processor acknowledged more elements than it received")

// consume runs one subscriber run. The handler sees elements through an
// unbuffered channel; the tracker window stalls the broker pull when the
// handler holds too many uncommitted elements.
func (s *Supervisor) consume(p *pipeline) error {
	desc := p.desc
	part := p.key.Partition
	group := desc.QualifiedName()
	storeKey := offsetstore.Key{Group: group, Topic: desc.Topic, Partition: part}

	stored, err := s.store.Load(p.hardCtx, storeKey)
	if err != nil {
		return errspkg.NewTransportError("load offset", desc.Topic, err)
	}

	consumer, err := s.transport.OpenConsumer(p.hardCtx, group, desc.Topic, part)
	if err != nil {
		return errspkg.NewTransportError("open consumer", desc.Topic, err)
	}
	defer consumer.Close()

	pullCtx, fail := context.WithCancelCause(p.drainCtx)
	defer fail(nil)

	saveCtx := context.WithoutCancel(p.hardCtx)
	tracker := ack.NewTracker(s.ConsumerWindow(), func(off offset.Offset) error {
		if err := s.store.Save(saveCtx, storeKey, off); err != nil {
			err = errspkg.NewTransportError("save offset", desc.Topic, err)
			fail(err)
			return err
		}
		s.metrics.committed(p.key)
		return nil
	})
	p.attach(tracker)

	handlerCtx, cancelHandler := context.WithCancel(p.hardCtx)
	defer cancelHandler()

	in := make(chan envelope.Envelope[any])
	var queue ack.Queue
	handlerDone := make(chan struct{})
	inv := desc.Invocation(part, stored)
	go func() {
		defer close(handlerDone)
		var err error
		if desc.Mode == binding.AckImplicit {
			err = s.process(handlerCtx, p, inv, in, &queue)
		} else {
			err = runSink(handlerCtx, desc, inv, in)
		}
		if err == nil || errors.Is(err, context.Canceled) {
			err = errspkg.ErrHandlerStopped
		}
		fail(&errspkg.HandlerFault{Binding: group, Partition: part, Err: err})
	}()

	s.enter(p, Running)

	ordered := s.transport.Capabilities().SupportsOrdering
	tracer := otel.Tracer(tracerName)
	records := consumer.Records()

pull:
	for {
		s.metrics.setInFlight(p.key, tracker.InFlight())
		if err := tracker.Acquire(pullCtx); err != nil {
			break
		}

		var rec envelope.Envelope[transport.Record]
		select {
		case r, ok := <-records:
			if !ok {
				tracker.Release()
				err := consumer.Err()
				if err == nil {
					err = errspkg.ErrStreamClosed
				}
				fail(errspkg.NewTransportError("consume", desc.Topic, err))
				break pull
			}
			rec = r
		case <-pullCtx.Done():
			tracker.Release()
			break pull
		}

		if ordered {
			seen, err := committedBefore(stored, rec.Offset)
			if err != nil {
				tracker.Release()
				fail(err)
				break
			}
			if seen {
				rec.Commit()
				tracker.Release()
				continue
			}
		}

		msg, err := desc.Decode(rec.Message.Payload)
		if err != nil {
			tracker.Release()
			fail(&errspkg.HandlerFault{Binding: group, Partition: part, Err: fmt.Errorf("decode %s: %w", rec.Offset, err)})
			break
		}

		ticket := tracker.Track(rec.Offset, rec.Commit)
		env := envelope.WithOffset[any](msg, rec.Offset)
		switch desc.Mode {
		case binding.AckImplicit:
			queue.Push(ticket)
		case binding.AckExplicit:
			env = env.WithCommit(ticket.Commit)
		}

		_, span := tracer.Start(pullCtx, "flowbind.deliver", trace.WithAttributes(
			attribute.String("flowbind.binding", group),
			attribute.String("flowbind.topic", desc.Topic),
			attribute.Int("flowbind.partition", part),
			attribute.String("flowbind.offset", rec.Offset.Text()),
			attribute.String("message.uuid", rec.Message.UUID),
		))
		select {
		case in <- env:
			span.End()
			if desc.Mode == binding.AckAtMostOnce {
				// handed over counts as consumed
				ticket.Commit()
			}
			s.healthy(p)
		case <-pullCtx.Done():
			span.End()
			ticket.Abandon()
			break pull
		}
	}

	if !p.stopping() {
		cancelHandler()
		<-handlerDone
		return context.Cause(pullCtx)
	}

	// Draining: no more pulls. The handler sees end of input and gets until
	// the grace deadline to commit what it holds.
	close(in)
	select {
	case <-handlerDone:
	case <-p.hardCtx.Done():
	}
	if err := tracker.Wait(p.hardCtx); err != nil {
		s.log.Info("Abandoning uncommitted elements", s.fields(p))
	}
	return nil
}

// committedBefore reports whether off is at or below the stored position.
func committedBefore(stored, off offset.Offset) (bool, error) {
	if stored.IsNone() || off.IsNone() {
		return false, nil
	}
	ord, err := offset.Compare(off, stored)
	if err != nil {
		return false, err
	}
	return ord != offset.Greater, nil
}

func runSink(ctx context.Context, desc binding.Descriptor, inv binding.Invocation, in <-chan envelope.Envelope[any]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return desc.RunSink(ctx, inv, in)
}

// process runs a processor and commits the oldest outstanding delivery for
// every Done it emits.
func (s *Supervisor) process(ctx context.Context, p *pipeline, inv binding.Invocation, in <-chan envelope.Envelope[any], queue *ack.Queue) error {
	done, err := openProcessor(ctx, p.desc, inv, in)
	if err != nil {
		return err
	}
	for {
		select {
		case _, ok := <-done:
			if !ok {
				return errspkg.ErrHandlerStopped
			}
			ticket, ok := queue.Pop()
			if !ok {
				return errSurplusDone
			}
			ticket.Commit()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func openProcessor(ctx context.Context, desc binding.Descriptor, inv binding.Invocation, in <-chan envelope.Envelope[any]) (done <-chan binding.Done, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	done = desc.RunProcessor(ctx, inv, in)
	if done == nil {
		return nil, errors.New("flowbind: processor returned no acknowledgement stream")
	}
	return done, nil
}
