package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/flowbind/internal/runtime/envelope"
	errspkg "github.com/drblury/flowbind/internal/runtime/errors"
	"github.com/drblury/flowbind/internal/runtime/ids"
	"github.com/drblury/flowbind/internal/runtime/logging"
	"github.com/drblury/flowbind/internal/runtime/metadata"
	"github.com/drblury/flowbind/internal/runtime/offset"
	pubtransport "github.com/drblury/flowbind/transport"
)

var errClosed = errors.New("flowbind: transport closed")

// Watermill adapts a watermill publisher/subscriber pair.
//
// Partitions map to physical topics through the transport's TopicName. The
// offset of a consumed record comes from the offset header stamped by the
// producer, falling back to the broker sequence when the backend has one.
type Watermill struct {
	t    pubtransport.Transport
	caps pubtransport.Capabilities
	log  logging.ServiceLogger

	mu     sync.Mutex
	groups map[string]message.Subscriber
	closed bool
}

// NewWatermill wraps t. caps describes the backend.
func NewWatermill(t pubtransport.Transport, caps pubtransport.Capabilities, log logging.ServiceLogger) *Watermill {
	return &Watermill{
		t:      t,
		caps:   caps,
		log:    logging.OrNop(log),
		groups: make(map[string]message.Subscriber),
	}
}

func (w *Watermill) Capabilities() pubtransport.Capabilities { return w.caps }

func (w *Watermill) subscriber(group string) (message.Subscriber, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, errClosed
	}
	if w.t.SubscriberFor == nil || group == "" {
		return w.t.Subscriber, nil
	}
	if sub, ok := w.groups[group]; ok {
		return sub, nil
	}
	sub, err := w.t.SubscriberFor(group)
	if err != nil {
		return nil, err
	}
	w.groups[group] = sub
	return sub, nil
}

func (w *Watermill) OpenConsumer(ctx context.Context, group, topic string, partition int) (Consumer, error) {
	physical := w.t.PhysicalTopic(topic, partition)
	sub, err := w.subscriber(group)
	if err != nil {
		return nil, errspkg.NewTransportError("subscribe", physical, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	msgs, err := sub.Subscribe(subCtx, physical)
	if err != nil {
		cancel()
		return nil, errspkg.NewTransportError("subscribe", physical, err)
	}

	c := &watermillConsumer{
		topic:      physical,
		sequenceOf: w.t.SequenceOf,
		out:        make(chan envelope.Envelope[Record]),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go c.pump(subCtx, msgs)

	w.log.Debug("Consumer opened", logging.LogFields{logging.FieldTopic: physical, "group": group})
	return c, nil
}

func (w *Watermill) OpenProducer(ctx context.Context, topic string, partition int) (Producer, error) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	physical := w.t.PhysicalTopic(topic, partition)
	if closed {
		return nil, errspkg.NewTransportError("publish", physical, errClosed)
	}
	return &watermillProducer{pub: w.t.Publisher, topic: physical, partition: partition}, nil
}

// Close closes the publisher and every subscriber.
func (w *Watermill) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	groups := w.groups
	w.groups = nil
	w.mu.Unlock()

	var errs []error
	for _, sub := range groups {
		errs = append(errs, sub.Close())
	}
	errs = append(errs, w.t.Publisher.Close())
	if any(w.t.Subscriber) != any(w.t.Publisher) {
		errs = append(errs, w.t.Subscriber.Close())
	}
	return errors.Join(errs...)
}

type watermillConsumer struct {
	topic      string
	sequenceOf func(*message.Message) (int64, bool)
	out        chan envelope.Envelope[Record]
	cancel     context.CancelFunc
	done       chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

func (c *watermillConsumer) pump(ctx context.Context, msgs <-chan *message.Message) {
	defer close(c.done)
	defer close(c.out)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				c.fail(errspkg.NewTransportError("consume", c.topic, errspkg.ErrStreamClosed))
				return
			}
			rec := c.record(msg)
			env := envelope.WithOffset(rec, rec.Offset).WithCommit(func() { msg.Ack() })
			select {
			case c.out <- env:
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}
}

func (c *watermillConsumer) record(msg *message.Message) Record {
	md := metadata.FromWatermill(msg.Metadata)
	return Record{UUID: msg.UUID, Payload: msg.Payload, Metadata: md, Offset: c.offsetOf(msg, md)}
}

func (c *watermillConsumer) offsetOf(msg *message.Message, md metadata.Metadata) offset.Offset {
	if off, ok := md.Offset(); ok {
		return off
	}
	if c.sequenceOf != nil {
		if seq, ok := c.sequenceOf(msg); ok {
			return offset.Sequence(seq)
		}
	}
	return offset.None
}

func (c *watermillConsumer) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.err = err
	}
}

func (c *watermillConsumer) Records() <-chan envelope.Envelope[Record] { return c.out }

func (c *watermillConsumer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *watermillConsumer) Close() error {
	c.mu.Lock()
	c.closed = true
	c.err = nil
	c.mu.Unlock()

	c.cancel()
	<-c.done
	return nil
}

type watermillProducer struct {
	pub       message.Publisher
	topic     string
	partition int
}

// Send publishes synchronously; watermill publishers return once the broker
// accepted the message, so confirm runs before Send returns.
func (p *watermillProducer) Send(ctx context.Context, rec Record, confirm func(error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	uuid := rec.UUID
	if uuid == "" {
		uuid = ids.CreateULID()
	}
	md := rec.Metadata.WithOffset(rec.Offset).WithPartition(p.partition)

	msg := message.NewMessage(uuid, rec.Payload)
	msg.Metadata = metadata.ToWatermill(md)
	msg.SetContext(ctx)

	if err := p.pub.Publish(p.topic, msg); err != nil {
		return errspkg.NewTransportError("publish", p.topic, err)
	}
	if confirm != nil {
		confirm(nil)
	}
	return nil
}

func (p *watermillProducer) Close() error { return nil }
