// Package transporttest provides an in-memory broker for runtime tests.
//
// The fake keeps an append-only log per (topic, partition) and an ack cursor
// per consumer group, so a reopened consumer resumes at the first record that
// was never acknowledged, the way a broker redelivers after a crash.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/drblury/flowbind/internal/runtime/envelope"
	errspkg "github.com/drblury/flowbind/internal/runtime/errors"
	"github.com/drblury/flowbind/internal/runtime/metadata"
	"github.com/drblury/flowbind/internal/runtime/offset"
	"github.com/drblury/flowbind/internal/runtime/transport"
	pubtransport "github.com/drblury/flowbind/transport"
)

// ErrInjected is returned by scripted failures unless another error is given.
var ErrInjected = errors.New("transporttest: injected failure")

type stream struct {
	topic     string
	partition int
}

type cursor struct {
	group string
	stream
}

// Broker is a scripted in-memory Transport.
type Broker struct {
	Caps pubtransport.Capabilities

	mu        sync.Mutex
	logs      map[stream][]transport.Record
	acked     map[cursor]map[int]bool
	consumers []*consumer
	opens     map[stream]int
	sends     int

	failOpen int
	openErr  error
	failSend int
	sendErr  error

	manual   bool
	pending  []func(error)
	changed  chan struct{}
	closed   bool
	closeErr error
}

// NewBroker returns a broker advertising ack, ordering, replay and concurrent
// acknowledgement.
func NewBroker() *Broker {
	return &Broker{
		Caps: pubtransport.Capabilities{
			Name:             "fake",
			SupportsAck:      true,
			SupportsOrdering: true,
			SupportsReplay:   true,
			ConcurrentAck:    true,
		},
		logs:    make(map[stream][]transport.Record),
		acked:   make(map[cursor]map[int]bool),
		opens:   make(map[stream]int),
		changed: make(chan struct{}),
	}
}

var _ transport.Transport = (*Broker)(nil)

// FailOpens makes the next n OpenConsumer/OpenProducer calls fail with err.
func (b *Broker) FailOpens(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failOpen = n
	b.openErr = orInjected(err)
}

// FailSends makes the next n sends fail with err.
func (b *Broker) FailSends(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failSend = n
	b.sendErr = orInjected(err)
}

// ManualConfirm holds write confirmations until Confirm is called.
func (b *Broker) ManualConfirm(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.manual = on
}

// Confirm releases held confirmations with err.
func (b *Broker) Confirm(err error) int {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()
	for _, fn := range pending {
		fn(err)
	}
	return len(pending)
}

// Pending counts held confirmations.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Append seeds the log of (topic, partition) with raw payloads at the given
// sequence offsets.
func (b *Broker) Append(topic string, partition int, first int64, payloads ...[]byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := stream{topic, partition}
	for i, payload := range payloads {
		off := offset.Sequence(first + int64(i))
		b.logs[key] = append(b.logs[key], transport.Record{
			UUID:     fmt.Sprintf("%s-%d-%d", topic, partition, first+int64(i)),
			Payload:  payload,
			Metadata: metadata.New().WithOffset(off),
			Offset:   off,
		})
	}
	b.notify()
}

// Records returns the log of (topic, partition).
func (b *Broker) Records(topic string, partition int) []transport.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]transport.Record(nil), b.logs[stream{topic, partition}]...)
}

// Acked reports which log indexes group acknowledged.
func (b *Broker) Acked(group, topic string, partition int) []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []int
	log := b.logs[stream{topic, partition}]
	acked := b.acked[cursor{group, stream{topic, partition}}]
	for i := range log {
		if acked[i] {
			out = append(out, i)
		}
	}
	return out
}

// Opens counts OpenConsumer calls for (topic, partition), failed ones included.
func (b *Broker) Opens(topic string, partition int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens[stream{topic, partition}]
}

// Sends counts Send calls, failed ones included.
func (b *Broker) Sends() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sends
}

// Break closes every open consumer stream with err.
func (b *Broker) Break(err error) {
	b.mu.Lock()
	consumers := b.consumers
	b.consumers = nil
	b.mu.Unlock()
	for _, c := range consumers {
		c.fail(errspkg.NewTransportError("consume", c.key.topic, orInjected(err)))
	}
}

// Closed reports whether Close was called.
func (b *Broker) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Broker) Capabilities() pubtransport.Capabilities { return b.Caps }

func (b *Broker) OpenConsumer(ctx context.Context, group, topic string, partition int) (transport.Consumer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := stream{topic, partition}
	b.opens[key]++
	if err := b.scriptedOpenErr(); err != nil {
		return nil, errspkg.NewTransportError("open consumer", topic, err)
	}

	c := &consumer{
		broker: b,
		group:  group,
		key:    key,
		out:    make(chan envelope.Envelope[transport.Record]),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	b.consumers = append(b.consumers, c)
	go c.pump(ctx)
	return c, nil
}

func (b *Broker) OpenProducer(ctx context.Context, topic string, partition int) (transport.Producer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.scriptedOpenErr(); err != nil {
		return nil, errspkg.NewTransportError("open producer", topic, err)
	}
	return &producer{broker: b, key: stream{topic, partition}}, nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.Break(errspkg.ErrStreamClosed)
	return b.closeErr
}

func (b *Broker) scriptedOpenErr() error {
	if b.closed {
		return errspkg.ErrStreamClosed
	}
	if b.failOpen > 0 {
		b.failOpen--
		return b.openErr
	}
	return nil
}

func (b *Broker) notify() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// next returns the first record at or after from that group has not acked.
func (b *Broker) next(c *consumer, from int) (transport.Record, int, <-chan struct{}, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	log := b.logs[c.key]
	acked := b.acked[cursor{c.group, c.key}]
	for i := from; i < len(log); i++ {
		if !acked[i] {
			return log[i], i, nil, true
		}
	}
	return transport.Record{}, 0, b.changed, false
}

func (b *Broker) ack(c *consumer, index int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := cursor{c.group, c.key}
	if b.acked[key] == nil {
		b.acked[key] = make(map[int]bool)
	}
	b.acked[key][index] = true
}

type consumer struct {
	broker *Broker
	group  string
	key    stream
	out    chan envelope.Envelope[transport.Record]
	stop   chan struct{}
	done   chan struct{}

	mu   sync.Mutex
	err  error
	once sync.Once
}

func (c *consumer) pump(ctx context.Context) {
	defer close(c.done)
	defer close(c.out)

	pos := 0
	for {
		rec, index, wait, ok := c.broker.next(c, pos)
		if !ok {
			select {
			case <-wait:
				continue
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			}
		}
		env := envelope.WithOffset(rec, rec.Offset).WithCommit(func() { c.broker.ack(c, index) })
		select {
		case c.out <- env:
			pos = index + 1
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *consumer) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.once.Do(func() { close(c.stop) })
}

func (c *consumer) Records() <-chan envelope.Envelope[transport.Record] { return c.out }

func (c *consumer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *consumer) Close() error {
	c.once.Do(func() { close(c.stop) })
	<-c.done
	c.mu.Lock()
	c.err = nil
	c.mu.Unlock()
	return nil
}

type producer struct {
	broker *Broker
	key    stream
}

func (p *producer) Send(ctx context.Context, rec transport.Record, confirm func(error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := p.broker
	b.mu.Lock()
	b.sends++
	if b.failSend > 0 {
		b.failSend--
		err := b.sendErr
		b.mu.Unlock()
		return errspkg.NewTransportError("send", p.key.topic, err)
	}
	log := b.logs[p.key]
	if rec.Offset.IsNone() {
		rec.Offset = offset.Sequence(int64(len(log)))
	}
	rec.Metadata = rec.Metadata.WithOffset(rec.Offset).WithPartition(p.key.partition)
	b.logs[p.key] = append(log, rec)
	b.notify()
	manual := b.manual
	if manual && confirm != nil {
		b.pending = append(b.pending, confirm)
	}
	b.mu.Unlock()

	if !manual && confirm != nil {
		confirm(nil)
	}
	return nil
}

func (p *producer) Close() error { return nil }

func orInjected(err error) error {
	if err == nil {
		return ErrInjected
	}
	return err
}
