// Package jetstream provides a durable NATS JetStream transport. Unlike NATS
// Core it acknowledges, replays and numbers messages, so every flowbind
// delivery mode is available on it.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/flowbind/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	// DefaultStreamName is the stream holding every flowbind subject.
	DefaultStreamName = "FLOWBIND"

	// DefaultMaxDeliver is the default max delivery attempts.
	DefaultMaxDeliver = 10

	// DefaultAckWait is the default ack wait timeout.
	DefaultAckWait = 30 * time.Second

	// MetadataStreamSequence carries the JetStream stream sequence of a
	// consumed message.
	MetadataStreamSequence = "flowbind_stream_seq"

	headerMessageUUID = "Flowbind-Message-Uuid"
	fetchBatch        = 16
)

var errClosed = errors.New("jetstream: transport is closed")

// Connect allows overriding the NATS connection for testing.
var Connect = func(url string) (*nats.Conn, error) {
	return nats.Connect(url)
}

// Register adds the JetStream transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.JetStreamCapabilities)
}

func init() {
	Register()
}

// Build connects to NATSURL and ensures the stream exists. Each consumer group
// gets its own durable consumer per subject.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(Config{URL: cfg.GetNATSURL()}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{
		Publisher:  t,
		Subscriber: t.Group(""),
		SubscriberFor: func(group string) (message.Subscriber, error) {
			return t.Group(group), nil
		},
		SequenceOf: SequenceOf,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.JetStreamCapabilities
}

// SequenceOf reads the stream sequence stamped on consumed messages.
func SequenceOf(msg *message.Message) (int64, bool) {
	raw := msg.Metadata.Get(MetadataStreamSequence)
	if raw == "" {
		return 0, false
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// Config holds JetStream-specific configuration.
type Config struct {
	URL string

	// StreamName defaults to DefaultStreamName.
	StreamName string

	MaxDeliver int
	AckWait    time.Duration

	// Replicas is the number of stream replicas (for clustering).
	Replicas int

	// MaxAge bounds how long the stream keeps messages. Zero keeps them
	// until the stream limits are reached.
	MaxAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

// Transport publishes to JetStream and hands out group subscribers.
type Transport struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter

	mu      sync.Mutex
	closed  bool
	closing chan struct{}
}

// New connects and ensures the stream exists.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	nc, err := Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("jetstream: connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: context: %w", err)
	}

	t := &Transport{nc: nc, js: js, config: cfg, logger: logger, closing: make(chan struct{})}
	if err := t.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return t, nil
}

func (t *Transport) ensureStream() error {
	streamCfg := &nats.StreamConfig{
		Name:      t.config.StreamName,
		Subjects:  []string{t.config.StreamName + ".>"},
		MaxAge:    t.config.MaxAge,
		Replicas:  t.config.Replicas,
		Retention: nats.LimitsPolicy,
	}
	if _, err := t.js.AddStream(streamCfg); err != nil {
		if _, err := t.js.UpdateStream(streamCfg); err != nil {
			return fmt.Errorf("jetstream: ensure stream %s: %w", t.config.StreamName, err)
		}
	}
	return nil
}

// Subject maps a physical topic to its JetStream subject.
func (t *Transport) Subject(topic string) string {
	return t.config.StreamName + "." + topic
}

// Publish writes messages synchronously; it returns once JetStream stored them.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return errClosed
	}
	subject := t.Subject(topic)
	for _, msg := range messages {
		header := nats.Header{}
		for k, v := range msg.Metadata {
			header.Set(k, v)
		}
		header.Set(headerMessageUUID, msg.UUID)
		if _, err := t.js.PublishMsg(&nats.Msg{Subject: subject, Data: msg.Payload, Header: header}); err != nil {
			return fmt.Errorf("jetstream: publish %s: %w", subject, err)
		}
	}
	return nil
}

// Group returns a subscriber whose durable consumers are named after group.
// Closing it leaves the durable consumers in place so progress survives.
func (t *Transport) Group(group string) *Subscriber {
	return &Subscriber{t: t, group: group, done: make(chan struct{})}
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close drains the connection. Group subscribers stop with it.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closing)
	t.mu.Unlock()

	t.nc.Close()
	return nil
}

// Subscriber pulls from one durable consumer per subscribed topic.
type Subscriber struct {
	t     *Transport
	group string

	mu     sync.Mutex
	subs   []*nats.Subscription
	closed bool
	done   chan struct{}
}

// ConsumerName derives a durable consumer name. JetStream forbids dots,
// wildcards and whitespace in it.
func ConsumerName(group, topic string) string {
	name := topic
	if group != "" {
		name = group + "_" + topic
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n':
			return '_'
		}
		return r
	}, name)
}

func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.t.isClosed() {
		return nil, errClosed
	}

	subject := s.t.Subject(topic)
	durable := ConsumerName(s.group, topic)
	consumerCfg := &nats.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    s.t.config.MaxDeliver,
		AckWait:       s.t.config.AckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
	}
	if _, err := s.t.js.AddConsumer(s.t.config.StreamName, consumerCfg); err != nil {
		if _, err := s.t.js.UpdateConsumer(s.t.config.StreamName, consumerCfg); err != nil {
			return nil, fmt.Errorf("jetstream: consumer %s: %w", durable, err)
		}
	}

	sub, err := s.t.js.PullSubscribe(subject, durable, nats.Bind(s.t.config.StreamName, durable))
	if err != nil {
		return nil, fmt.Errorf("jetstream: subscribe %s: %w", subject, err)
	}
	s.subs = append(s.subs, sub)

	out := make(chan *message.Message)
	go s.fetch(ctx, sub, out, topic)
	return out, nil
}

func (s *Subscriber) fetch(ctx context.Context, sub *nats.Subscription, out chan<- *message.Message, topic string) {
	defer close(out)
	fields := watermill.LogFields{"topic": topic, "group": s.group}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.t.closing:
			return
		default:
		}

		msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				return
			}
			s.t.logger.Error("Failed to fetch messages", err, fields)
			continue
		}

		for _, natsMsg := range msgs {
			msg := toWatermill(natsMsg)
			select {
			case out <- msg:
			case <-ctx.Done():
				_ = natsMsg.Nak()
				return
			case <-s.done:
				_ = natsMsg.Nak()
				return
			}
			// JetStream takes acks in any order, so the next message goes out
			// while this one is still held.
			go s.settle(ctx, natsMsg, msg, fields)
		}
	}
}

// settle forwards the outcome of msg to JetStream. Messages left unsettled are
// redelivered after AckWait.
func (s *Subscriber) settle(ctx context.Context, natsMsg *nats.Msg, msg *message.Message, fields watermill.LogFields) {
	select {
	case <-msg.Acked():
		if err := natsMsg.Ack(); err != nil {
			s.t.logger.Error("Failed to ack", err, fields)
		}
	case <-msg.Nacked():
		if err := natsMsg.Nak(); err != nil {
			s.t.logger.Error("Failed to nak", err, fields)
		}
	case <-ctx.Done():
	case <-s.done:
	}
}

func toWatermill(natsMsg *nats.Msg) *message.Message {
	uuid := natsMsg.Header.Get(headerMessageUUID)
	if uuid == "" {
		uuid = watermill.NewULID()
	}
	msg := message.NewMessage(uuid, natsMsg.Data)
	for k, v := range natsMsg.Header {
		if k == headerMessageUUID || len(v) == 0 {
			continue
		}
		msg.Metadata.Set(k, v[0])
	}
	if meta, err := natsMsg.Metadata(); err == nil {
		msg.Metadata.Set(MetadataStreamSequence, strconv.FormatUint(meta.Sequence.Stream, 10))
	}
	return msg
}

// Close stops the fetch loops of this group. Durable consumers are kept.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	var errs []error
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			errs = append(errs, err)
		}
	}
	s.subs = nil
	return errors.Join(errs...)
}
