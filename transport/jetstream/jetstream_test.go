package jetstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/flowbind/transport"
	"github.com/drblury/flowbind/transport/transporttest"
)

func TestRegister(t *testing.T) {
	Register()
	caps := transport.GetCapabilities(TransportName)
	assert.True(t, caps.SupportsAtLeastOnce())
	assert.True(t, caps.SupportsResumption())
	assert.True(t, caps.ConcurrentAck)
	assert.Equal(t, transport.JetStreamCapabilities, Capabilities())
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultStreamName, cfg.StreamName)
	assert.Equal(t, DefaultMaxDeliver, cfg.MaxDeliver)
	assert.Equal(t, DefaultAckWait, cfg.AckWait)
	assert.Equal(t, 1, cfg.Replicas)

	custom := Config{StreamName: "ORDERS", MaxDeliver: 2, AckWait: time.Second, Replicas: 3}.withDefaults()
	assert.Equal(t, "ORDERS", custom.StreamName)
	assert.Equal(t, 2, custom.MaxDeliver)
	assert.Equal(t, time.Second, custom.AckWait)
	assert.Equal(t, 3, custom.Replicas)
}

func TestConsumerName(t *testing.T) {
	assert.Equal(t, "orders_p3", ConsumerName("", "orders.p3"))
	assert.Equal(t, "shop_orders_audit_orders_p0", ConsumerName("shop.orders.audit", "orders.p0"))
	assert.Equal(t, "a_b_c_d", ConsumerName("", "a*b>c d"))
}

func TestSequenceOf(t *testing.T) {
	msg := message.NewMessage("1", nil)
	_, ok := SequenceOf(msg)
	assert.False(t, ok)

	msg.Metadata.Set(MetadataStreamSequence, "42")
	seq, ok := SequenceOf(msg)
	require.True(t, ok)
	assert.Equal(t, int64(42), seq)

	msg.Metadata.Set(MetadataStreamSequence, "x")
	_, ok = SequenceOf(msg)
	assert.False(t, ok)
}

func TestToWatermillCopiesHeaders(t *testing.T) {
	natsMsg := &nats.Msg{
		Subject: "FLOWBIND.orders",
		Data:    []byte(`{"id":1}`),
		Header:  nats.Header{},
	}
	natsMsg.Header.Set(headerMessageUUID, "msg-1")
	natsMsg.Header.Set("flowbind_offset", "seq:7")

	msg := toWatermill(natsMsg)
	assert.Equal(t, "msg-1", msg.UUID)
	assert.Equal(t, []byte(`{"id":1}`), []byte(msg.Payload))
	assert.Equal(t, "seq:7", msg.Metadata.Get("flowbind_offset"))
	assert.Empty(t, msg.Metadata.Get(headerMessageUUID))

	// Plain core messages carry no JetStream metadata.
	_, ok := SequenceOf(msg)
	assert.False(t, ok)
}

func TestToWatermillGeneratesUUID(t *testing.T) {
	msg := toWatermill(&nats.Msg{Subject: "FLOWBIND.orders", Header: nats.Header{}})
	assert.NotEmpty(t, msg.UUID)
}

func TestBuildConnectError(t *testing.T) {
	original := Connect
	defer func() { Connect = original }()

	var gotURL string
	Connect = func(url string) (*nats.Conn, error) {
		gotURL = url
		return nil, errors.New("no servers")
	}

	_, err := Build(context.Background(), &transporttest.Config{NATSURL: "nats://js:4222"}, watermill.NopLogger{})
	require.Error(t, err)
	assert.ErrorContains(t, err, "no servers")
	assert.Equal(t, "nats://js:4222", gotURL)
}

func TestSettleStopsWithSubscriber(t *testing.T) {
	s := &Subscriber{t: &Transport{logger: watermill.NopLogger{}}, done: make(chan struct{})}
	msg := message.NewMessage("1", nil)

	settled := make(chan struct{})
	go func() {
		s.settle(context.Background(), &nats.Msg{Subject: "FLOWBIND.orders"}, msg, nil)
		close(settled)
	}()

	select {
	case <-settled:
		t.Fatal("settled before the message was acknowledged")
	case <-time.After(20 * time.Millisecond):
	}
	close(s.done)
	select {
	case <-settled:
	case <-time.After(time.Second):
		t.Fatal("settle kept waiting after the subscriber closed")
	}
}
