package supervisor

import (
	"context"
	"fmt"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/flowbind/internal/runtime/binding"
	"github.com/drblury/flowbind/internal/runtime/envelope"
	"github.com/drblury/flowbind/internal/runtime/offset"
	"github.com/drblury/flowbind/internal/runtime/offsetstore"
	"github.com/drblury/flowbind/internal/runtime/transport"
	"github.com/drblury/flowbind/internal/runtime/transport/transporttest"
	"github.com/drblury/flowbind/transport/channel"
)

// The channel transport replays a topic from one goroutine per message, so a
// subscriber may see 3 before 1.
func TestChannelTransportStoreNeverPassesUncommitted(t *testing.T) {
	ctx := context.Background()
	backend, err := channel.Build(ctx, nil, watermill.NopLogger{})
	require.NoError(t, err)
	tr := transport.NewWatermill(backend, channel.Capabilities(), nil)
	t.Cleanup(func() { _ = tr.Close() })

	producer, err := tr.OpenProducer(ctx, "orders", binding.NoPartition)
	require.NoError(t, err)
	for seq := int64(1); seq <= 3; seq++ {
		rec := transport.Record{Payload: []byte(fmt.Sprintf(`{"id":%d}`, seq)), Offset: offset.Sequence(seq)}
		require.NoError(t, producer.Send(ctx, rec, nil))
	}

	held := make(chan envelope.Envelope[order], 3)
	desc := describe(t, binding.EnvelopeSubscriber[order]("orders", func(ctx context.Context, in <-chan envelope.Envelope[order]) error {
		for env := range in {
			held <- env
		}
		return nil
	}).Named("b"))[0]

	store := offsetstore.NewMemory()
	sup, err := New(testConfig(), Dependencies{Transport: tr, Store: store, Sleep: noSleep})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sup.StopAll(context.Background()) })
	require.Equal(t, testConfig().Window, sup.ConsumerWindow())

	_, err = sup.Start(desc, binding.NoPartition)
	require.NoError(t, err)

	// all three are held at once, whatever order they came in
	var first envelope.Envelope[order]
	for range 3 {
		env := recv(t, held)
		if env.Offset == offset.Sequence(1) {
			first = env
			continue
		}
		env.Commit()
	}
	require.Equal(t, offset.Sequence(1), first.Offset)

	off, err := store.Load(ctx, storeKey("orders"))
	require.NoError(t, err)
	assert.True(t, off.IsNone(), "stored %s while 1 is uncommitted", off)

	first.Commit()
	off, err = store.Load(ctx, storeKey("orders"))
	require.NoError(t, err)
	assert.Equal(t, offset.Sequence(3), off)
}

func TestSerialAckTransportGetsWindowOfOne(t *testing.T) {
	broker := transporttest.NewBroker()
	broker.Caps.ConcurrentAck = false
	sup, err := New(testConfig(), Dependencies{Transport: broker, Store: offsetstore.NewMemory()})
	require.NoError(t, err)
	assert.Equal(t, 1, sup.ConsumerWindow())
	assert.Equal(t, 4, sup.Config().Window)
}
