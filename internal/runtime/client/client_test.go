package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/flowbind/internal/runtime/binding"
	"github.com/drblury/flowbind/internal/runtime/codec"
	"github.com/drblury/flowbind/internal/runtime/envelope"
	errspkg "github.com/drblury/flowbind/internal/runtime/errors"
	"github.com/drblury/flowbind/internal/runtime/metadata"
	"github.com/drblury/flowbind/internal/runtime/offset"
	"github.com/drblury/flowbind/internal/runtime/transport/transporttest"
)

type order struct {
	ID int `json:"id"`
}

func newFactory(t *testing.T) (*Factory, *transporttest.Broker) {
	t.Helper()
	broker := transporttest.NewBroker()
	f, err := NewFactory(broker, nil)
	require.NoError(t, err)
	return f, broker
}

func next[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
		var zero T
		return zero
	}
}

func TestNewFactoryRequiresTransport(t *testing.T) {
	_, err := NewFactory(nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrTransportRequired)

	_, err = NewPublisher[order](nil, "orders")
	assert.ErrorIs(t, err, errspkg.ErrTransportRequired)
}

func TestValidation(t *testing.T) {
	f, _ := newFactory(t)

	_, err := NewPublisher[order](f, " ")
	var bve *errspkg.BindingValidationError
	require.ErrorAs(t, err, &bve)
	assert.Equal(t, "topic must not be empty", bve.Rule)
	assert.ErrorIs(t, err, errspkg.ErrBindingValidation)

	_, err = NewSubscriber[order](f, "", Named(""), Partitioned(-1))
	var batch *errspkg.ValidationErrors
	require.ErrorAs(t, err, &batch)
	assert.Len(t, batch.Errors, 3)
	assert.ErrorIs(t, err, errspkg.ErrBindingValidation)
}

type declaringHandler struct{ decl *binding.Declaration }

func (h declaringHandler) Bindings() []*binding.Declaration { return []*binding.Declaration{h.decl} }
func (h declaringHandler) HandlerName() string              { return "client" }

func TestOptionsFollowBindingRules(t *testing.T) {
	f, _ := newFactory(t)
	sink := func(context.Context, <-chan order) error { return nil }

	cases := []struct {
		name string
		opts []Option
		decl *binding.Declaration
	}{
		{"negative count", []Option{Partitioned(-1)}, binding.Subscriber("orders", sink).Named("orders").Partitioned(-1).Params(binding.ParamPartition)},
		{"blank topic", nil, binding.Subscriber(" ", sink).Named("orders")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			topic := tc.decl.Topic()
			_, clientErr := NewSubscriber[order](f, topic, tc.opts...)
			var fromClient *errspkg.BindingValidationError
			require.ErrorAs(t, clientErr, &fromClient)

			_, bindErr := binding.NewRegistry().Register(declaringHandler{decl: tc.decl})
			var fromBinding *errspkg.BindingValidationError
			require.ErrorAs(t, bindErr, &fromBinding)
			assert.Equal(t, fromBinding.Rule, fromClient.Rule)
		})
	}
}

func TestPartitionBounds(t *testing.T) {
	f, _ := newFactory(t)
	ctx := context.Background()

	plain, err := NewPublisher[order](f, "orders")
	require.NoError(t, err)
	_, err = plain.Open(ctx, 0)
	assert.ErrorIs(t, err, errspkg.ErrPartitionOutOfRange)

	split, err := NewPublisher[order](f, "orders", Partitioned(4))
	require.NoError(t, err)
	_, err = split.Open(ctx, 4)
	assert.ErrorIs(t, err, errspkg.ErrPartitionOutOfRange)
	stream, err := split.Open(ctx, 3)
	require.NoError(t, err)
	require.NoError(t, stream.Close())

	external, err := NewSubscriber[order](f, "orders", Partitioned(0))
	require.NoError(t, err)
	_, err = external.Open(ctx, -2)
	assert.ErrorIs(t, err, errspkg.ErrPartitionOutOfRange)
	sub, err := external.Open(ctx, 17)
	require.NoError(t, err)
	require.NoError(t, sub.Close())
}

func TestPublishAndSubscribe(t *testing.T) {
	f, broker := newFactory(t)
	ctx := context.Background()

	sub, err := NewSubscriber[order](f, "orders", Named("audit"))
	require.NoError(t, err)
	subscription, err := sub.Open(ctx, binding.NoPartition)
	require.NoError(t, err)
	defer subscription.Close()

	pub, err := NewPublisher[order](f, "orders", Named("writer"))
	require.NoError(t, err)
	stream, err := pub.Open(ctx, binding.NoPartition)
	require.NoError(t, err)
	defer stream.Close()

	require.NoError(t, stream.Send(ctx, order{ID: 1}))
	require.NoError(t, stream.Send(ctx, order{ID: 2}))

	records := broker.Records("orders", binding.NoPartition)
	require.Len(t, records, 2)
	assert.Equal(t, "writer", records[0].Metadata[metadata.KeyBinding])
	assert.Equal(t, "json", records[0].Metadata[metadata.KeyCodec])

	first := next(t, subscription.Envelopes())
	assert.Equal(t, order{ID: 1}, first.Message)
	assert.Equal(t, offset.Sequence(0), first.Offset)
	first.Commit()
	assert.Equal(t, order{ID: 2}, next(t, subscription.Envelopes()).Message)

	assert.Eventually(t, func() bool {
		return len(broker.Acked("audit", "orders", binding.NoPartition)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSendWaitsForConfirm(t *testing.T) {
	f, broker := newFactory(t)
	broker.ManualConfirm(true)
	ctx := context.Background()

	pub, err := NewPublisher[order](f, "orders")
	require.NoError(t, err)
	stream, err := pub.Open(ctx, binding.NoPartition)
	require.NoError(t, err)

	sent := make(chan error, 1)
	go func() { sent <- stream.Send(ctx, order{ID: 1}) }()

	assert.Eventually(t, func() bool { return broker.Pending() == 1 }, time.Second, 5*time.Millisecond)
	select {
	case <-sent:
		t.Fatal("Send returned before the write was confirmed")
	default:
	}

	broker.Confirm(nil)
	assert.NoError(t, next(t, sent))
}

func TestConfirmFailureIsSticky(t *testing.T) {
	f, broker := newFactory(t)
	broker.ManualConfirm(true)
	ctx := context.Background()

	pub, err := NewPublisher[order](f, "orders")
	require.NoError(t, err)
	stream, err := pub.Open(ctx, binding.NoPartition)
	require.NoError(t, err)

	sent := make(chan error, 1)
	go func() { sent <- stream.Send(ctx, order{ID: 1}) }()
	assert.Eventually(t, func() bool { return broker.Pending() == 1 }, time.Second, 5*time.Millisecond)
	broker.Confirm(errors.New("rejected"))

	err = next(t, sent)
	assert.ErrorIs(t, err, errspkg.ErrTransport)
	assert.ErrorIs(t, stream.Send(ctx, order{ID: 2}), errspkg.ErrTransport)
	assert.ErrorContains(t, stream.Err(), "rejected")
}

func TestSendEnvelopeCommitsAfterConfirm(t *testing.T) {
	f, broker := newFactory(t)
	ctx := context.Background()

	pub, err := NewPublisher[order](f, "orders")
	require.NoError(t, err)
	stream, err := pub.Open(ctx, binding.NoPartition)
	require.NoError(t, err)

	committed := false
	env := envelope.WithOffset(order{ID: 9}, offset.Sequence(41)).WithCommit(func() { committed = true })
	require.NoError(t, stream.SendEnvelope(ctx, env))
	assert.True(t, committed)
	assert.Equal(t, offset.Sequence(41), broker.Records("orders", binding.NoPartition)[0].Offset)

	broker.FailSends(1, nil)
	committed = false
	env = envelope.WithOffset(order{ID: 10}, offset.Sequence(42)).WithCommit(func() { committed = true })
	assert.Error(t, stream.SendEnvelope(ctx, env))
	assert.False(t, committed)
}

func TestThroughEmitsDonePerWrite(t *testing.T) {
	f, broker := newFactory(t)
	ctx := context.Background()

	pub, err := NewPublisher[order](f, "orders")
	require.NoError(t, err)

	in := make(chan order, 3)
	in <- order{ID: 1}
	in <- order{ID: 2}
	in <- order{ID: 3}
	close(in)

	stream, done, err := pub.Through(ctx, in)
	require.NoError(t, err)

	count := 0
	for range done {
		count++
	}
	assert.Equal(t, 3, count)
	assert.NoError(t, stream.Err())
	assert.Len(t, broker.Records("orders", binding.NoPartition), 3)
	assert.Error(t, stream.Send(ctx, order{ID: 4}), "stream closes after Through")
}

func TestThroughStopsOnFailure(t *testing.T) {
	f, broker := newFactory(t)
	broker.FailSends(1, nil)
	ctx := context.Background()

	pub, err := NewPublisher[order](f, "orders")
	require.NoError(t, err)
	stream, err := pub.Open(ctx, binding.NoPartition)
	require.NoError(t, err)

	in := make(chan order, 2)
	in <- order{ID: 1}
	in <- order{ID: 2}

	done := stream.Through(ctx, in)
	_, ok := <-done
	assert.False(t, ok)
	assert.ErrorIs(t, stream.Err(), transporttest.ErrInjected)
}

func TestSubscriptionDecodeFailure(t *testing.T) {
	f, broker := newFactory(t)
	broker.Append("orders", binding.NoPartition, 1, []byte("not json"))

	sub, err := NewSubscriber[order](f, "orders")
	require.NoError(t, err)
	subscription, err := sub.Open(context.Background(), binding.NoPartition)
	require.NoError(t, err)
	defer subscription.Close()

	select {
	case _, ok := <-subscription.Envelopes():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("envelopes not closed")
	}
	assert.ErrorContains(t, subscription.Err(), "decode orders")
}

func TestSubscriptionTransportFailure(t *testing.T) {
	f, broker := newFactory(t)

	sub, err := NewSubscriber[order](f, "orders")
	require.NoError(t, err)
	subscription, err := sub.Open(context.Background(), binding.NoPartition)
	require.NoError(t, err)
	defer subscription.Close()

	broker.Break(nil)
	select {
	case _, ok := <-subscription.Envelopes():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("envelopes not closed")
	}
	assert.ErrorIs(t, subscription.Err(), errspkg.ErrTransport)
}

func TestRawCodec(t *testing.T) {
	f, broker := newFactory(t)
	ctx := context.Background()

	pub, err := NewPublisher[[]byte](f, "blobs", WithCodec(codec.Raw))
	require.NoError(t, err)
	stream, err := pub.Open(ctx, binding.NoPartition)
	require.NoError(t, err)
	require.NoError(t, stream.Send(ctx, []byte("abc")))

	assert.Equal(t, []byte("abc"), broker.Records("blobs", binding.NoPartition)[0].Payload)
	assert.Equal(t, "raw", broker.Records("blobs", binding.NoPartition)[0].Metadata[metadata.KeyCodec])
}

func TestOpenFailureIsTransportError(t *testing.T) {
	f, broker := newFactory(t)
	broker.FailOpens(1, nil)

	sub, err := NewSubscriber[order](f, "orders")
	require.NoError(t, err)
	_, err = sub.Open(context.Background(), binding.NoPartition)
	assert.ErrorIs(t, err, errspkg.ErrTransport)
}
