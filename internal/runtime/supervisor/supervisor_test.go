package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/flowbind/internal/runtime/binding"
	"github.com/drblury/flowbind/internal/runtime/envelope"
	errspkg "github.com/drblury/flowbind/internal/runtime/errors"
	"github.com/drblury/flowbind/internal/runtime/offset"
	"github.com/drblury/flowbind/internal/runtime/offsetstore"
	"github.com/drblury/flowbind/internal/runtime/transport/transporttest"
)

type order struct {
	ID int `json:"id"`
}

type testHandler struct {
	decls []*binding.Declaration
}

func (h testHandler) Bindings() []*binding.Declaration { return h.decls }
func (h testHandler) HandlerName() string              { return "test" }

func describe(t *testing.T, decls ...*binding.Declaration) []binding.Descriptor {
	t.Helper()
	set, err := binding.NewRegistry().Register(testHandler{decls: decls})
	require.NoError(t, err)
	return set.Descriptors
}

func payloads(ids ...int) [][]byte {
	out := make([][]byte, len(ids))
	for i, id := range ids {
		out[i] = []byte(fmt.Sprintf(`{"id":%d}`, id))
	}
	return out
}

func testConfig() Config {
	return Config{
		Window:      4,
		DrainGrace:  200 * time.Millisecond,
		BackoffBase: time.Millisecond,
		BackoffMax:  8 * time.Millisecond,
		MaxFailures: 5,
	}
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newSupervisor(t *testing.T, broker *transporttest.Broker, store offsetstore.Store, conf Config, hooks Hooks) *Supervisor {
	t.Helper()
	sup, err := New(conf, Dependencies{Transport: broker, Store: store, Hooks: hooks, Sleep: noSleep})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sup.StopAll(ctx)
	})
	return sup
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for value")
		var zero T
		return zero
	}
}

func storeKey(topic string) offsetstore.Key {
	return offsetstore.Key{Group: "test.b", Topic: topic, Partition: binding.NoPartition}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{}, Dependencies{Store: offsetstore.NewMemory()})
	assert.ErrorIs(t, err, errspkg.ErrTransportRequired)

	_, err = New(Config{}, Dependencies{Transport: transporttest.NewBroker()})
	assert.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	conf := Config{BackoffBase: time.Second, BackoffMax: time.Millisecond}.withDefaults()
	assert.Equal(t, 64, conf.Window)
	assert.Equal(t, time.Second, conf.BackoffMax)
	assert.Equal(t, 5, conf.MaxFailures)
	assert.Equal(t, 64, ConfigFrom(nil).Window)
}

func TestExplicitCommitRedeliversUncommitted(t *testing.T) {
	broker := transporttest.NewBroker()
	broker.Append("orders", binding.NoPartition, 1, payloads(1, 2, 3)...)
	store := offsetstore.NewMemory()

	var attempts atomic.Int32
	storedAtRestart := make(chan offset.Offset, 1)
	got := make(chan envelope.Envelope[order], 10)
	faults := make(chan error, 10)

	desc := describe(t, binding.EnvelopeSubscriber[order]("orders", func(ctx context.Context, in <-chan envelope.Envelope[order]) error {
		n := attempts.Add(1)
		first := true
		for env := range in {
			if n == 1 {
				if env.Message.ID == 1 {
					env.Commit()
					continue
				}
				return errors.New("crash")
			}
			if first {
				first = false
				off, _ := store.Load(ctx, storeKey("orders"))
				storedAtRestart <- off
			}
			got <- env
			env.Commit()
		}
		return nil
	}).Named("b"))[0]

	sup := newSupervisor(t, broker, store, testConfig(), Hooks{
		OnHandlerFault: func(_ PipelineInfo, err error) { faults <- err },
	})
	_, err := sup.Start(desc, binding.NoPartition)
	require.NoError(t, err)

	fault := recv(t, faults)
	assert.ErrorIs(t, fault, errspkg.ErrHandlerFault)
	assert.ErrorContains(t, fault, "crash")

	// the store never passed the uncommitted envelope
	assert.Equal(t, offset.Sequence(1), recv(t, storedAtRestart))

	redelivered := recv(t, got)
	assert.Equal(t, 2, redelivered.Message.ID)
	assert.Equal(t, offset.Sequence(2), redelivered.Offset)
	assert.Equal(t, 3, recv(t, got).Message.ID)

	assert.Eventually(t, func() bool {
		off, _ := store.Load(context.Background(), storeKey("orders"))
		return off == offset.Sequence(3)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAtMostOnceDoesNotRedeliver(t *testing.T) {
	broker := transporttest.NewBroker()
	broker.Append("orders", binding.NoPartition, 1, payloads(1, 2, 3)...)
	store := offsetstore.NewMemory()

	var attempts atomic.Int32
	got := make(chan int, 10)
	desc := describe(t, binding.Subscriber[order]("orders", func(ctx context.Context, in <-chan order) error {
		n := attempts.Add(1)
		for msg := range in {
			if n == 1 {
				return errors.New("crash during processing")
			}
			got <- msg.ID
		}
		return nil
	}).Named("b"))[0]

	sup := newSupervisor(t, broker, store, testConfig(), Hooks{})
	_, err := sup.Start(desc, binding.NoPartition)
	require.NoError(t, err)

	var seen []int
	for {
		id := recv(t, got)
		seen = append(seen, id)
		if id == 3 {
			break
		}
	}
	assert.NotContains(t, seen, 1)
	assert.GreaterOrEqual(t, attempts.Load(), int32(2))
	assert.Contains(t, broker.Acked("test.b", "orders", binding.NoPartition), 0)
}

func TestImplicitProcessorCommitsPerDone(t *testing.T) {
	broker := transporttest.NewBroker()
	broker.Append("orders", binding.NoPartition, 1, payloads(1, 2, 3)...)
	store := offsetstore.NewMemory()

	desc := describe(t, binding.Processor[order]("orders", func(ctx context.Context, in <-chan order) <-chan binding.Done {
		out := make(chan binding.Done)
		go func() {
			defer close(out)
			for range in {
				select {
				case out <- binding.Done{}:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out
	}).Named("b"))[0]

	sup := newSupervisor(t, broker, store, testConfig(), Hooks{})
	_, err := sup.Start(desc, binding.NoPartition)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(broker.Acked("test.b", "orders", binding.NoPartition)) == 3
	}, 2*time.Second, 5*time.Millisecond)
	off, err := store.Load(context.Background(), storeKey("orders"))
	require.NoError(t, err)
	assert.Equal(t, offset.Sequence(3), off)
	assert.Equal(t, []int{0, 1, 2}, broker.Acked("test.b", "orders", binding.NoPartition))
}

func TestBackpressureBoundsUncommitted(t *testing.T) {
	broker := transporttest.NewBroker()
	broker.Append("orders", binding.NoPartition, 1, payloads(1, 2, 3, 4, 5)...)

	got := make(chan envelope.Envelope[order], 10)
	desc := describe(t, binding.EnvelopeSubscriber[order]("orders", func(ctx context.Context, in <-chan envelope.Envelope[order]) error {
		for env := range in {
			got <- env
		}
		return nil
	}).Named("b"))[0]

	conf := testConfig()
	conf.Window = 2
	sup := newSupervisor(t, broker, offsetstore.NewMemory(), conf, Hooks{})
	key, err := sup.Start(desc, binding.NoPartition)
	require.NoError(t, err)

	first := recv(t, got)
	recv(t, got)
	select {
	case env := <-got:
		t.Fatalf("window exceeded: received %v", env.Message)
	case <-time.After(100 * time.Millisecond):
	}
	status := sup.Status()
	require.Len(t, status, 1)
	assert.Equal(t, key, status[0].Key)
	assert.Equal(t, 2, status[0].InFlight)

	first.Commit()
	assert.Equal(t, 3, recv(t, got).Message.ID)
}

func TestResumablePublisherSkipsConfirmedOffsets(t *testing.T) {
	broker := transporttest.NewBroker()
	store := offsetstore.NewMemory()
	require.NoError(t, store.Save(context.Background(), storeKey("events"), offset.Sequence(42)))

	var skipped atomic.Int32
	invocations := make(chan binding.Invocation, 1)
	desc := describe(t, binding.EnvelopePublisher[order]("events", func(ctx context.Context, inv binding.Invocation) (<-chan envelope.Envelope[order], error) {
		invocations <- inv
		out := make(chan envelope.Envelope[order])
		go func() {
			defer close(out)
			for seq := int64(40); seq <= 45; seq++ {
				env := envelope.WithOffset(order{ID: int(seq)}, offset.Sequence(seq))
				if seq <= 42 {
					env = env.WithCommit(func() { skipped.Add(1) })
				}
				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out, nil
	}).Params(binding.ParamOffset).Named("b"))[0]

	stops := make(chan PipelineInfo, 1)
	sup := newSupervisor(t, broker, store, testConfig(), Hooks{
		OnStop: func(info PipelineInfo) { stops <- info },
	})
	key, err := sup.Start(desc, binding.NoPartition)
	require.NoError(t, err)

	inv := recv(t, invocations)
	assert.Equal(t, offset.Sequence(42), inv.Offset)
	assert.Equal(t, binding.NoPartition, inv.Partition)

	recv(t, stops)
	assert.NoError(t, sup.Err(key))

	records := broker.Records("events", binding.NoPartition)
	require.Len(t, records, 3)
	assert.Equal(t, offset.Sequence(43), records[0].Offset)
	assert.Equal(t, offset.Sequence(45), records[2].Offset)
	assert.Equal(t, int32(3), skipped.Load())

	off, err := store.Load(context.Background(), storeKey("events"))
	require.NoError(t, err)
	assert.Equal(t, offset.Sequence(45), off)
}

func TestResumablePublisherPersistsOnlyConfirmed(t *testing.T) {
	broker := transporttest.NewBroker()
	broker.ManualConfirm(true)
	store := offsetstore.NewMemory()

	desc := describe(t, binding.EnvelopePublisher[order]("events", func(ctx context.Context, _ binding.Invocation) (<-chan envelope.Envelope[order], error) {
		out := make(chan envelope.Envelope[order])
		go func() {
			for seq := int64(1); seq <= 3; seq++ {
				select {
				case out <- envelope.WithOffset(order{ID: int(seq)}, offset.Sequence(seq)):
				case <-ctx.Done():
					return
				}
			}
			<-ctx.Done()
		}()
		return out, nil
	}).Named("b"))[0]

	sup := newSupervisor(t, broker, store, testConfig(), Hooks{})
	_, err := sup.Start(desc, binding.NoPartition)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return broker.Pending() == 3 }, 2*time.Second, 5*time.Millisecond)
	off, err := store.Load(context.Background(), storeKey("events"))
	require.NoError(t, err)
	assert.True(t, off.IsNone())

	assert.Equal(t, 3, broker.Confirm(nil))
	assert.Eventually(t, func() bool {
		off, _ := store.Load(context.Background(), storeKey("events"))
		return off == offset.Sequence(3)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDecreasingPublisherOffsetIsHandlerFault(t *testing.T) {
	broker := transporttest.NewBroker()
	faults := make(chan error, 10)

	desc := describe(t, binding.EnvelopePublisher[order]("events", func(ctx context.Context, _ binding.Invocation) (<-chan envelope.Envelope[order], error) {
		out := make(chan envelope.Envelope[order], 2)
		out <- envelope.WithOffset(order{ID: 1}, offset.Sequence(5))
		out <- envelope.WithOffset(order{ID: 2}, offset.Sequence(4))
		return out, nil
	}).Named("b"))[0]

	conf := testConfig()
	conf.MaxFailures = 1
	sup := newSupervisor(t, broker, offsetstore.NewMemory(), conf, Hooks{
		OnHandlerFault: func(_ PipelineInfo, err error) { faults <- err },
	})
	_, err := sup.Start(desc, binding.NoPartition)
	require.NoError(t, err)

	assert.ErrorContains(t, recv(t, faults), "offsets must increase")
}

func TestRestartBackoffThenFatal(t *testing.T) {
	broker := transporttest.NewBroker()
	broker.FailOpens(100, nil)

	var mu sync.Mutex
	var delays []time.Duration
	fatals := make(chan error, 1)
	var restarts atomic.Int32

	desc := describe(t, binding.Subscriber[order]("orders", func(ctx context.Context, in <-chan order) error {
		for range in {
		}
		return nil
	}).Named("b"))[0]

	conf := testConfig()
	conf.BackoffBase = 10 * time.Millisecond
	conf.BackoffMax = 40 * time.Millisecond
	sup, err := New(conf, Dependencies{
		Transport: broker,
		Store:     offsetstore.NewMemory(),
		Hooks: Hooks{
			OnRestart: func(PipelineInfo, int, time.Duration, error) { restarts.Add(1) },
			OnFatal:   func(_ PipelineInfo, err error) { fatals <- err },
		},
		Sleep: func(ctx context.Context, d time.Duration) error {
			mu.Lock()
			delays = append(delays, d)
			mu.Unlock()
			return ctx.Err()
		},
	})
	require.NoError(t, err)
	defer sup.StopAll(context.Background())

	key, err := sup.Start(desc, binding.NoPartition)
	require.NoError(t, err)

	fatal := recv(t, fatals)
	var fse *errspkg.FatalSupervisionError
	require.ErrorAs(t, fatal, &fse)
	assert.Equal(t, 6, fse.Failures)
	assert.ErrorIs(t, fatal, errspkg.ErrTransport)

	<-sup.Done(key)
	state, ok := sup.State(key)
	require.True(t, ok)
	assert.Equal(t, Stopped, state)
	assert.ErrorIs(t, sup.Err(key), errspkg.ErrFatalSupervision)
	assert.Equal(t, 6, broker.Opens("orders", binding.NoPartition))
	assert.Equal(t, int32(5), restarts.Load())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delays, 5)
	for i, d := range delays {
		assert.LessOrEqual(t, d, 40*time.Millisecond)
		if i > 0 {
			assert.GreaterOrEqual(t, d, delays[i-1])
		}
	}
}

func TestTransientFailureRecovers(t *testing.T) {
	broker := transporttest.NewBroker()
	broker.FailOpens(2, nil)
	broker.Append("orders", binding.NoPartition, 1, payloads(1)...)

	got := make(chan int, 1)
	healthy := make(chan struct{}, 1)
	desc := describe(t, binding.Subscriber[order]("orders", func(ctx context.Context, in <-chan order) error {
		for msg := range in {
			got <- msg.ID
		}
		return nil
	}).Named("b"))[0]

	sup := newSupervisor(t, broker, offsetstore.NewMemory(), testConfig(), Hooks{
		OnHealthy: func(PipelineInfo) { healthy <- struct{}{} },
	})
	key, err := sup.Start(desc, binding.NoPartition)
	require.NoError(t, err)

	assert.Equal(t, 1, recv(t, got))
	recv(t, healthy)
	status := sup.Status()
	require.Len(t, status, 1)
	assert.Equal(t, 2, status[0].Restarts)
	assert.Equal(t, 0, status[0].Failures)
	state, _ := sup.State(key)
	assert.Equal(t, Running, state)
}

func TestIncomparableStoredOffsetIsFatal(t *testing.T) {
	broker := transporttest.NewBroker()
	broker.Append("orders", binding.NoPartition, 1, payloads(1)...)
	store := offsetstore.NewMemory()
	require.NoError(t, store.Save(context.Background(), storeKey("orders"), offset.TimeUUID(uuid.Must(uuid.NewUUID()))))

	fatals := make(chan error, 1)
	desc := describe(t, binding.Subscriber[order]("orders", func(ctx context.Context, in <-chan order) error {
		for range in {
		}
		return nil
	}).Named("b"))[0]

	sup := newSupervisor(t, broker, store, testConfig(), Hooks{
		OnFatal: func(_ PipelineInfo, err error) { fatals <- err },
	})
	_, err := sup.Start(desc, binding.NoPartition)
	require.NoError(t, err)

	assert.ErrorIs(t, recv(t, fatals), errspkg.ErrIncomparableOffsets)
	assert.Equal(t, 1, broker.Opens("orders", binding.NoPartition))
}

func TestFailureIsolation(t *testing.T) {
	broker := transporttest.NewBroker()
	got := make(chan int, 10)
	fatals := make(chan PipelineInfo, 1)

	descs := describe(t,
		binding.Subscriber[order]("broken", func(ctx context.Context, in <-chan order) error {
			return errors.New("always failing")
		}).Named("bad"),
		binding.Subscriber[order]("orders", func(ctx context.Context, in <-chan order) error {
			for msg := range in {
				got <- msg.ID
			}
			return nil
		}).Named("good"),
	)

	conf := testConfig()
	conf.MaxFailures = 2
	sup := newSupervisor(t, broker, offsetstore.NewMemory(), conf, Hooks{
		OnFatal: func(info PipelineInfo, _ error) { fatals <- info },
	})
	for _, desc := range descs {
		_, err := sup.Start(desc, binding.NoPartition)
		require.NoError(t, err)
	}

	assert.Equal(t, "test.bad", recv(t, fatals).Binding)

	broker.Append("orders", binding.NoPartition, 1, payloads(7)...)
	assert.Equal(t, 7, recv(t, got))

	for _, st := range sup.Status() {
		if st.Binding == "test.good" {
			assert.Equal(t, Running, st.State)
		}
	}
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	broker := transporttest.NewBroker()
	broker.Append("orders", binding.NoPartition, 1, payloads(1)...)
	faults := make(chan error, 10)

	desc := describe(t, binding.Subscriber[order]("orders", func(ctx context.Context, in <-chan order) error {
		for range in {
			panic("boom")
		}
		return nil
	}).Named("b"))[0]

	sup := newSupervisor(t, broker, offsetstore.NewMemory(), testConfig(), Hooks{
		OnHandlerFault: func(_ PipelineInfo, err error) { faults <- err },
	})
	_, err := sup.Start(desc, binding.NoPartition)
	require.NoError(t, err)

	err = recv(t, faults)
	assert.ErrorIs(t, err, errspkg.ErrHandlerFault)
	assert.ErrorContains(t, err, "boom")
}

func TestStopDrainsInFlight(t *testing.T) {
	broker := transporttest.NewBroker()
	broker.Append("orders", binding.NoPartition, 1, payloads(1, 2)...)
	store := offsetstore.NewMemory()
	got := make(chan struct{}, 10)

	desc := describe(t, binding.EnvelopeSubscriber[order]("orders", func(ctx context.Context, in <-chan envelope.Envelope[order]) error {
		var held []envelope.Envelope[order]
		for env := range in {
			held = append(held, env)
			got <- struct{}{}
		}
		for _, env := range held {
			env.Commit()
		}
		return nil
	}).Named("b"))[0]

	stopped := make(chan PipelineInfo, 1)
	sup := newSupervisor(t, broker, store, testConfig(), Hooks{
		OnStop: func(info PipelineInfo) { stopped <- info },
	})
	key, err := sup.Start(desc, binding.NoPartition)
	require.NoError(t, err)
	recv(t, got)
	recv(t, got)

	require.NoError(t, sup.Stop(context.Background(), key))
	recv(t, stopped)

	off, err := store.Load(context.Background(), storeKey("orders"))
	require.NoError(t, err)
	assert.Equal(t, offset.Sequence(2), off)

	_, ok := sup.State(key)
	assert.False(t, ok)
}

func TestStopAbandonsAfterGrace(t *testing.T) {
	broker := transporttest.NewBroker()
	broker.Append("orders", binding.NoPartition, 1, payloads(1)...)
	store := offsetstore.NewMemory()
	got := make(chan struct{}, 1)

	desc := describe(t, binding.EnvelopeSubscriber[order]("orders", func(ctx context.Context, in <-chan envelope.Envelope[order]) error {
		for range in {
			got <- struct{}{}
		}
		<-ctx.Done()
		return ctx.Err()
	}).Named("b"))[0]

	conf := testConfig()
	conf.DrainGrace = 30 * time.Millisecond
	sup := newSupervisor(t, broker, store, conf, Hooks{})
	key, err := sup.Start(desc, binding.NoPartition)
	require.NoError(t, err)
	recv(t, got)

	started := time.Now()
	require.NoError(t, sup.Stop(context.Background(), key))
	assert.GreaterOrEqual(t, time.Since(started), 30*time.Millisecond)

	off, err := store.Load(context.Background(), storeKey("orders"))
	require.NoError(t, err)
	assert.True(t, off.IsNone())
	assert.Empty(t, broker.Acked("test.b", "orders", binding.NoPartition))
}

func TestStartValidation(t *testing.T) {
	noop := func(ctx context.Context, _ binding.Invocation) (<-chan order, error) {
		return make(chan order), nil
	}
	descs := describe(t,
		binding.Publisher[order]("plain", noop).Named("plain"),
		binding.Publisher[order]("split", noop).Partitioned(3).Params(binding.ParamPartition).Named("split"),
	)
	sup := newSupervisor(t, transporttest.NewBroker(), offsetstore.NewMemory(), testConfig(), Hooks{})

	_, err := sup.Start(descs[0], 2)
	assert.ErrorIs(t, err, errspkg.ErrPartitionOutOfRange)
	_, err = sup.Start(descs[1], 3)
	assert.ErrorIs(t, err, errspkg.ErrPartitionOutOfRange)
	_, err = sup.Start(descs[1], binding.NoPartition)
	assert.ErrorIs(t, err, errspkg.ErrPartitionOutOfRange)

	key, err := sup.Start(descs[1], 2)
	require.NoError(t, err)
	again, err := sup.Start(descs[1], 2)
	require.NoError(t, err)
	assert.Equal(t, key, again)
	assert.Len(t, sup.Status(), 1)
	assert.Equal(t, "test@1/split[2]", key.String())

	assert.ErrorIs(t, sup.Stop(context.Background(), Key{Binding: "nope"}), errspkg.ErrUnknownBinding)

	require.NoError(t, sup.StopBinding(context.Background(), descs[1].ID))
	assert.Empty(t, sup.Status())

	require.NoError(t, sup.StopAll(context.Background()))
	_, err = sup.Start(descs[0], binding.NoPartition)
	assert.ErrorIs(t, err, errspkg.ErrBrokerClosed)
}

func TestRestartBackoffIsNonDecreasingAndCapped(t *testing.T) {
	base, ceiling := 10*time.Millisecond, 200*time.Millisecond
	bo := newRestartBackoff(base, ceiling)

	first := bo.Next()
	assert.GreaterOrEqual(t, first, base/2)
	assert.LessOrEqual(t, first, base*3/2+time.Nanosecond)

	prev := first
	for range 50 {
		d := bo.Next()
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, ceiling)
		prev = d
	}
	assert.Equal(t, ceiling, prev)

	bo.Reset()
	assert.LessOrEqual(t, bo.Next(), base*3/2+time.Nanosecond)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "draining", Draining.String())
	text, err := Restarting.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "restarting", string(text))
	assert.Equal(t, "state(9)", State(9).String())
}
