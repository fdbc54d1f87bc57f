package ack

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/flowbind/internal/runtime/offset"
)

type recordingStore struct {
	mu    sync.Mutex
	saved []offset.Offset
	err   error
}

func (s *recordingStore) persist(off offset.Offset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, off)
	return nil
}

func (s *recordingStore) last() offset.Offset {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saved) == 0 {
		return offset.None
	}
	return s.saved[len(s.saved)-1]
}

func track(t *testing.T, tr *Tracker, seq int64, onDone func()) *Ticket {
	t.Helper()
	require.NoError(t, tr.Acquire(context.Background()))
	return tr.Track(offset.Sequence(seq), onDone)
}

func TestOutOfOrderCommitsNeverPassUncommitted(t *testing.T) {
	store := &recordingStore{}
	tr := NewTracker(8, store.persist)

	var acked []int64
	tickets := make([]*Ticket, 5)
	for i := range tickets {
		seq := int64(i + 1)
		tickets[i] = track(t, tr, seq, func() { acked = append(acked, seq) })
	}

	tickets[2].Commit()
	tickets[1].Commit()
	assert.Equal(t, offset.None, store.last(), "offset 1 is still uncommitted")
	assert.Empty(t, acked)
	assert.Equal(t, 5, tr.InFlight())

	tickets[0].Commit()
	assert.Equal(t, offset.Sequence(3), store.last())
	assert.Equal(t, []int64{1, 2, 3}, acked)
	assert.Equal(t, 2, tr.InFlight())

	tickets[4].Commit()
	assert.Equal(t, offset.Sequence(3), store.last())

	tickets[3].Commit()
	assert.Equal(t, offset.Sequence(5), store.last())
	assert.Equal(t, offset.Sequence(5), tr.Committed())
	assert.Zero(t, tr.InFlight())
}

func TestCommitIsIdempotent(t *testing.T) {
	store := &recordingStore{}
	tr := NewTracker(2, store.persist)
	calls := 0
	k := track(t, tr, 1, func() { calls++ })

	k.Commit()
	k.Commit()
	assert.Equal(t, 1, calls)
	assert.Len(t, store.saved, 1)
}

func TestNoneOffsetsReleaseWithoutPersisting(t *testing.T) {
	store := &recordingStore{}
	tr := NewTracker(1, store.persist)
	require.NoError(t, tr.Acquire(context.Background()))
	acked := false
	tr.Track(offset.None, func() { acked = true }).Commit()

	assert.True(t, acked)
	assert.Empty(t, store.saved)
	assert.Zero(t, tr.InFlight())
}

func TestAcquireBlocksWhenWindowFull(t *testing.T) {
	tr := NewTracker(2, nil)
	first := track(t, tr, 1, nil)
	track(t, tr, 2, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tr.Acquire(ctx), context.DeadlineExceeded)

	first.Commit()
	require.NoError(t, tr.Acquire(context.Background()))
	tr.Release()
}

func TestSlowConsumerBoundsInFlight(t *testing.T) {
	const window = 4
	const total = 60
	store := &recordingStore{}
	tr := NewTracker(window, store.persist)

	deliveries := make(chan *Ticket)
	go func() {
		defer close(deliveries)
		for i := 1; i <= total; i++ {
			if err := tr.Acquire(context.Background()); err != nil {
				return
			}
			deliveries <- tr.Track(offset.Sequence(int64(i)), nil)
		}
	}()

	// The consumer accepts one element at a time but commits in small
	// batches, letting uncommitted work pile up against the window.
	var held []*Ticket
	for k := range deliveries {
		held = append(held, k)
		assert.LessOrEqual(t, tr.InFlight(), window)
		if len(held) == window {
			time.Sleep(time.Millisecond)
			for _, h := range held {
				h.Commit()
			}
			held = held[:0]
		}
	}
	for _, h := range held {
		h.Commit()
	}

	assert.LessOrEqual(t, tr.Peak(), window)
	assert.Equal(t, offset.Sequence(total), store.last())
}

func TestPersistFailureIsReportedAndSkipsAck(t *testing.T) {
	boom := errors.New("disk full")
	store := &recordingStore{err: boom}
	tr := NewTracker(2, store.persist)
	acked := false
	track(t, tr, 1, func() { acked = true }).Commit()

	assert.False(t, acked)
	assert.Equal(t, offset.None, tr.Committed())
	select {
	case err := <-tr.Errors():
		assert.ErrorIs(t, err, boom)
	default:
		t.Fatal("expected persistence error")
	}
}

func TestWait(t *testing.T) {
	tr := NewTracker(2, nil)
	k := track(t, tr, 1, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tr.Wait(ctx), context.DeadlineExceeded)

	go func() {
		time.Sleep(5 * time.Millisecond)
		k.Commit()
	}()
	assert.NoError(t, tr.Wait(context.Background()))
}

func TestQueueFIFO(t *testing.T) {
	tr := NewTracker(3, nil)
	var q Queue
	a := track(t, tr, 1, nil)
	b := track(t, tr, 2, nil)
	q.Push(a)
	q.Push(b)
	assert.Equal(t, 2, q.Len())

	got, ok := q.Pop()
	require.True(t, ok)
	assert.Same(t, a, got)
	got, ok = q.Pop()
	require.True(t, ok)
	assert.Same(t, b, got)
	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestAbandonNewestOnly(t *testing.T) {
	store := &recordingStore{}
	tr := NewTracker(2, store.persist)
	a := track(t, tr, 1, nil)
	b := track(t, tr, 2, nil)

	assert.False(t, a.Abandon())
	assert.True(t, b.Abandon())
	assert.False(t, b.Abandon())
	assert.Equal(t, 1, tr.InFlight())

	// the freed slot is usable again
	c := track(t, tr, 3, nil)
	a.Commit()
	assert.Equal(t, offset.Sequence(1), store.last())
	c.Commit()
	assert.Equal(t, offset.Sequence(3), store.last())

	b.Commit()
	assert.NoError(t, tr.Wait(context.Background()))
}

func TestUnorderedDeliveryPersistsBelowOutstanding(t *testing.T) {
	store := &recordingStore{}
	tr := NewTracker(4, store.persist)
	var acked []int64
	ack := func(seq int64) func() { return func() { acked = append(acked, seq) } }

	// the backend hands out 3 before 1 and 2
	third := track(t, tr, 3, ack(3))
	first := track(t, tr, 1, ack(1))
	second := track(t, tr, 2, ack(2))

	third.Commit()
	assert.Equal(t, []int64{3}, acked)
	assert.Empty(t, store.saved, "1 and 2 are still outstanding")

	first.Commit()
	assert.Equal(t, []offset.Offset{offset.Sequence(1)}, store.saved)

	second.Commit()
	assert.Equal(t, []offset.Offset{offset.Sequence(1), offset.Sequence(3)}, store.saved)
	assert.Equal(t, offset.Sequence(3), tr.Committed())
	assert.Zero(t, tr.InFlight())
}

func TestCommittedOffsetNeverMovesBack(t *testing.T) {
	store := &recordingStore{}
	tr := NewTracker(4, store.persist)

	track(t, tr, 5, nil).Commit()
	track(t, tr, 2, nil).Commit()

	assert.Equal(t, []offset.Offset{offset.Sequence(5)}, store.saved)
	assert.Equal(t, offset.Sequence(5), tr.Committed())
}
