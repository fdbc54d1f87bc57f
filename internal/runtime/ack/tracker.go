// Package ack tracks in-flight deliveries of one pipeline and turns their
// commits into offset progress.
package ack

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/drblury/flowbind/internal/runtime/offset"
)

// PersistFunc saves the highest fully committed offset.
type PersistFunc func(offset.Offset) error

// Tracker bounds the number of uncommitted deliveries to its window and only
// advances the persisted offset across committed deliveries: the store never
// reaches the offset of a delivery that is still being processed, even when
// an unordered backend hands out higher offsets first.
type Tracker struct {
	slots   chan struct{}
	persist PersistFunc
	errs    chan error

	mu        sync.Mutex
	pending   []*Ticket
	ahead     []offset.Offset
	committed offset.Offset
	peak      int
	changed   chan struct{}
}

// Ticket is one tracked delivery.
type Ticket struct {
	tracker *Tracker
	off     offset.Offset
	onDone  func()
	done    bool
	once    atomic.Bool
}

// NewTracker returns a tracker admitting at most window uncommitted deliveries.
// persist may be nil.
func NewTracker(window int, persist PersistFunc) *Tracker {
	if window < 1 {
		window = 1
	}
	return &Tracker{
		slots:   make(chan struct{}, window),
		persist: persist,
		errs:    make(chan error, 1),
		changed: make(chan struct{}),
	}
}

// Window returns the configured capacity.
func (t *Tracker) Window() int { return cap(t.slots) }

// Acquire blocks until a slot is free. It is the backpressure point: the
// caller must not pull the next element before Acquire returns.
func (t *Tracker) Acquire(ctx context.Context) error {
	select {
	case t.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot taken by Acquire that was not turned into a ticket.
func (t *Tracker) Release() {
	select {
	case <-t.slots:
	default:
	}
}

// Track registers a delivery at off. onDone runs once the delivery and all
// earlier ones are committed. Track must follow a successful Acquire.
func (t *Tracker) Track(off offset.Offset, onDone func()) *Ticket {
	k := &Ticket{tracker: t, off: off, onDone: onDone}
	t.mu.Lock()
	t.pending = append(t.pending, k)
	if len(t.pending) > t.peak {
		t.peak = len(t.pending)
	}
	t.mu.Unlock()
	return k
}

// Offset returns the offset the ticket was tracked at.
func (k *Ticket) Offset() offset.Offset { return k.off }

// Abandon withdraws a delivery that never reached the handler. Only the newest
// pending ticket can be abandoned; it reports false otherwise.
func (k *Ticket) Abandon() bool {
	t := k.tracker
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.pending)
	if n == 0 || t.pending[n-1] != k || !k.once.CompareAndSwap(false, true) {
		return false
	}
	t.pending[n-1] = nil
	t.pending = t.pending[:n-1]
	<-t.slots
	close(t.changed)
	t.changed = make(chan struct{})
	return true
}

// Commit marks the delivery processed. Only the first call has an effect.
func (k *Ticket) Commit() {
	if !k.once.CompareAndSwap(false, true) {
		return
	}
	k.tracker.commit(k)
}

func (t *Tracker) commit(k *Ticket) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k.done = true
	n := 0
	for n < len(t.pending) && t.pending[n].done {
		if off := t.pending[n].off; !off.IsNone() {
			t.ahead = append(t.ahead, off)
		}
		n++
	}
	if n == 0 {
		return
	}
	popped := t.pending[:n]
	t.pending = append([]*Ticket(nil), t.pending[n:]...)

	acknowledge := true
	if last, ok := t.persistable(); ok {
		if t.persist != nil {
			if err := t.persist(last); err != nil {
				acknowledge = false
				t.report(err)
			}
		}
		if acknowledge {
			t.committed = last
		}
	}
	for _, p := range popped {
		if acknowledge && p.onDone != nil {
			p.onDone()
		}
		<-t.slots
	}
	close(t.changed)
	t.changed = make(chan struct{})
}

// persistable picks the highest committed offset that lies below every
// outstanding delivery and above the last persisted one. Committed offsets at
// or above an outstanding one wait in ahead. Offsets of different kinds fall
// back to delivery order.
func (t *Tracker) persistable() (offset.Offset, bool) {
	if len(t.ahead) == 0 {
		return offset.None, false
	}
	best, rest, err := t.splitAhead()
	if err != nil {
		best = t.ahead[len(t.ahead)-1]
		rest = nil
	}
	t.ahead = rest
	return best, !best.IsNone()
}

func (t *Tracker) splitAhead() (offset.Offset, []offset.Offset, error) {
	floor := offset.None
	for _, p := range t.pending {
		if p.done || p.off.IsNone() {
			continue
		}
		if floor.IsNone() {
			floor = p.off
			continue
		}
		ord, err := offset.Compare(p.off, floor)
		if err != nil {
			return offset.None, nil, err
		}
		if ord == offset.Less {
			floor = p.off
		}
	}

	best := offset.None
	var rest []offset.Offset
	for _, off := range t.ahead {
		if !floor.IsNone() {
			ord, err := offset.Compare(off, floor)
			if err != nil {
				return offset.None, nil, err
			}
			if ord != offset.Less {
				rest = append(rest, off)
				continue
			}
		}
		if !t.committed.IsNone() {
			ord, err := offset.Compare(off, t.committed)
			if err != nil {
				return offset.None, nil, err
			}
			if ord != offset.Greater {
				continue
			}
		}
		if best.IsNone() {
			best = off
			continue
		}
		ord, err := offset.Compare(off, best)
		if err != nil {
			return offset.None, nil, err
		}
		if ord == offset.Greater {
			best = off
		}
	}
	return best, rest, nil
}

func (t *Tracker) report(err error) {
	select {
	case t.errs <- err:
	default:
	}
}

// Errors delivers persistence failures.
func (t *Tracker) Errors() <-chan error { return t.errs }

// InFlight returns the number of tracked, not yet released deliveries.
func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Peak returns the largest InFlight value observed.
func (t *Tracker) Peak() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peak
}

// Committed returns the last offset handed to persist successfully.
func (t *Tracker) Committed() offset.Offset {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed
}

// Wait blocks until every tracked delivery is released or ctx ends.
func (t *Tracker) Wait(ctx context.Context) error {
	for {
		t.mu.Lock()
		if len(t.pending) == 0 {
			t.mu.Unlock()
			return nil
		}
		ch := t.changed
		t.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Queue is a FIFO of tickets awaiting acknowledgement tokens.
type Queue struct {
	mu    sync.Mutex
	items []*Ticket
}

func (q *Queue) Push(k *Ticket) {
	q.mu.Lock()
	q.items = append(q.items, k)
	q.mu.Unlock()
}

// Pop removes the oldest ticket.
func (q *Queue) Pop() (*Ticket, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	k := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return k, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
