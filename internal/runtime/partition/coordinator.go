// Package partition decides which process owns each partition of a partitioned
// binding and hands partitions over between processes without overlap.
//
// Every process computes the same target assignment from the live members and
// the shared lease table. A process only runs a partition after claiming its
// lease, and gives the lease back only once the pipeline stopped, so a
// partition never runs in two places even while views disagree.
package partition

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drblury/flowbind/internal/runtime/logging"
	"github.com/drblury/flowbind/internal/runtime/membership"
)

// Listener receives the ownership changes of one local process. A process must
// stop the pipeline of a released partition and then call ConfirmReleased; the
// lease is not given back before that.
//
// Callbacks run sequentially in event order and may call back into the coordinator.
type Listener interface {
	OnAcquire(binding string, partition int)
	OnRelease(binding string, partition int)
}

// ListenerFuncs adapts two functions to a Listener.
type ListenerFuncs struct {
	Acquire func(binding string, partition int)
	Release func(binding string, partition int)
}

func (l ListenerFuncs) OnAcquire(binding string, partition int) {
	if l.Acquire != nil {
		l.Acquire(binding, partition)
	}
}

func (l ListenerFuncs) OnRelease(binding string, partition int) {
	if l.Release != nil {
		l.Release(binding, partition)
	}
}

// Snapshot is an immutable view of partition ownership. Owners lists the
// process holding the lease of each partition, or "" while it is unclaimed.
type Snapshot struct {
	Version uint64
	Members []string
	Owners  map[string][]string
}

// Owner returns the holder of a partition.
func (s *Snapshot) Owner(binding string, partition int) (string, bool) {
	owners, ok := s.Owners[binding]
	if !ok || partition < 0 || partition >= len(owners) || owners[partition] == "" {
		return "", false
	}
	return owners[partition], true
}

// OwnedBy lists the partitions of binding held by process.
func (s *Snapshot) OwnedBy(binding, process string) []int {
	var out []int
	for p, owner := range s.Owners[binding] {
		if owner == process {
			out = append(out, p)
		}
	}
	return out
}

type eventKind int

const (
	acquireEvent eventKind = iota
	releaseEvent
	claimEvent
	unleaseEvent
)

type event struct {
	kind      eventKind
	process   string
	binding   string
	partition int
}

type bindingState struct {
	owner     []string
	releasing []bool
	claiming  []bool
}

// DefaultResync is how often Run re-reads the lease table besides reacting to
// its change signals. Expired leases of crashed processes are noticed then.
const DefaultResync = 5 * time.Second

const leaseTimeout = 10 * time.Second

// Coordinator tracks members and partitioned bindings for the processes of one
// address space. Ownership is decided through a lease table; without a shared
// one the coordinator keeps a private table, which is enough when every other
// member is static.
type Coordinator struct {
	log    logging.ServiceLogger
	leases membership.LeaseTable

	// Resync is the lease table polling interval used by Run.
	Resync time.Duration

	mu        sync.Mutex
	remote    []string
	listeners map[string]Listener
	bindings  map[string]*bindingState
	holders   map[membership.Lease]string
	blocked   map[membership.Lease]bool
	epoch     uint64
	pending   []event
	flushing  bool
	version   uint64

	snapshot atomic.Pointer[Snapshot]
}

// NewCoordinator returns a coordinator deciding ownership through leases. A
// nil table gives the coordinator a private in-memory one.
func NewCoordinator(log logging.ServiceLogger, leases membership.LeaseTable) *Coordinator {
	if leases == nil {
		leases = membership.NewMemoryLeases()
	}
	c := &Coordinator{
		log:       logging.OrNop(log),
		leases:    leases,
		Resync:    DefaultResync,
		listeners: make(map[string]Listener),
		bindings:  make(map[string]*bindingState),
		holders:   make(map[membership.Lease]string),
		blocked:   make(map[membership.Lease]bool),
	}
	c.snapshot.Store(&Snapshot{Owners: map[string][]string{}})
	return c
}

// Snapshot returns the current ownership. It never blocks on the coordinator lock.
func (c *Coordinator) Snapshot() *Snapshot {
	return c.snapshot.Load()
}

// Join registers a local process.
func (c *Coordinator) Join(process string, l Listener) {
	c.mu.Lock()
	c.listeners[process] = l
	c.reconcileAllLocked()
	c.mu.Unlock()

	c.log.Debug("Process joined partition coordination", logging.LogFields{logging.FieldProcess: process})
	c.flush()
}

// Leave removes a local process and gives back its leases. The caller stops
// the pipelines of the process first.
func (c *Coordinator) Leave(process string) {
	c.mu.Lock()
	delete(c.listeners, process)
	c.pending = slices.DeleteFunc(c.pending, func(ev event) bool {
		return ev.process == process && ev.kind != unleaseEvent
	})
	for name, b := range c.bindings {
		for p, owner := range b.owner {
			if owner == process {
				c.dropLocked(name, b, p, process)
			}
		}
	}
	c.reconcileAllLocked()
	c.mu.Unlock()

	c.log.Debug("Process left partition coordination", logging.LogFields{logging.FieldProcess: process})
	c.flush()
}

// SetMembers replaces the remote member list, typically from a membership view.
// Local processes stay members regardless.
func (c *Coordinator) SetMembers(ids []string) {
	c.mu.Lock()
	c.remote = uniqueSorted(ids)
	c.reconcileAllLocked()
	c.mu.Unlock()
	c.flush()
}

// Track starts coordinating a binding with count partitions.
func (c *Coordinator) Track(binding string, count int) {
	if count <= 0 {
		return
	}
	c.mu.Lock()
	if _, exists := c.bindings[binding]; !exists {
		c.bindings[binding] = &bindingState{
			owner:     make([]string, count),
			releasing: make([]bool, count),
			claiming:  make([]bool, count),
		}
	}
	c.reconcileAllLocked()
	c.mu.Unlock()
	c.flush()
}

// Untrack forgets a binding without emitting release events and gives back
// its leases. The caller stops its pipelines first.
func (c *Coordinator) Untrack(binding string) {
	c.mu.Lock()
	c.pending = slices.DeleteFunc(c.pending, func(ev event) bool {
		return ev.binding == binding && ev.kind != unleaseEvent
	})
	if b, ok := c.bindings[binding]; ok {
		for p, owner := range b.owner {
			if owner != "" {
				c.dropLocked(binding, b, p, owner)
			}
		}
	}
	delete(c.bindings, binding)
	c.publishLocked()
	c.mu.Unlock()
	c.flush()
}

// ConfirmReleased ends the lease of process on a partition, letting its new
// owner acquire it.
func (c *Coordinator) ConfirmReleased(process, binding string, partition int) {
	c.mu.Lock()
	b, ok := c.bindings[binding]
	if !ok || partition < 0 || partition >= len(b.owner) || b.owner[partition] != process {
		c.mu.Unlock()
		return
	}
	c.dropLocked(binding, b, partition, process)
	c.reconcileLocked(binding, b)
	c.publishLocked()
	c.mu.Unlock()
	c.flush()
}

// dropLocked forgets a local lease and queues giving it back to the table.
// Claims queued afterwards are processed after the release.
func (c *Coordinator) dropLocked(name string, b *bindingState, p int, process string) {
	b.owner[p] = ""
	b.releasing[p] = false
	lease := membership.Lease{Binding: name, Partition: p}
	if c.holders[lease] == process {
		delete(c.holders, lease)
	}
	c.pending = append(c.pending, event{kind: unleaseEvent, process: process, binding: name, partition: p})
}

// Run feeds membership views and lease table changes into the coordinator
// until ctx ends or the membership stops.
func (c *Coordinator) Run(ctx context.Context, m membership.Membership) error {
	views, err := m.Watch(ctx)
	if err != nil {
		return err
	}
	changes, err := c.leases.Watch(ctx)
	if err != nil {
		return err
	}
	resync := c.Resync
	if resync <= 0 {
		resync = DefaultResync
	}
	ticker := time.NewTicker(resync)
	defer ticker.Stop()

	c.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case view, ok := <-views:
			if !ok {
				return ctx.Err()
			}
			c.log.Debug("Applying membership view", logging.LogFields{"members": view.Members, "version": view.Version})
			c.SetMembers(view.Members)
		case _, ok := <-changes:
			if !ok {
				return ctx.Err()
			}
			c.Refresh(ctx)
		case <-ticker.C:
			c.Refresh(ctx)
		}
	}
}

// Refresh re-reads the lease table and reconciles against it.
func (c *Coordinator) Refresh(ctx context.Context) {
	for range 3 {
		c.mu.Lock()
		epoch := c.epoch
		c.mu.Unlock()

		holders, err := c.leases.Holders(ctx)
		if err != nil {
			c.log.Error("Failed to read partition leases", err, nil)
			return
		}

		c.mu.Lock()
		if c.epoch != epoch {
			// A local claim or release landed meanwhile; the listing may predate it.
			c.mu.Unlock()
			continue
		}
		c.holders = holders
		clear(c.blocked)
		c.reconcileAllLocked()
		c.mu.Unlock()
		c.flush()
		return
	}
}

func (c *Coordinator) membersLocked() []string {
	all := slices.Clone(c.remote)
	for process := range c.listeners {
		all = append(all, process)
	}
	return uniqueSorted(all)
}

func (c *Coordinator) reconcileAllLocked() {
	names := make([]string, 0, len(c.bindings))
	for name := range c.bindings {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		c.reconcileLocked(name, c.bindings[name])
	}
	c.publishLocked()
}

// reconcileLocked moves a binding one step closer to its target. The target is
// computed from the lease holders, so processes sharing a table agree on it.
// Local leases that should move are asked to release; free partitions the
// target gives to a local process are claimed.
func (c *Coordinator) reconcileLocked(name string, b *bindingState) {
	held := make([]string, len(b.owner))
	for p := range held {
		held[p] = b.owner[p]
		if held[p] == "" {
			held[p] = c.holders[membership.Lease{Binding: name, Partition: p}]
		}
	}
	target := Rebalance(held, c.membersLocked(), len(b.owner))

	for p, want := range target {
		lease := membership.Lease{Binding: name, Partition: p}
		holder := c.holders[lease]

		if have := b.owner[p]; have != "" {
			lost := holder != "" && holder != have
			if (have != want || lost) && !b.releasing[p] {
				b.releasing[p] = true
				c.pending = append(c.pending, event{kind: releaseEvent, process: have, binding: name, partition: p})
			}
			continue
		}
		if _, local := c.listeners[want]; !local {
			continue
		}
		if (holder != "" && holder != want) || b.claiming[p] || c.blocked[lease] {
			continue
		}
		b.claiming[p] = true
		c.pending = append(c.pending, event{kind: claimEvent, process: want, binding: name, partition: p})
	}
}

func (c *Coordinator) publishLocked() {
	c.version++
	owners := make(map[string][]string, len(c.bindings))
	for name, b := range c.bindings {
		row := slices.Clone(b.owner)
		for p := range row {
			if row[p] == "" {
				row[p] = c.holders[membership.Lease{Binding: name, Partition: p}]
			}
		}
		owners[name] = row
	}
	c.snapshot.Store(&Snapshot{Version: c.version, Members: c.membersLocked(), Owners: owners})
}

// flush delivers queued events in order. Only one goroutine flushes at a time;
// events queued by re-entrant calls are picked up by the running flush. Lease
// table calls happen here, outside the lock.
func (c *Coordinator) flush() {
	c.mu.Lock()
	if c.flushing {
		c.mu.Unlock()
		return
	}
	c.flushing = true
	for len(c.pending) > 0 {
		ev := c.pending[0]
		c.pending = c.pending[1:]
		l := c.listeners[ev.process]
		c.mu.Unlock()

		fields := logging.PartitionFields(ev.binding, ev.partition).With(logging.FieldProcess, ev.process)
		switch ev.kind {
		case acquireEvent:
			if l != nil {
				c.log.Debug("Partition acquired", fields)
				l.OnAcquire(ev.binding, ev.partition)
			}
		case releaseEvent:
			if l != nil {
				c.log.Debug("Partition release requested", fields)
				l.OnRelease(ev.binding, ev.partition)
			}
		case claimEvent:
			c.claim(ev, fields)
		case unleaseEvent:
			c.unlease(ev, fields)
		}

		c.mu.Lock()
	}
	c.flushing = false
	c.mu.Unlock()
}

func (c *Coordinator) claim(ev event, fields logging.LogFields) {
	lease := membership.Lease{Binding: ev.binding, Partition: ev.partition}
	ctx, cancel := context.WithTimeout(context.Background(), leaseTimeout)
	ok, err := c.leases.Claim(ctx, lease, ev.process)
	cancel()
	if err != nil {
		c.log.Error("Failed to claim partition lease", err, fields)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	b, tracked := c.bindings[ev.binding]
	if tracked && ev.partition < len(b.claiming) {
		b.claiming[ev.partition] = false
	}
	if !ok {
		c.blocked[lease] = true
		return
	}
	c.epoch++
	_, local := c.listeners[ev.process]
	if !tracked || !local || b.owner[ev.partition] != "" {
		c.pending = append(c.pending, event{kind: unleaseEvent, process: ev.process, binding: ev.binding, partition: ev.partition})
		return
	}
	b.owner[ev.partition] = ev.process
	c.holders[lease] = ev.process
	c.pending = append(c.pending, event{kind: acquireEvent, process: ev.process, binding: ev.binding, partition: ev.partition})
	c.publishLocked()
}

func (c *Coordinator) unlease(ev event, fields logging.LogFields) {
	lease := membership.Lease{Binding: ev.binding, Partition: ev.partition}
	ctx, cancel := context.WithTimeout(context.Background(), leaseTimeout)
	err := c.leases.Release(ctx, lease, ev.process)
	cancel()
	if err != nil {
		c.log.Error("Failed to release partition lease", err, fields)
	}

	c.mu.Lock()
	c.epoch++
	c.mu.Unlock()
}
