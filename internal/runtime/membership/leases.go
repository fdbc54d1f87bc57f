package membership

import (
	"context"
	"fmt"
	"sync"
)

// Lease names one partition of a coordinated binding.
type Lease struct {
	Binding   string
	Partition int
}

func (l Lease) String() string { return fmt.Sprintf("%s[%d]", l.Binding, l.Partition) }

// LeaseTable is partition ownership shared by every member of a cluster. Claim
// is atomic: a lease has at most one holder until that holder releases it or
// its claim expires.
type LeaseTable interface {
	// Claim takes l for holder. It reports false when another holder has it.
	// Claiming a lease the holder already has succeeds.
	Claim(ctx context.Context, l Lease, holder string) (bool, error)
	// Release gives up l. Releasing a lease held by someone else is a no-op.
	Release(ctx context.Context, l Lease, holder string) error
	// Holders returns the holder of every claimed lease.
	Holders(ctx context.Context) (map[Lease]string, error)
	// Watch signals after claims and releases. Signals coalesce; the channel
	// closes when ctx ends.
	Watch(ctx context.Context) (<-chan struct{}, error)
}

// Leaser is implemented by memberships that come with a shared lease table.
type Leaser interface {
	Leases() LeaseTable
}

// LeasesOf returns the lease table of m, or nil when m has none.
func LeasesOf(m Membership) LeaseTable {
	if l, ok := m.(Leaser); ok {
		return l.Leases()
	}
	return nil
}

// MemoryLeases is a lease table for processes sharing one address space.
type MemoryLeases struct {
	mu       sync.Mutex
	holders  map[Lease]string
	watchers map[chan struct{}]struct{}
}

func NewMemoryLeases() *MemoryLeases {
	return &MemoryLeases{
		holders:  make(map[Lease]string),
		watchers: make(map[chan struct{}]struct{}),
	}
}

func (m *MemoryLeases) Claim(_ context.Context, l Lease, holder string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, held := m.holders[l]; held {
		return current == holder, nil
	}
	m.holders[l] = holder
	m.notifyLocked()
	return true, nil
}

func (m *MemoryLeases) Release(_ context.Context, l Lease, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holders[l] == holder {
		delete(m.holders, l)
		m.notifyLocked()
	}
	return nil
}

// ReleaseAll drops every lease of holder, as if its claims expired.
func (m *MemoryLeases) ReleaseAll(holder string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := false
	for l, h := range m.holders {
		if h == holder {
			delete(m.holders, l)
			changed = true
		}
	}
	if changed {
		m.notifyLocked()
	}
}

func (m *MemoryLeases) Holders(context.Context) (map[Lease]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[Lease]string, len(m.holders))
	for l, h := range m.holders {
		out[l] = h
	}
	return out, nil
}

func (m *MemoryLeases) Watch(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	m.watchers[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers, ch)
		close(ch)
		m.mu.Unlock()
	}()
	return ch, nil
}

func (m *MemoryLeases) notifyLocked() {
	for ch := range m.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
