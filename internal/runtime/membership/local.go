package membership

import (
	"context"
	"sync"
)

// LocalGroup tracks members inside one process. It backs tests and single-binary
// deployments that run several brokers side by side. Members share one lease
// table.
type LocalGroup struct {
	mu      sync.Mutex
	members map[string]int
	hub     *hub
	leases  *MemoryLeases
}

func NewLocalGroup() *LocalGroup {
	return &LocalGroup{members: make(map[string]int), hub: newHub(nil), leases: NewMemoryLeases()}
}

// Join adds id to the group. The returned member leaves the group on Close.
func (g *LocalGroup) Join(id string) *LocalMember {
	g.mu.Lock()
	g.members[id]++
	ids := g.idsLocked()
	g.mu.Unlock()

	g.hub.publish(ids)
	return &LocalMember{group: g, self: id}
}

// leave drops one handle of id. The last handle to leave gives up the leases
// of id.
func (g *LocalGroup) leave(id string) {
	g.mu.Lock()
	gone := g.members[id] <= 1
	if gone {
		delete(g.members, id)
	} else {
		g.members[id]--
	}
	ids := g.idsLocked()
	g.mu.Unlock()

	if gone {
		g.leases.ReleaseAll(id)
	}
	g.hub.publish(ids)
}

func (g *LocalGroup) idsLocked() []string {
	ids := make([]string, 0, len(g.members))
	for id := range g.members {
		ids = append(ids, id)
	}
	return ids
}

// View returns the current members.
func (g *LocalGroup) View() View { return g.hub.view() }

// Leases returns the table shared by the members.
func (g *LocalGroup) Leases() LeaseTable { return g.leases }

// LocalMember is one process's handle on a LocalGroup.
type LocalMember struct {
	group *LocalGroup
	self  string
	once  sync.Once
}

func (m *LocalMember) Self() string { return m.self }

func (m *LocalMember) Watch(ctx context.Context) (<-chan View, error) {
	return m.group.hub.watch(ctx)
}

func (m *LocalMember) Leases() LeaseTable { return m.group.leases }

func (m *LocalMember) Close() error {
	m.once.Do(func() { m.group.leave(m.self) })
	return nil
}
