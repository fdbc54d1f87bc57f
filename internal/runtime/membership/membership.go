// Package membership reports which processes currently take part in a cluster.
// The partition coordinator rebalances whenever a new View arrives.
package membership

import (
	"context"
	"slices"
	"sync"
)

// View is one observation of the live members, sorted by ID.
type View struct {
	Members []string
	Version uint64
}

// Contains reports whether id is part of the view.
func (v View) Contains(id string) bool {
	_, found := slices.BinarySearch(v.Members, id)
	return found
}

// Membership is a source of cluster views.
type Membership interface {
	// Self is the ID of the local process.
	Self() string
	// Watch streams views until ctx is cancelled or the membership is closed.
	// The current view is delivered first. Slow readers only see the latest view.
	Watch(ctx context.Context) (<-chan View, error)
	Close() error
}

func normalize(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// hub fans views out to watchers, keeping only the newest undelivered view per watcher.
type hub struct {
	mu       sync.Mutex
	current  View
	watchers map[chan View]struct{}
	closed   bool
}

func newHub(members []string) *hub {
	return &hub{
		current:  View{Members: normalize(members), Version: 1},
		watchers: make(map[chan View]struct{}),
	}
}

func (h *hub) view() View {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// publish installs members as the new view if it differs from the current one.
func (h *hub) publish(members []string) bool {
	members = normalize(members)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || slices.Equal(members, h.current.Members) {
		return false
	}
	h.current = View{Members: members, Version: h.current.Version + 1}
	for ch := range h.watchers {
		offer(ch, h.current)
	}
	return true
}

func offer(ch chan View, v View) {
	select {
	case <-ch:
	default:
	}
	ch <- v
}

func (h *hub) watch(ctx context.Context) (<-chan View, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	ch := make(chan View, 1)
	ch <- h.current
	h.watchers[ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.remove(ch)
	}()
	return ch, nil
}

func (h *hub) remove(ch chan View) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.watchers[ch]; ok {
		delete(h.watchers, ch)
		close(ch)
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.watchers {
		delete(h.watchers, ch)
		close(ch)
	}
}
