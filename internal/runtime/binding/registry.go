package binding

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	errspkg "github.com/drblury/flowbind/internal/runtime/errors"
)

// Handler is an application object owning a set of bindings. The object must
// outlive its registration.
type Handler interface {
	Bindings() []*Declaration
}

// NamedHandler lets a handler choose the name used in binding names and offset
// store keys. Without it the Go type name is used.
type NamedHandler interface {
	HandlerName() string
}

// Set is the result of registering one handler.
type Set struct {
	ID          string
	Handler     string
	Descriptors []Descriptor
}

// Registry validates handlers into descriptor sets and tracks them until they
// are deregistered.
type Registry struct {
	mu   sync.RWMutex
	seq  uint64
	sets map[string]*Set
	byID map[string]Descriptor
}

func NewRegistry() *Registry {
	return &Registry{
		sets: make(map[string]*Set),
		byID: make(map[string]Descriptor),
	}
}

// HandlerName returns the name a handler registers under.
func HandlerName(h Handler) string {
	if named, ok := h.(NamedHandler); ok {
		if name := strings.TrimSpace(named.HandlerName()); name != "" {
			return name
		}
	}
	return strings.TrimLeft(fmt.Sprintf("%T", h), "*")
}

// Register validates every declaration of h. Valid declarations become
// descriptors even when siblings fail; failures are returned together as a
// *errors.ValidationErrors. When no declaration is valid the set is nil.
func (r *Registry) Register(h Handler) (*Set, error) {
	if h == nil {
		return nil, errspkg.ErrHandlerRequired
	}

	handler := HandlerName(h)
	var batch errspkg.ValidationErrors
	var descriptors []Descriptor
	seen := make(map[string]bool)

	for i, decl := range h.Bindings() {
		name := fmt.Sprintf("%s#%d", handler, i)
		if decl == nil {
			batch.Add(name, ruleNoHandle)
			continue
		}
		if decl.name != "" {
			name = decl.name
		}
		if seen[name] {
			batch.Add(name, ruleDuplicateName)
			continue
		}
		seen[name] = true

		desc, violations := decl.describe(handler, name)
		if len(violations) > 0 {
			batch.Errors = append(batch.Errors, violations...)
			continue
		}
		descriptors = append(descriptors, desc)
	}

	if len(descriptors) == 0 {
		if err := batch.OrNil(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("flowbind: handler %s declares no bindings: %w", handler, errspkg.ErrHandlerRequired)
	}

	r.mu.Lock()
	r.seq++
	set := &Set{ID: fmt.Sprintf("%s@%d", handler, r.seq), Handler: handler}
	for _, desc := range descriptors {
		desc.ID = set.ID + "/" + desc.Name
		set.Descriptors = append(set.Descriptors, desc)
		r.byID[desc.ID] = desc
	}
	r.sets[set.ID] = set
	r.mu.Unlock()

	return set, batch.OrNil()
}

// Deregister forgets a set and returns it.
func (r *Registry) Deregister(id string) (*Set, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sets[id]
	if !ok {
		return nil, false
	}
	delete(r.sets, id)
	for _, desc := range set.Descriptors {
		delete(r.byID, desc.ID)
	}
	return set, true
}

// Lookup finds a registered descriptor by ID.
func (r *Registry) Lookup(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.byID[id]
	return desc, ok
}

// Descriptors lists every registered descriptor ordered by ID.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.byID))
	for _, desc := range r.byID {
		out = append(out, desc)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
