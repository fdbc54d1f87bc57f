package transport

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// Registry resolves the PubSubSystem setting of a broker to a backend: the
// builder that connects it and the guarantees it gives flowbind pipelines.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]backend
}

type backend struct {
	build Builder
	caps  Capabilities
}

// DefaultRegistry holds the built-in backends; each backend package adds
// itself from init.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]backend)}
}

// Register installs builder under name, keeping capabilities declared
// earlier. A backend without declared capabilities promises nothing.
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.backends[name]
	if !ok {
		b.caps = Capabilities{Name: name}
	}
	b.build = builder
	r.backends[name] = b
}

// RegisterWithCapabilities installs builder under name together with what the
// backend guarantees.
func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = backend{build: builder, caps: caps}
}

// GetCapabilities reports the guarantees of name. Unknown names get an empty
// set carrying only the name.
func (r *Registry) GetCapabilities(name string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if b, ok := r.backends[name]; ok {
		return b.caps
	}
	return Capabilities{Name: name}
}

// Open connects the backend cfg names and returns it with its capabilities.
func (r *Registry) Open(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, Capabilities, error) {
	if cfg == nil {
		return Transport{}, Capabilities{}, fmt.Errorf("transport: config is required")
	}
	name := cfg.GetPubSubSystem()

	r.mu.RLock()
	b, ok := r.backends[name]
	r.mu.RUnlock()
	if !ok || b.build == nil {
		return Transport{}, Capabilities{}, fmt.Errorf("transport: unknown backend %q (registered: %v)", name, r.Names())
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	t, err := b.build(ctx, cfg, logger)
	if err != nil {
		return Transport{}, Capabilities{}, fmt.Errorf("transport %s: %w", name, err)
	}
	if t.Publisher == nil || t.Subscriber == nil {
		return Transport{}, Capabilities{}, fmt.Errorf("transport %s: builder returned an incomplete transport", name)
	}
	return t, b.caps, nil
}

// Build is Open without the capabilities.
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	t, _, err := r.Open(ctx, cfg, logger)
	return t, err
}

// Names lists the backends in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.backends[name]
	return ok
}

// Register installs a backend in DefaultRegistry. Applications use it to make
// their own PubSubSystem names available to NewBroker.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}

func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
