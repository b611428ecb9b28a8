package backend

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds one Provider per backend kind.
type Registry struct {
	mu        sync.RWMutex
	providers map[Kind]Provider
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{providers: map[Kind]Provider{}}
}

// Register adds a provider. Registering the same kind twice is an error.
func (r *Registry) Register(p Provider) error {
	if p == nil {
		return fmt.Errorf("provider is nil")
	}
	kind, ok := ParseKind(p.Kind().String())
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, p.Kind())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[kind]; exists {
		return fmt.Errorf("backend kind already registered: %s", kind)
	}
	r.providers[kind] = p
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(p Provider) {
	if err := r.Register(p); err != nil {
		panic(err)
	}
}

// Get returns the provider for kind.
func (r *Registry) Get(kind Kind) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return p, nil
}

// Kinds returns the registered kinds in stable order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]Kind, 0, len(r.providers))
	for k := range r.providers {
		items = append(items, k)
	}
	sort.Slice(items, func(i, j int) bool { return items[i] < items[j] })
	return items
}

// NormalizeConfig dispatches to the provider for kind.
func (r *Registry) NormalizeConfig(kind Kind, raw map[string]any) (map[string]any, error) {
	p, err := r.Get(kind)
	if err != nil {
		return nil, err
	}
	return p.NormalizeConfig(raw)
}

// Build constructs an adapter for kind.
func (r *Registry) Build(kind Kind, cfg map[string]any, opts BuildOptions) (Adapter, error) {
	p, err := r.Get(kind)
	if err != nil {
		return nil, err
	}
	return p.Build(cfg, opts)
}
